// pkg/enginestate/state.go
package enginestate

import (
	"math"
	"time"

	"github.com/ociproxy/imgfetch/config"
	"github.com/ociproxy/imgfetch/pkg/enginerr"
	"github.com/ociproxy/imgfetch/pkg/models"
)

// allowedTransitions enumerates the legal edges of the task lifecycle
// (§3). Anything not listed here is rejected by CanTransition.
var allowedTransitions = map[models.TaskState][]models.TaskState{
	models.StatePending:   {models.StateResolving, models.StateCancelled},
	models.StateResolving: {models.StateFetching, models.StateFailed, models.StateCancelled},
	models.StateFetching:  {models.StatePaused, models.StateCompleted, models.StateFailed, models.StateCancelled},
	models.StatePaused:    {models.StateFetching, models.StateCancelled},
	models.StateCompleted: {},
	models.StateFailed:    {models.StatePending}, // Retry re-enters the admission queue (§7)
	models.StateCancelled: {},
}

// CanTransition reports whether moving from `from` to `to` is a legal edge.
func CanTransition(from, to models.TaskState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition mutates task.State to `to` if legal, or returns an
// InvalidArgument error naming the rejected edge.
func Transition(task *models.Task, to models.TaskState) error {
	if !CanTransition(task.State, to) {
		return enginerr.New(enginerr.InvalidArgument, string(task.State)+" cannot transition to "+string(to))
	}
	task.State = to
	return nil
}

// Backoff computes the capped exponential retry delay for attempt n
// (0-indexed): base * 2^n, clamped at max (§4.3).
func Backoff(cfg config.SchedulerConfig, attempt int) time.Duration {
	base := time.Duration(cfg.BackoffBaseSeconds) * time.Second
	max := time.Duration(cfg.BackoffMaxSeconds) * time.Second

	delay := base * time.Duration(math.Pow(2, float64(attempt)))
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// ShouldRetry decides whether a failure should trigger a retry rather than
// a terminal Failed state, based on error kind and the retry budget (§4.3,
// §7). Auth errors get one token-refresh retry that does not count against
// the budget - the caller is expected to have already attempted that retry
// inside the registry client before a second Auth error reaches here.
func ShouldRetry(cfg config.SchedulerConfig, kind enginerr.Kind, retriesSoFar int) bool {
	if !enginerr.Retryable(kind) {
		return false
	}
	return retriesSoFar < cfg.MaxRetries
}

// ResumePlan describes where to resume a blob transfer from, computed from
// the on-disk ground truth rather than trusting stale in-memory state
// (§4.3 resumption, §5).
type ResumePlan struct {
	Digest string
	Offset int64
	Done   bool
}

// PlanResume walks a task's blobs and reports the offset to resume each
// incomplete one from.
func PlanResume(task *models.Task) []ResumePlan {
	plans := make([]ResumePlan, 0, len(task.Blobs))
	for _, b := range task.Blobs {
		switch b.State {
		case models.BlobDone:
			plans = append(plans, ResumePlan{Digest: b.Digest, Offset: b.Size, Done: true})
		default:
			plans = append(plans, ResumePlan{Digest: b.Digest, Offset: b.BytesWritten, Done: false})
		}
	}
	return plans
}

// AllBlobsDone reports whether every blob in the task has reached Done,
// the precondition for transitioning to Completed (invariant: Completed
// implies all blobs Done + checksum set).
func AllBlobsDone(task *models.Task) bool {
	for _, b := range task.Blobs {
		if b.State != models.BlobDone {
			return false
		}
	}
	return true
}
