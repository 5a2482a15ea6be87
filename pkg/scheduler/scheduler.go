// pkg/scheduler/scheduler.go
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ociproxy/imgfetch/config"
	"github.com/ociproxy/imgfetch/pkg/enginerr"
	"github.com/ociproxy/imgfetch/pkg/enginestate"
	"github.com/ociproxy/imgfetch/pkg/models"
	"github.com/ociproxy/imgfetch/pkg/progressbus"
	"github.com/ociproxy/imgfetch/pkg/registryclient"
	"github.com/ociproxy/imgfetch/pkg/taskstore"
	"github.com/ociproxy/imgfetch/pkg/utils"

	"github.com/sirupsen/logrus"
)

// Scheduler bounds concurrency at two levels (§4.4): taskSem admits at
// most N_tasks tasks into active Fetching at once, FIFO by CreatedAt;
// each active task then gets its own blob-level semaphore admitting at
// most N_blobs concurrent blob transfers.
type Scheduler struct {
	cfg      config.SchedulerConfig
	registries []config.RegistryConfig
	store    *taskstore.Store
	client   *registryclient.Client
	bus      *progressbus.Bus
	log      *utils.Logger

	taskSem chan struct{}

	mu           sync.Mutex
	cancels      map[string]context.CancelFunc
	pauses       map[string]chan struct{}
	shuttingDown bool
}

func New(cfg config.SchedulerConfig, registries []config.RegistryConfig, store *taskstore.Store, client *registryclient.Client, bus *progressbus.Bus, log *utils.Logger) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		registries: registries,
		store:      store,
		client:     client,
		bus:        bus,
		log:        log,
		taskSem:    make(chan struct{}, cfg.MaxTasks),
		cancels:    make(map[string]context.CancelFunc),
		pauses:     make(map[string]chan struct{}),
	}
}

func (s *Scheduler) findRegistry(source string) (config.RegistryConfig, error) {
	for _, r := range s.registries {
		if r.Name == source {
			return r, nil
		}
	}
	return config.RegistryConfig{}, enginerr.New(enginerr.InvalidArgument, fmt.Sprintf("unknown registry source %q", source))
}

// Start admits a Pending task into the pipeline. It blocks for a free
// task slot via the background goroutine's semaphore acquisition, so the
// call itself returns immediately - admission ordering is FIFO because
// Go's buffered channel send/receive order is first-come-first-served
// among blocked goroutines of the same priority, matched here by kicking
// off goroutines in CreatedAt order from the caller (the HTTP handler
// enqueues in creation order).
func (s *Scheduler) Start(ctx context.Context, taskID string) error {
	s.mu.Lock()
	down := s.shuttingDown
	s.mu.Unlock()
	if down {
		return enginerr.New(enginerr.Cancelled, "scheduler is shutting down")
	}

	if _, err := s.findRegistryForTask(taskID); err != nil {
		return err
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[taskID] = cancel
	s.pauses[taskID] = nil
	s.mu.Unlock()

	go s.run(taskCtx, taskID)
	return nil
}

// Shutdown stops admitting new tasks and cancels every task's active run
// context, so in-flight blob streams terminate at their next read instead
// of blocking graceful shutdown (§5). Task Store writes happen inline with
// every blob chunk, so no separate metadata flush is needed here.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shuttingDown = true
	for _, cancel := range s.cancels {
		if cancel != nil {
			cancel()
		}
	}
}

// RecoverTasks re-admits every non-terminal task the Task Store loaded
// from disk at startup (§5: "tasks left in Fetching at shutdown will be
// recovered to Fetching (via resumption) or Paused on next start,
// depending on configuration"). A task caught mid-Resolving never
// committed a blob plan, so it is normalized back to Pending and re-runs
// resolution from scratch; a task caught mid-Fetching already has a blob
// plan and on-disk bytes, so it either resumes immediately or is parked
// in Paused for a manual Resume, per cfg.RecoverToPaused.
func (s *Scheduler) RecoverTasks(ctx context.Context) {
	for _, task := range s.store.List() {
		switch task.State {
		case models.StateResolving:
			if _, err := s.store.Update(task.ID, func(t *models.Task) error {
				t.State = models.StatePending
				return nil
			}); err != nil {
				s.log.WithFunc().WithError(err).WithField("task", task.ID).Error("failed to normalize recovered task to Pending")
				continue
			}
			if err := s.Start(ctx, task.ID); err != nil {
				s.log.WithFunc().WithError(err).WithField("task", task.ID).Error("failed to restart recovered task")
			}
		case models.StateFetching:
			if s.cfg.RecoverToPaused {
				if _, err := s.store.Update(task.ID, func(t *models.Task) error {
					return enginestate.Transition(t, models.StatePaused)
				}); err != nil {
					s.log.WithFunc().WithError(err).WithField("task", task.ID).Error("failed to park recovered task as Paused")
				}
				continue
			}
			if err := s.Start(ctx, task.ID); err != nil {
				s.log.WithFunc().WithError(err).WithField("task", task.ID).Error("failed to resume recovered task")
			}
		}
	}
}

func (s *Scheduler) findRegistryForTask(taskID string) (config.RegistryConfig, error) {
	task, err := s.store.Get(taskID)
	if err != nil {
		return config.RegistryConfig{}, err
	}
	return s.findRegistry(task.Coord.Source)
}

func (s *Scheduler) run(ctx context.Context, taskID string) {
	select {
	case s.taskSem <- struct{}{}:
		defer func() { <-s.taskSem }()
	case <-ctx.Done():
		return
	}

	if err := s.resolveAndFetch(ctx, taskID); err != nil {
		s.fail(taskID, err)
	}
}

func (s *Scheduler) resolveAndFetch(ctx context.Context, taskID string) error {
	task, err := s.store.Get(taskID)
	if err != nil {
		return err
	}

	reg, err := s.findRegistry(task.Coord.Source)
	if err != nil {
		return err
	}

	// A task only ever reaches resolveAndFetch in Pending (fresh admission,
	// or a manual Retry - which already moves Failed -> Pending before
	// calling Start again) or in Resolving/Fetching (an in-budget automatic
	// retry from scheduleRetry, which leaves the task's state untouched -
	// see fail()). Failed is never seen here. A retry that re-enters in
	// Resolving never committed a blob plan, so it re-runs resolution too.
	if task.State == models.StatePending || task.State == models.StateResolving {
		if task.State == models.StatePending {
			if _, err := s.store.Update(taskID, func(t *models.Task) error {
				return enginestate.Transition(t, models.StateResolving)
			}); err != nil {
				return err
			}
		}

		if err := s.resolve(ctx, taskID, reg, task.Coord, task.Platform); err != nil {
			return err
		}
	}

	// A retry re-entry of a failed fetch (scheduleRetry -> run ->
	// resolveAndFetch) finds the task already in Fetching, since a
	// retryable failure never leaves that state (§4.3); only drive the
	// transition when coming from
	// Resolving, rather than allowing a Fetching -> Fetching self-loop in
	// the state table, which would also let Resume silently no-op on an
	// already-Fetching task instead of rejecting it (§4.4).
	if _, err := s.store.Update(taskID, func(t *models.Task) error {
		if t.State == models.StateFetching {
			return nil
		}
		return enginestate.Transition(t, models.StateFetching)
	}); err != nil {
		return err
	}

	return s.fetch(ctx, taskID, reg)
}

// resolve fetches (and follows, if needed) the manifest, selects a
// platform, and records the blob plan on the task (§4.1, §4.2).
func (s *Scheduler) resolve(ctx context.Context, taskID string, reg config.RegistryConfig, coord models.Coordinate, platform models.Platform) error {
	manifest, err := s.client.GetManifest(ctx, reg, coord.Repository, coord.Reference)
	if err != nil {
		return err
	}

	// selectedBytes/selectedDigest describe the concrete, single-platform
	// manifest that ends up on disk and becomes the task's checksum (§3,
	// §4.3) - the outer document when it's already a single manifest, or
	// the inner one GetManifest returns for the chosen platform entry when
	// the outer document was a manifest list/OCI index.
	selectedBytes := manifest.Bytes
	selectedDigest := manifest.Digest

	var ociManifest models.OCIManifest
	if models.IsManifestList(manifest.ContentType) {
		var index models.OCIIndex
		if err := json.Unmarshal(manifest.Bytes, &index); err != nil {
			return enginerr.Wrap(enginerr.ProtocolViolation, "decoding manifest list", err)
		}
		chosen, err := registryclient.SelectPlatform(&index, platform)
		if err != nil {
			return err
		}
		inner, err := s.client.GetManifest(ctx, reg, coord.Repository, chosen.Digest)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(inner.Bytes, &ociManifest); err != nil {
			return enginerr.Wrap(enginerr.ProtocolViolation, "decoding selected manifest", err)
		}
		selectedBytes = inner.Bytes
		selectedDigest = inner.Digest
	} else {
		if err := json.Unmarshal(manifest.Bytes, &ociManifest); err != nil {
			return enginerr.Wrap(enginerr.ProtocolViolation, "decoding manifest", err)
		}
	}

	if err := os.WriteFile(s.store.ManifestPath(taskID), selectedBytes, 0644); err != nil {
		return enginerr.Wrap(enginerr.IO, "persisting manifest", err)
	}

	blobs := make([]models.BlobRecord, 0, len(ociManifest.Layers)+1)
	blobs = append(blobs, models.BlobRecord{
		Digest: ociManifest.Config.Digest, MediaType: ociManifest.Config.MediaType,
		Size: ociManifest.Config.Size, State: models.BlobMissing, IsConfig: true,
	})
	for _, l := range ociManifest.Layers {
		blobs = append(blobs, models.BlobRecord{
			Digest: l.Digest, MediaType: l.MediaType, Size: l.Size, State: models.BlobMissing,
		})
	}
	// resolve() re-runs on every Pending re-entry, including a manual retry
	// (§7: retry "preserves downloaded_bytes so the retry resumes rather
	// than restarts"). A freshly-resolved manifest would otherwise reset
	// every blob to Missing/0, which both throws away that progress and
	// corrupts the on-disk file: fetchBlob opens with O_APPEND whenever the
	// resume offset is 0, so bytes already on disk from a prior attempt
	// would get new bytes appended on top rather than truncated. Stat each
	// blob's file and trust its on-disk length as ground truth instead,
	// mirroring taskstore.Store's own reconciliation on load.
	s.reconcileBlobsAgainstDisk(taskID, blobs)

	var downloaded int64
	for _, b := range blobs {
		downloaded += b.BytesWritten
	}

	_, err = s.store.Update(taskID, func(t *models.Task) error {
		t.Blobs = blobs
		t.TotalBytes = ociManifest.GetTotalSize()
		t.DownloadedBytes = downloaded
		t.ManifestDigest = selectedDigest
		return nil
	})
	return err
}

// reconcileBlobsAgainstDisk sets each blob's State/BytesWritten from the
// actual size of its file on disk rather than leaving the caller's
// freshly-built Missing/0 defaults, so re-resolving a task (e.g. on retry)
// does not discard progress from a prior attempt (§4.3, §7).
func (s *Scheduler) reconcileBlobsAgainstDisk(taskID string, blobs []models.BlobRecord) {
	for i := range blobs {
		b := &blobs[i]
		info, err := os.Stat(s.store.BlobPath(taskID, b.Digest))
		if err != nil {
			continue
		}
		switch {
		case info.Size() >= b.Size:
			b.State = models.BlobDone
			b.BytesWritten = b.Size
		case info.Size() > 0:
			b.State = models.BlobInProgress
			b.BytesWritten = info.Size()
		}
	}
}

// fetch downloads every Missing/InProgress blob under a per-task blob
// semaphore of size N_blobs, then finalizes the task on success.
func (s *Scheduler) fetch(ctx context.Context, taskID string, reg config.RegistryConfig) error {
	task, err := s.store.Get(taskID)
	if err != nil {
		return err
	}

	blobSem := make(chan struct{}, s.cfg.MaxBlobsPerTask)
	var wg sync.WaitGroup
	errCh := make(chan error, len(task.Blobs))

	for _, plan := range enginestate.PlanResume(task) {
		if plan.Done {
			continue
		}
		plan := plan
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case blobSem <- struct{}{}:
				defer func() { <-blobSem }()
			case <-ctx.Done():
				errCh <- enginerr.New(enginerr.Cancelled, "task cancelled before blob slot acquired")
				return
			}
			if err := s.fetchBlob(ctx, taskID, reg, task, plan); err != nil {
				errCh <- err
			}
		}()
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}

	return s.finalize(taskID)
}

func (s *Scheduler) fetchBlob(ctx context.Context, taskID string, reg config.RegistryConfig, task *models.Task, plan enginestate.ResumePlan) error {
	body, total, err := s.client.StreamBlob(ctx, reg, task.Coord.Repository, plan.Digest, plan.Offset)
	if err != nil {
		return err
	}
	defer body.Close()

	path := s.store.BlobPath(taskID, plan.Digest)
	flags := os.O_CREATE | os.O_WRONLY
	offset := plan.Offset
	if total >= 0 && total < offset {
		// Registry restarted from zero; discard whatever we had.
		flags |= os.O_TRUNC
		offset = 0
	} else {
		flags |= os.O_APPEND
	}

	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return enginerr.Wrap(enginerr.IO, "opening blob file", err)
	}

	// §5 permits an inactivity timer since stream_blob has no read
	// timeout of its own; a stalled connection that never errors and
	// never delivers bytes would otherwise hang the blob slot forever.
	// Closing the body on expiry turns the stall into an ordinary read
	// error, classified Transport below and retried through the normal
	// budget.
	var watchdog *time.Timer
	if s.cfg.InactivityTimeoutSeconds > 0 {
		timeout := time.Duration(s.cfg.InactivityTimeoutSeconds) * time.Second
		watchdog = time.AfterFunc(timeout, func() { body.Close() })
		defer watchdog.Stop()
	}

	// §4.4: cancellation must not depend on the network. A blocked
	// body.Read is only observed between iterations, so closing the
	// body on ctx.Done unblocks it promptly instead of waiting for the
	// connection itself to yield bytes or an error.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			body.Close()
		case <-watchDone:
		}
	}()

	written := offset
	buf := make([]byte, 256*1024)
	for {
		select {
		case <-ctx.Done():
			f.Close()
			return enginerr.New(enginerr.Cancelled, "task cancelled mid-transfer")
		default:
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if watchdog != nil {
				timeout := time.Duration(s.cfg.InactivityTimeoutSeconds) * time.Second
				watchdog.Reset(timeout)
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return enginerr.Wrap(enginerr.IO, "writing blob chunk", werr)
			}
			written += int64(n)

			s.store.Update(taskID, func(t *models.Task) error {
				updateBlobBytes(t, plan.Digest, written)
				return nil
			})
			s.bus.PublishProgress(taskID, written, total)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			if ctx.Err() != nil {
				return enginerr.New(enginerr.Cancelled, "task cancelled mid-transfer")
			}
			return enginerr.Wrap(enginerr.Transport, "reading blob stream", readErr)
		}
	}

	if err := f.Close(); err != nil {
		return enginerr.Wrap(enginerr.IO, "closing blob file", err)
	}

	// §4.3: on clean EOF, verify the full file's content digest against
	// the manifest's recorded digest before marking the blob Done - a
	// mismatch is a ProtocolViolation specific to this blob and must not
	// mark it Done (invariant #2), even though earlier chunks in this
	// same read loop already wrote bytes to disk.
	if err := verifyBlobDigest(path, plan.Digest); err != nil {
		return err
	}

	_, err = s.store.Update(taskID, func(t *models.Task) error {
		markBlobDone(t, plan.Digest, written)
		return nil
	})
	return err
}

// verifyBlobDigest hashes the blob file on disk and compares it against
// the expected digest (§4.3, §8).
func verifyBlobDigest(path, expected string) error {
	f, err := os.Open(path)
	if err != nil {
		return enginerr.Wrap(enginerr.IO, "reopening blob file for verification", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return enginerr.Wrap(enginerr.IO, "hashing blob file", err)
	}
	got := "sha256:" + hex.EncodeToString(h.Sum(nil))
	if got != expected {
		return enginerr.New(enginerr.ProtocolViolation, fmt.Sprintf("blob digest mismatch: want %s, got %s", expected, got))
	}
	return nil
}

func updateBlobBytes(t *models.Task, digest string, written int64) {
	for i := range t.Blobs {
		if t.Blobs[i].Digest == digest {
			delta := written - t.Blobs[i].BytesWritten
			t.Blobs[i].BytesWritten = written
			t.Blobs[i].State = models.BlobInProgress
			t.DownloadedBytes += delta
			return
		}
	}
}

func markBlobDone(t *models.Task, digest string, written int64) {
	for i := range t.Blobs {
		if t.Blobs[i].Digest == digest {
			t.Blobs[i].State = models.BlobDone
			t.Blobs[i].BytesWritten = written
			return
		}
	}
}

// finalize verifies every blob reached Done, records the selected
// manifest's digest as the task's checksum (§3, §4.3 invariants: "checksum
// is the selected manifest's digest"), and transitions the task to
// Completed.
func (s *Scheduler) finalize(taskID string) error {
	task, err := s.store.Get(taskID)
	if err != nil {
		return err
	}
	if !enginestate.AllBlobsDone(task) {
		return enginerr.New(enginerr.IO, "finalize called with incomplete blobs")
	}
	if task.ManifestDigest == "" {
		return enginerr.New(enginerr.IO, "finalize called with no resolved manifest digest")
	}
	checksum := task.ManifestDigest

	updated, err := s.store.Update(taskID, func(t *models.Task) error {
		t.Checksum = checksum
		return enginestate.Transition(t, models.StateCompleted)
	})
	if err != nil {
		return err
	}

	s.bus.PublishComplete(taskID, s.store.TaskDir(taskID), checksum)
	s.log.WithFunc().WithFields(logrus.Fields{"task": taskID, "bytes": updated.DownloadedBytes}).Info("download completed")
	return nil
}

func (s *Scheduler) fail(taskID string, cause error) {
	kind := enginerr.KindOf(cause)

	s.mu.Lock()
	down := s.shuttingDown
	s.mu.Unlock()

	updated, err := s.store.Update(taskID, func(t *models.Task) error {
		if kind == enginerr.Cancelled {
			// Pause, Cancel and Shutdown cancel the run context themselves;
			// the state they left (Paused, Cancelled, or the in-flight state
			// RecoverTasks picks up on restart) is kept.
			if down || t.State == models.StatePaused || t.State == models.StateCancelled {
				return nil
			}
			return enginestate.Transition(t, models.StateCancelled)
		}

		t.LastError = &models.LastError{Kind: string(kind), Message: cause.Error()}
		if enginestate.ShouldRetry(s.cfg, kind, t.Retries) {
			t.Retries++
			return nil // stays in Fetching/Resolving; scheduleRetry below re-runs it after a backoff
		}
		return enginestate.Transition(t, models.StateFailed)
	})
	if err != nil {
		s.log.WithFunc().WithError(err).Error("failed to persist task failure")
		return
	}

	if updated.State == models.StateFailed {
		s.bus.PublishError(taskID, cause.Error())
	} else if enginestate.ShouldRetry(s.cfg, kind, updated.Retries-1) {
		go s.scheduleRetry(taskID, updated.Retries-1)
	}
}

func (s *Scheduler) scheduleRetry(taskID string, attempt int) {
	delay := enginestate.Backoff(s.cfg, attempt)
	s.log.WithFunc().WithFields(logrus.Fields{"task": taskID, "attempt": attempt, "delay": delay}).Info("scheduling retry")
	time.Sleep(delay)

	// A task paused or cancelled during the backoff stays where it is.
	task, err := s.store.Get(taskID)
	if err != nil || (task.State != models.StateResolving && task.State != models.StateFetching) {
		return
	}

	s.mu.Lock()
	cancel, ok := s.cancels[taskID]
	if !ok || cancel == nil || s.shuttingDown {
		s.mu.Unlock()
		return
	}
	taskCtx, newCancel := context.WithCancel(context.Background())
	s.cancels[taskID] = newCancel
	s.mu.Unlock()

	go s.run(taskCtx, taskID)
}

// Pause cancels the active fetch context for a task; it remains paused
// until Resume is called. The task's on-disk blob bytes are the durable
// checkpoint, so no special pause bookkeeping is needed beyond stopping
// network activity (§4.3 invariant: Paused stops all network activity).
func (s *Scheduler) Pause(taskID string) error {
	task, err := s.store.Get(taskID)
	if err != nil {
		return err
	}
	if task.State.IsTerminal() {
		// §4.4: "pause on a Completed task is a no-op returning success" -
		// a task already done (or failed/cancelled) has no more network
		// activity to stop, so pause trivially succeeds rather than
		// erroring on the illegal transition.
		return nil
	}

	s.mu.Lock()
	cancel, ok := s.cancels[taskID]
	s.mu.Unlock()
	if !ok {
		return enginerr.New(enginerr.NotFound, "task has no active run")
	}

	if _, err := s.store.Update(taskID, func(t *models.Task) error {
		return enginestate.Transition(t, models.StatePaused)
	}); err != nil {
		return err
	}
	cancel()
	return nil
}

// Resume re-admits a Paused task for fetching from its last checkpoint.
func (s *Scheduler) Resume(ctx context.Context, taskID string) error {
	if _, err := s.store.Update(taskID, func(t *models.Task) error {
		return enginestate.Transition(t, models.StateFetching)
	}); err != nil {
		return err
	}
	return s.Start(ctx, taskID)
}

// Cancel stops a task permanently; unlike Pause this is not resumable.
// Unlike Pause, a Completed task is not a no-op here: §6 requires
// POST .../cancel to return 400 on an already-Completed task, since there
// is a real terminal outcome to protect rather than nothing to stop.
func (s *Scheduler) Cancel(taskID string) error {
	s.mu.Lock()
	cancel, ok := s.cancels[taskID]
	s.mu.Unlock()

	if _, err := s.store.Update(taskID, func(t *models.Task) error {
		if t.State == models.StateFailed || t.State == models.StateCancelled {
			return nil
		}
		return enginestate.Transition(t, models.StateCancelled)
	}); err != nil {
		return err
	}

	if ok && cancel != nil {
		cancel()
	}
	return nil
}

// Retry re-enters a Failed task into resolution, resetting its retry
// counter and clearing the recorded error.
func (s *Scheduler) Retry(ctx context.Context, taskID string) error {
	if _, err := s.store.Update(taskID, func(t *models.Task) error {
		t.Retries = 0
		t.LastError = nil
		return enginestate.Transition(t, models.StatePending)
	}); err != nil {
		return err
	}
	return s.Start(ctx, taskID)
}
