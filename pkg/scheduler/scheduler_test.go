package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/ociproxy/imgfetch/config"
	"github.com/ociproxy/imgfetch/pkg/enginerr"
	"github.com/ociproxy/imgfetch/pkg/models"
	"github.com/ociproxy/imgfetch/pkg/progressbus"
	"github.com/ociproxy/imgfetch/pkg/registryclient"
	"github.com/ociproxy/imgfetch/pkg/taskstore"
	"github.com/ociproxy/imgfetch/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScheduler(t *testing.T, registries []config.RegistryConfig, schedCfg config.SchedulerConfig) (*Scheduler, *taskstore.Store) {
	t.Helper()
	log := utils.NewLogger(utils.Config{})
	pm := utils.NewPathManager(t.TempDir(), log)
	store := taskstore.New(pm, log)
	client := registryclient.NewClient(log)
	bus := progressbus.New(log)
	return New(schedCfg, registries, store, client, bus, log), store
}

func newPendingTask(id, source string) *models.Task {
	return &models.Task{
		ID:    id,
		Coord: models.Coordinate{Source: source, Repository: "library/nginx", Reference: "latest"},
		State: models.StatePending,
	}
}

func TestFindRegistryKnownAndUnknown(t *testing.T) {
	sched, _ := testScheduler(t, []config.RegistryConfig{{Name: "dockerhub", Host: "registry-1.docker.io"}}, config.SchedulerConfig{MaxTasks: 1, MaxBlobsPerTask: 1})

	reg, err := sched.findRegistry("dockerhub")
	require.NoError(t, err)
	assert.Equal(t, "registry-1.docker.io", reg.Host)

	_, err = sched.findRegistry("nope")
	require.Error(t, err)
	assert.Equal(t, enginerr.InvalidArgument, enginerr.KindOf(err))
}

func TestUpdateBlobBytesTracksDelta(t *testing.T) {
	task := &models.Task{Blobs: []models.BlobRecord{
		{Digest: "sha256:a", BytesWritten: 10},
	}}

	updateBlobBytes(task, "sha256:a", 30)

	assert.EqualValues(t, 30, task.Blobs[0].BytesWritten)
	assert.Equal(t, models.BlobInProgress, task.Blobs[0].State)
	assert.EqualValues(t, 20, task.DownloadedBytes)
}

func TestMarkBlobDoneSetsStateAndBytes(t *testing.T) {
	task := &models.Task{Blobs: []models.BlobRecord{
		{Digest: "sha256:a", State: models.BlobInProgress, BytesWritten: 50},
	}}

	markBlobDone(task, "sha256:a", 100)

	assert.Equal(t, models.BlobDone, task.Blobs[0].State)
	assert.EqualValues(t, 100, task.Blobs[0].BytesWritten)
}

func TestStartRejectsUnknownRegistry(t *testing.T) {
	sched, store := testScheduler(t, nil, config.SchedulerConfig{MaxTasks: 1, MaxBlobsPerTask: 1})
	task := newPendingTask("t1", "unknown-registry")
	require.NoError(t, store.Create(task))

	err := sched.Start(context.Background(), "t1")
	require.Error(t, err)
	assert.Equal(t, enginerr.InvalidArgument, enginerr.KindOf(err))
}

func TestPauseWithNoActiveRunReturnsNotFound(t *testing.T) {
	sched, store := testScheduler(t, nil, config.SchedulerConfig{MaxTasks: 1, MaxBlobsPerTask: 1})
	require.NoError(t, store.Create(newPendingTask("t1", "dockerhub")))

	err := sched.Pause("t1")
	require.Error(t, err)
	assert.Equal(t, enginerr.NotFound, enginerr.KindOf(err))
}

func TestCancelOnCompletedTaskIsRejected(t *testing.T) {
	sched, store := testScheduler(t, nil, config.SchedulerConfig{MaxTasks: 1, MaxBlobsPerTask: 1})
	task := newPendingTask("t1", "dockerhub")
	task.State = models.StateCompleted
	require.NoError(t, store.Create(task))

	err := sched.Cancel("t1")
	require.Error(t, err, "cancel on a Completed task must be rejected (§6: 400 if Completed)")
	assert.Equal(t, enginerr.InvalidArgument, enginerr.KindOf(err))

	got, getErr := store.Get("t1")
	require.NoError(t, getErr)
	assert.Equal(t, models.StateCompleted, got.State, "a rejected cancel must not change task state")
}

func TestCancelOnFailedOrCancelledTaskIsNoop(t *testing.T) {
	sched, store := testScheduler(t, nil, config.SchedulerConfig{MaxTasks: 1, MaxBlobsPerTask: 1})

	failed := newPendingTask("t1", "dockerhub")
	failed.State = models.StateFailed
	require.NoError(t, store.Create(failed))
	require.NoError(t, sched.Cancel("t1"), "nothing to cancel on an already-Failed task")

	cancelled := newPendingTask("t2", "dockerhub")
	cancelled.State = models.StateCancelled
	require.NoError(t, store.Create(cancelled))
	require.NoError(t, sched.Cancel("t2"), "nothing to cancel on an already-Cancelled task")

	got, err := store.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.State)
}

func TestFailRetriesWithinBudget(t *testing.T) {
	sched, store := testScheduler(t, nil, config.SchedulerConfig{MaxTasks: 1, MaxBlobsPerTask: 1, MaxRetries: 3, BackoffBaseSeconds: 1, BackoffMaxSeconds: 1})
	task := newPendingTask("t1", "dockerhub")
	task.State = models.StateFetching
	require.NoError(t, store.Create(task))
	sched.cancels["t1"] = nil // no active run, so scheduleRetry's goroutine is skipped

	sched.fail("t1", enginerr.New(enginerr.Transport, "connection reset"))

	got, err := store.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, models.StateFetching, got.State, "retryable failure within budget stays non-terminal")
	assert.Equal(t, 1, got.Retries)
	require.NotNil(t, got.LastError)
	assert.Equal(t, string(enginerr.Transport), got.LastError.Kind)
}

func TestFailTransitionsToFailedWhenBudgetExhausted(t *testing.T) {
	sched, store := testScheduler(t, nil, config.SchedulerConfig{MaxTasks: 1, MaxBlobsPerTask: 1, MaxRetries: 0})
	task := newPendingTask("t1", "dockerhub")
	task.State = models.StateFetching
	require.NoError(t, store.Create(task))

	sched.fail("t1", enginerr.New(enginerr.Transport, "connection reset"))

	got, err := store.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.State)
}

func TestFailOnNonRetryableKindGoesStraightToFailed(t *testing.T) {
	sched, store := testScheduler(t, nil, config.SchedulerConfig{MaxTasks: 1, MaxBlobsPerTask: 1, MaxRetries: 5})
	task := newPendingTask("t1", "dockerhub")
	task.State = models.StateFetching
	require.NoError(t, store.Create(task))

	sched.fail("t1", enginerr.New(enginerr.ProtocolViolation, "bad manifest"))

	got, err := store.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.State)
}

func TestFailWithCancelledKindTransitionsToCancelled(t *testing.T) {
	sched, store := testScheduler(t, nil, config.SchedulerConfig{MaxTasks: 1, MaxBlobsPerTask: 1})
	task := newPendingTask("t1", "dockerhub")
	task.State = models.StateFetching
	require.NoError(t, store.Create(task))

	sched.fail("t1", enginerr.New(enginerr.Cancelled, "context cancelled"))

	got, err := store.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, got.State)
}

func TestVerifyBlobDigestAccepts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0644))

	sum := sha256.Sum256([]byte("hello world"))
	digest := "sha256:" + hex.EncodeToString(sum[:])

	require.NoError(t, verifyBlobDigest(path, digest))
}

func TestVerifyBlobDigestRejectsMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(path, []byte("corrupted content"), 0644))

	err := verifyBlobDigest(path, "sha256:0000000000000000000000000000000000000000000000000000000000000000")
	require.Error(t, err)
	assert.Equal(t, enginerr.ProtocolViolation, enginerr.KindOf(err))
}

func TestPauseOnCompletedTaskIsNoop(t *testing.T) {
	sched, store := testScheduler(t, nil, config.SchedulerConfig{MaxTasks: 1, MaxBlobsPerTask: 1})
	task := newPendingTask("t1", "dockerhub")
	task.State = models.StateCompleted
	require.NoError(t, store.Create(task))

	require.NoError(t, sched.Pause("t1"))

	got, err := store.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, got.State, "pausing a completed task must not change its state")
}

func TestResumeRejectsNonPausedTask(t *testing.T) {
	sched, store := testScheduler(t, []config.RegistryConfig{{Name: "dockerhub", Host: "registry-1.docker.io"}}, config.SchedulerConfig{MaxTasks: 1, MaxBlobsPerTask: 1})
	task := newPendingTask("t1", "dockerhub")
	task.State = models.StateFetching
	require.NoError(t, store.Create(task))

	err := sched.Resume(context.Background(), "t1")
	require.Error(t, err)
	assert.Equal(t, enginerr.InvalidArgument, enginerr.KindOf(err))

	got, getErr := store.Get("t1")
	require.NoError(t, getErr)
	assert.Equal(t, models.StateFetching, got.State, "a rejected resume must not mutate task state")
}

func TestRetryRestoresPendingAndClearsFailureState(t *testing.T) {
	// Registries is left empty so the Start call inside Retry fails fast
	// on an unknown registry (same trick as TestStartRejectsUnknownRegistry)
	// rather than spawning a goroutine that dials a real registry host.
	// The state mutation under test happens synchronously before that.
	sched, store := testScheduler(t, nil, config.SchedulerConfig{MaxTasks: 1, MaxBlobsPerTask: 1})
	task := newPendingTask("t1", "dockerhub")
	task.State = models.StateFailed
	task.Retries = 3
	task.LastError = &models.LastError{Kind: "Transport", Message: "connection reset"}
	require.NoError(t, store.Create(task))

	err := sched.Retry(context.Background(), "t1")
	require.Error(t, err, "Start still fails on the unknown registry")
	assert.Equal(t, enginerr.InvalidArgument, enginerr.KindOf(err))

	got, getErr := store.Get("t1")
	require.NoError(t, getErr)
	assert.Equal(t, models.StatePending, got.State, "retry moves Failed to Pending (§7), not back to Resolving")
	assert.Equal(t, 0, got.Retries, "retry resets the retry counter")
	assert.Nil(t, got.LastError, "retry clears the last error")
}

func TestReconcileBlobsAgainstDiskPreservesPartialProgress(t *testing.T) {
	sched, store := testScheduler(t, nil, config.SchedulerConfig{MaxTasks: 1, MaxBlobsPerTask: 1})
	task := newPendingTask("t1", "dockerhub")
	require.NoError(t, store.Create(task))

	require.NoError(t, os.MkdirAll(store.TaskDir("t1"), 0755))
	require.NoError(t, os.WriteFile(store.BlobPath("t1", "sha256:partial"), []byte("0123456789"), 0644))
	require.NoError(t, os.WriteFile(store.BlobPath("t1", "sha256:full"), []byte("0123456789"), 0644))

	blobs := []models.BlobRecord{
		{Digest: "sha256:partial", Size: 100, State: models.BlobMissing},
		{Digest: "sha256:full", Size: 10, State: models.BlobMissing},
		{Digest: "sha256:absent", Size: 50, State: models.BlobMissing},
	}

	sched.reconcileBlobsAgainstDisk("t1", blobs)

	assert.Equal(t, models.BlobInProgress, blobs[0].State)
	assert.EqualValues(t, 10, blobs[0].BytesWritten, "partial progress on disk must survive a re-resolve")
	assert.Equal(t, models.BlobDone, blobs[1].State)
	assert.EqualValues(t, 10, blobs[1].BytesWritten)
	assert.Equal(t, models.BlobMissing, blobs[2].State, "a blob with no file on disk stays Missing")
	assert.EqualValues(t, 0, blobs[2].BytesWritten)
}

func TestRecoverTasksParksFetchingTaskAsPausedWhenConfigured(t *testing.T) {
	sched, store := testScheduler(t, nil, config.SchedulerConfig{MaxTasks: 1, MaxBlobsPerTask: 1, RecoverToPaused: true})
	task := newPendingTask("t1", "dockerhub")
	task.State = models.StateFetching
	require.NoError(t, store.Create(task))

	sched.RecoverTasks(context.Background())

	got, err := store.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatePaused, got.State, "RecoverToPaused must park a recovered Fetching task instead of resuming it")
}

func TestRecoverTasksNormalizesResolvingTaskToPending(t *testing.T) {
	sched, store := testScheduler(t, nil, config.SchedulerConfig{MaxTasks: 1, MaxBlobsPerTask: 1})
	task := newPendingTask("t1", "unknown-registry")
	task.State = models.StateResolving
	require.NoError(t, store.Create(task))

	// Start fails synchronously on the unknown registry (before spawning
	// any goroutine), so the Pending normalization is left observable.
	sched.RecoverTasks(context.Background())

	got, err := store.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, got.State, "a task caught mid-Resolving never committed a blob plan and restarts from Pending")
}

func TestShutdownCancelsActiveRunsAndRejectsNewAdmissions(t *testing.T) {
	sched, store := testScheduler(t, []config.RegistryConfig{{Name: "dockerhub", Host: "registry-1.docker.io"}}, config.SchedulerConfig{MaxTasks: 1, MaxBlobsPerTask: 1})
	require.NoError(t, store.Create(newPendingTask("t1", "dockerhub")))

	var cancelled bool
	_, cancel := context.WithCancel(context.Background())
	sched.cancels["t1"] = func() { cancelled = true; cancel() }

	sched.Shutdown()

	assert.True(t, cancelled, "Shutdown must cancel every active task's run context")

	err := sched.Start(context.Background(), "t1")
	require.Error(t, err)
	assert.Equal(t, enginerr.Cancelled, enginerr.KindOf(err), "Start must reject new admissions after Shutdown")
}
