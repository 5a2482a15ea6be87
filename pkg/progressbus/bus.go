// pkg/progressbus/bus.go
package progressbus

import (
	"math"
	"sync"
	"time"

	"github.com/ociproxy/imgfetch/pkg/models"
	"github.com/ociproxy/imgfetch/pkg/utils"
)

const (
	throttleInterval = 250 * time.Millisecond
	subscriberQueue  = 32
	emaTimeConstant  = time.Second
)

// Bus fans events out to per-task and global subscribers (§4.5). Progress
// events are throttled to at most one per task per 250ms and dropped
// (never blocked on) when a subscriber's queue is full; complete/error
// events are never throttled, and wait up to one second for room in each
// subscriber's queue before being dropped for that subscriber.
type Bus struct {
	mu          sync.Mutex
	perTask     map[string][]chan models.Envelope
	global      []chan models.Envelope
	lastEmitted map[string]time.Time
	speeds      map[string]*speedTracker
	log         *utils.Logger
}

func New(log *utils.Logger) *Bus {
	return &Bus{
		perTask:     make(map[string][]chan models.Envelope),
		lastEmitted: make(map[string]time.Time),
		speeds:      make(map[string]*speedTracker),
		log:         log,
	}
}

// Subscribe returns a channel of envelopes scoped to a single task. Call
// the returned cancel func to unsubscribe.
func (b *Bus) Subscribe(taskID string) (<-chan models.Envelope, func()) {
	ch := make(chan models.Envelope, subscriberQueue)

	b.mu.Lock()
	b.perTask[taskID] = append(b.perTask[taskID], ch)
	b.mu.Unlock()

	return ch, func() { b.unsubscribe(taskID, ch) }
}

// SubscribeGlobal returns a channel of every task's envelopes.
func (b *Bus) SubscribeGlobal() (<-chan models.Envelope, func()) {
	ch := make(chan models.Envelope, subscriberQueue)

	b.mu.Lock()
	b.global = append(b.global, ch)
	b.mu.Unlock()

	return ch, func() { b.unsubscribeGlobal(ch) }
}

func (b *Bus) unsubscribe(taskID string, target chan models.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.perTask[taskID]
	for i, ch := range subs {
		if ch == target {
			b.perTask[taskID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}
}

func (b *Bus) unsubscribeGlobal(target chan models.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, ch := range b.global {
		if ch == target {
			b.global = append(b.global[:i], b.global[i+1:]...)
			close(ch)
			break
		}
	}
}

// speedTracker maintains an exponential moving average of transfer speed
// with a 1-second time constant (§4.5).
type speedTracker struct {
	lastTime  time.Time
	lastBytes int64
	ema       float64
}

func (t *speedTracker) update(now time.Time, bytes int64) float64 {
	if t.lastTime.IsZero() {
		t.lastTime = now
		t.lastBytes = bytes
		return 0
	}

	elapsed := now.Sub(t.lastTime).Seconds()
	if elapsed <= 0 {
		return t.ema
	}

	instant := float64(bytes-t.lastBytes) / elapsed
	alpha := 1 - math.Exp(-elapsed/emaTimeConstant.Seconds())
	t.ema += alpha * (instant - t.ema)

	t.lastTime = now
	t.lastBytes = bytes
	return t.ema
}

// PublishProgress emits a throttled progress update for a task, computing
// speed via the task's EMA tracker and remaining time from current speed.
func (b *Bus) PublishProgress(taskID string, downloaded, total int64) {
	now := time.Now()

	b.mu.Lock()
	last, seen := b.lastEmitted[taskID]
	if seen && now.Sub(last) < throttleInterval {
		b.mu.Unlock()
		return
	}
	b.lastEmitted[taskID] = now

	tracker, ok := b.speeds[taskID]
	if !ok {
		tracker = &speedTracker{}
		b.speeds[taskID] = tracker
	}
	speed := tracker.update(now, downloaded)
	b.mu.Unlock()

	progress := 0.0
	if total > 0 {
		progress = float64(downloaded) / float64(total) * 100
		if progress > 100 {
			progress = 100
		}
	}

	remaining := 0.0
	if speed > 0 && total > downloaded {
		remaining = float64(total-downloaded) / speed
	}

	b.emit(taskID, models.Envelope{
		Type: models.EventProgress,
		Data: models.ProgressEvent{
			TaskID:          taskID,
			Progress:        progress,
			Speed:           speed,
			RemainingTime:   remaining,
			DownloadedBytes: downloaded,
			TotalBytes:      total,
		},
	}, false)
}

// PublishComplete emits the terminal success event, never throttled (see
// emit for delivery to a stalled subscriber), and clears the task's speed
// tracker.
func (b *Bus) PublishComplete(taskID, filePath, checksum string) {
	b.mu.Lock()
	delete(b.speeds, taskID)
	delete(b.lastEmitted, taskID)
	b.mu.Unlock()

	b.emit(taskID, models.Envelope{
		Type: models.EventComplete,
		Data: models.CompleteEvent{TaskID: taskID, FilePath: filePath, Checksum: checksum},
	}, true)
}

// PublishError emits the terminal failure event, never throttled (see emit
// for delivery to a stalled subscriber).
func (b *Bus) PublishError(taskID, message string) {
	b.mu.Lock()
	delete(b.speeds, taskID)
	delete(b.lastEmitted, taskID)
	b.mu.Unlock()

	b.emit(taskID, models.Envelope{
		Type: models.EventError,
		Data: models.ErrorEvent{TaskID: taskID, Error: message},
	}, true)
}

// emit fans an envelope out to the task's subscribers and all global
// subscribers. Terminal events (terminal=true) wait up to one second per
// subscriber for queue space and are dropped with a warning if it is still
// full; progress events drop on a full queue rather than stall the
// publisher.
func (b *Bus) emit(taskID string, env models.Envelope, terminal bool) {
	b.mu.Lock()
	targets := make([]chan models.Envelope, 0, len(b.perTask[taskID])+len(b.global))
	targets = append(targets, b.perTask[taskID]...)
	targets = append(targets, b.global...)
	b.mu.Unlock()

	for _, ch := range targets {
		if terminal {
			select {
			case ch <- env:
			case <-time.After(time.Second):
				b.log.WithFunc().Warnf("subscriber queue stalled delivering terminal event for task %s", taskID)
			}
			continue
		}
		select {
		case ch <- env:
		default:
			b.log.WithFunc().Debugf("dropping progress event for task %s: subscriber queue full", taskID)
		}
	}
}
