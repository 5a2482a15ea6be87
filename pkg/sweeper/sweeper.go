// pkg/sweeper/sweeper.go
package sweeper

import (
	"sync"
	"time"

	"github.com/ociproxy/imgfetch/config"
	"github.com/ociproxy/imgfetch/pkg/archiver"
	"github.com/ociproxy/imgfetch/pkg/models"
	"github.com/ociproxy/imgfetch/pkg/taskstore"
	"github.com/ociproxy/imgfetch/pkg/utils"

	"github.com/sirupsen/logrus"
)

// Result reports the outcome of a single sweep pass.
type Result struct {
	TasksDeleted int       `json:"tasksDeleted"`
	DurationMs   int64     `json:"durationMs"`
	Errors       []string  `json:"errors,omitempty"`
}

// Sweeper periodically removes terminal tasks older than a retention
// window, adapted from the teacher's GCService run-once-at-a-time guard.
type Sweeper struct {
	cfg      config.SweeperConfig
	store    *taskstore.Store
	archiver *archiver.Archiver
	log      *utils.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

func New(cfg config.SweeperConfig, store *taskstore.Store, arc *archiver.Archiver, log *utils.Logger) *Sweeper {
	return &Sweeper{cfg: cfg, store: store, archiver: arc, log: log, stop: make(chan struct{})}
}

// Start launches the periodic sweep loop in the background if enabled.
// It is a no-op when the configuration disables sweeping.
func (s *Sweeper) Start() {
	if !s.cfg.Enabled {
		s.log.Info("sweeper disabled")
		return
	}

	interval := time.Duration(s.cfg.IntervalSeconds) * time.Second
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Run(); err != nil {
					s.log.WithFunc().WithError(err).Warn("sweep pass failed")
				}
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop ends the periodic sweep loop.
func (s *Sweeper) Stop() {
	close(s.stop)
}

// Run executes a single sweep pass, archiving (if configured) and then
// deleting any terminal task older than the retention window.
func (s *Sweeper) Run() (*Result, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	start := time.Now()
	result := &Result{}
	cutoff := time.Now().Add(-time.Duration(s.cfg.RetentionHours) * time.Hour)

	for _, task := range s.store.List() {
		if !task.State.IsTerminal() || task.UpdatedAt.After(cutoff) {
			continue
		}

		if s.archiver != nil && task.State == models.StateCompleted {
			if err := s.archiver.ArchiveTask(task.ID, s.store.TaskDir(task.ID)); err != nil {
				result.Errors = append(result.Errors, "archive "+task.ID+": "+err.Error())
				continue
			}
		}

		if err := s.store.Delete(task.ID); err != nil {
			result.Errors = append(result.Errors, "delete "+task.ID+": "+err.Error())
			continue
		}
		result.TasksDeleted++
	}

	result.DurationMs = time.Since(start).Milliseconds()
	s.log.WithFunc().WithFields(logrus.Fields{
		"deleted":    result.TasksDeleted,
		"durationMs": result.DurationMs,
	}).Info("sweep pass completed")

	return result, nil
}
