// pkg/taskstore/store.go
package taskstore

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ociproxy/imgfetch/pkg/enginerr"
	"github.com/ociproxy/imgfetch/pkg/models"
	"github.com/ociproxy/imgfetch/pkg/utils"
)

// Store is the in-memory source of truth for tasks, durably mirrored to
// metadata.json under each task's directory (§3, §5). Reads return cloned
// snapshots so callers never mutate state behind the store's back.
type Store struct {
	mu          sync.RWMutex
	tasks       map[string]*models.Task
	pathManager *utils.PathManager
	log         *utils.Logger
}

func New(pm *utils.PathManager, log *utils.Logger) *Store {
	return &Store{
		tasks:       make(map[string]*models.Task),
		pathManager: pm,
		log:         log,
	}
}

// Create registers a new task and persists its initial metadata.
func (s *Store) Create(task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return enginerr.New(enginerr.InvalidArgument, fmt.Sprintf("task %s already exists", task.ID))
	}

	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now

	if err := os.MkdirAll(s.pathManager.GetBlobsDir(task.ID), 0755); err != nil {
		return enginerr.Wrap(enginerr.IO, "creating task directory", err)
	}

	s.tasks[task.ID] = task.Clone()
	return s.persistLocked(task)
}

// Get returns a cloned snapshot of a task.
func (s *Store) Get(id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, enginerr.New(enginerr.NotFound, fmt.Sprintf("task %s not found", id))
	}
	return task.Clone(), nil
}

// List returns cloned snapshots of every known task, oldest first (§4.4
// FIFO admission relies on CreatedAt ordering at the scheduler level).
func (s *Store) List() []*models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Mutator observes and modifies a task in place under the store's lock.
type Mutator func(task *models.Task) error

// Update applies fn to the live task under lock, then persists the result.
// fn runs while holding the lock, so it must not call back into the store.
// UpdatedAt is set to the current time unless fn set it itself.
func (s *Store) Update(id string, fn Mutator) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, enginerr.New(enginerr.NotFound, fmt.Sprintf("task %s not found", id))
	}

	before := task.UpdatedAt
	if err := fn(task); err != nil {
		return nil, err
	}
	if task.UpdatedAt.Equal(before) {
		task.UpdatedAt = time.Now()
	}

	if err := s.persistLocked(task); err != nil {
		return nil, err
	}
	return task.Clone(), nil
}

// Delete removes a task from memory and deletes its on-disk directory.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return enginerr.New(enginerr.NotFound, fmt.Sprintf("task %s not found", id))
	}
	delete(s.tasks, id)

	if err := os.RemoveAll(s.pathManager.GetTaskDir(id)); err != nil {
		return enginerr.Wrap(enginerr.IO, "removing task directory", err)
	}
	return nil
}

// persistLocked writes metadata.json via write-to-temp-then-rename so a
// crash mid-write never leaves a corrupt metadata file behind (§5).
func (s *Store) persistLocked(task *models.Task) error {
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return enginerr.Wrap(enginerr.IO, "marshalling task metadata", err)
	}

	finalPath := s.pathManager.GetMetadataPath(task.ID)
	tempPath := finalPath + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return enginerr.Wrap(enginerr.IO, "writing metadata temp file", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return enginerr.Wrap(enginerr.IO, "renaming metadata temp file", err)
	}
	return nil
}

// Recover loads every task directory under tasks/ from disk on startup,
// trusting each blob file's on-disk length as ground truth for
// BytesWritten rather than whatever the metadata claims (§5 resumption:
// metadata.json can lag behind the last fsync'd blob write).
func (s *Store) Recover() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.pathManager.GetTasksPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return enginerr.Wrap(enginerr.IO, "reading tasks directory", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		taskID := entry.Name()
		metaPath := s.pathManager.GetMetadataPath(taskID)

		data, err := os.ReadFile(metaPath)
		if err != nil {
			s.log.WithFunc().WithError(err).Warnf("skipping task %s: no readable metadata", taskID)
			continue
		}

		var task models.Task
		if err := json.Unmarshal(data, &task); err != nil {
			s.log.WithFunc().WithError(err).Warnf("skipping task %s: corrupt metadata", taskID)
			continue
		}

		s.reconcileBlobBytesLocked(&task)
		s.tasks[task.ID] = &task
	}

	return nil
}

// reconcileBlobBytesLocked overwrites each in-progress blob's recorded
// BytesWritten with the actual size of its file on disk.
func (s *Store) reconcileBlobBytesLocked(task *models.Task) {
	var downloaded int64
	for i := range task.Blobs {
		b := &task.Blobs[i]
		if b.State == models.BlobDone {
			downloaded += b.Size
			continue
		}
		path := s.pathManager.GetBlobPath(task.ID, b.Digest)
		info, err := os.Stat(path)
		if err != nil {
			b.BytesWritten = 0
			continue
		}
		b.BytesWritten = info.Size()
		downloaded += b.BytesWritten
	}
	task.DownloadedBytes = downloaded
}

// ManifestPath, ConfigPath and BlobPath expose the PathManager so other
// components writing task-owned files use the same layout.
func (s *Store) ManifestPath(taskID string) string { return s.pathManager.GetManifestPath(taskID) }
func (s *Store) ConfigPath(taskID string) string   { return s.pathManager.GetConfigBlobPath(taskID) }
func (s *Store) BlobPath(taskID, digest string) string {
	return s.pathManager.GetBlobPath(taskID, digest)
}
func (s *Store) TaskDir(taskID string) string { return s.pathManager.GetTaskDir(taskID) }
