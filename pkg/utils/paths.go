// pkg/utils/paths.go
package utils

import (
	"os"
	"path/filepath"
	"strings"
)

// PathManager resolves the on-disk layout under the downloads root:
//
//	<root>/tasks/<task_id>/metadata.json
//	<root>/tasks/<task_id>/manifest.json
//	<root>/tasks/<task_id>/config.json
//	<root>/tasks/<task_id>/blobs/<safe(digest)>
type PathManager struct {
	baseStoragePath string
	log             *Logger
}

// NewPathManager ensures the downloads root exists.
func NewPathManager(basePath string, log *Logger) *PathManager {
	dirs := []string{"tasks"}

	for _, dir := range dirs {
		path := filepath.Join(basePath, dir)
		if err := os.MkdirAll(path, 0755); err != nil {
			log.Fatalf("Failed to create directory %s: %v", path, err)
		}
	}

	return &PathManager{
		baseStoragePath: basePath,
		log:             log,
	}
}

func (pm *PathManager) GetBasePath() string {
	return filepath.Join(pm.baseStoragePath)
}

func (pm *PathManager) GetTasksPath() string {
	return filepath.Join(pm.baseStoragePath, "tasks")
}

func (pm *PathManager) GetTaskDir(taskID string) string {
	return filepath.Join(pm.baseStoragePath, "tasks", taskID)
}

func (pm *PathManager) GetMetadataPath(taskID string) string {
	return filepath.Join(pm.GetTaskDir(taskID), "metadata.json")
}

func (pm *PathManager) GetManifestPath(taskID string) string {
	return filepath.Join(pm.GetTaskDir(taskID), "manifest.json")
}

func (pm *PathManager) GetConfigBlobPath(taskID string) string {
	return filepath.Join(pm.GetTaskDir(taskID), "config.json")
}

func (pm *PathManager) GetBlobsDir(taskID string) string {
	return filepath.Join(pm.GetTaskDir(taskID), "blobs")
}

func (pm *PathManager) GetBlobPath(taskID, digest string) string {
	return filepath.Join(pm.GetBlobsDir(taskID), SafeDigest(digest))
}

// SafeDigest replaces characters unsafe for filenames in a content digest.
func SafeDigest(digest string) string {
	r := strings.NewReplacer(":", "_", "/", "_")
	return r.Replace(digest)
}
