// pkg/models/task.go
package models

import "time"

// TaskState is one of the engine's lifecycle states (§3, §4.3).
type TaskState string

const (
	StatePending   TaskState = "Pending"
	StateResolving TaskState = "Resolving"
	StateFetching  TaskState = "Fetching"
	StatePaused    TaskState = "Paused"
	StateCompleted TaskState = "Completed"
	StateFailed    TaskState = "Failed"
	StateCancelled TaskState = "Cancelled"
)

// IsTerminal reports whether no further network activity is initiated
// for a task in this state.
func (s TaskState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Platform selects one entry of a manifest list / OCI index.
type Platform struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	Variant      string `json:"variant,omitempty"`
}

// String renders the platform as "os/arch[/variant]".
func (p Platform) String() string {
	s := p.OS + "/" + p.Architecture
	if p.Variant != "" {
		s += "/" + p.Variant
	}
	return s
}

// DefaultPlatform is used when a task does not request one explicitly.
var DefaultPlatform = Platform{OS: "linux", Architecture: "amd64"}

// Coordinate identifies an image to fetch: (registry, repository, reference).
type Coordinate struct {
	Source     string `json:"source"`     // e.g. "dockerhub", "quay", "ghcr", or a custom host key
	Repository string `json:"repository"` // e.g. "library/nginx"
	Reference  string `json:"reference"`  // a tag or a content digest
}

// BlobState is the lifecycle of a single blob transfer within a task.
type BlobState string

const (
	BlobMissing    BlobState = "Missing"
	BlobInProgress BlobState = "InProgress"
	BlobDone       BlobState = "Done"
)

// BlobRecord tracks one blob (config or layer) referenced by the task's
// selected manifest.
type BlobRecord struct {
	Digest        string    `json:"digest"`
	MediaType     string    `json:"mediaType"`
	Size          int64     `json:"size"`
	State         BlobState `json:"state"`
	BytesWritten  int64     `json:"bytesWritten"`
	RetryCount    int       `json:"retryCount"`
	IsConfig      bool      `json:"isConfig"`
}

// LastError records the most recent fatal or transient error for a task.
type LastError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Task is the engine's unit of work (§3).
type Task struct {
	ID               string       `json:"id"`
	Coord            Coordinate   `json:"coord"`
	Platform         Platform     `json:"platform"`
	State            TaskState    `json:"state"`
	TotalBytes       int64        `json:"totalBytes"`
	DownloadedBytes  int64        `json:"downloadedBytes"`
	SpeedBps         float64      `json:"speedBps"`
	LastError        *LastError   `json:"lastError,omitempty"`
	Retries          int          `json:"retries"`
	TargetDir        string       `json:"targetDir"`
	Checksum         string       `json:"checksum,omitempty"`
	ManifestDigest   string       `json:"manifestDigest,omitempty"`
	Blobs            []BlobRecord `json:"blobs"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// Clone returns a deep-enough copy safe to hand outside the store's lock.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Blobs = make([]BlobRecord, len(t.Blobs))
	copy(cp.Blobs, t.Blobs)
	if t.LastError != nil {
		errCopy := *t.LastError
		cp.LastError = &errCopy
	}
	return &cp
}

// Progress returns downloaded/total as a 0..100 percentage, 0 if unknown.
func (t *Task) Progress() float64 {
	if t.TotalBytes <= 0 {
		return 0
	}
	pct := float64(t.DownloadedBytes) / float64(t.TotalBytes) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}
