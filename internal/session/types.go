// Package session owns the lifecycle of one logical upload: chunk plan
// issuance, chunk confirmation, per-file multipart finalization, and the
// hand-off to repackaging.
package session

import "time"

// Status is the lifecycle state of a logical upload.
type Status string

const (
	StatusCollecting  Status = "collecting"
	StatusFinalizing  Status = "finalizing"
	StatusRepackaging Status = "repackaging"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// FileSpec declares one file at upload begin.
type FileSpec struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// BeginRequest opens a logical upload.
type BeginRequest struct {
	Files        []FileSpec `json:"files"`
	ArtifactName string     `json:"artifactName,omitempty"`
	Password     string     `json:"password,omitempty"`
	TTLHours     int        `json:"ttlHours,omitempty"`
}

// FileUpload is the immutable per-file state fixed at begin.
type FileUpload struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	Key         string `json:"key"`
	MultipartID string `json:"multipartId"`
	ChunkSize   int64  `json:"chunkSize"`
	ChunkCount  int    `json:"chunkCount"`
}

// LogicalUpload is the durable root record for one upload.
type LogicalUpload struct {
	ID           string       `json:"id"`
	Status       Status       `json:"status"`
	Reason       string       `json:"reason,omitempty"`
	Files        []FileUpload `json:"files"`
	ArtifactID   string       `json:"artifactId,omitempty"`
	ArtifactName string       `json:"artifactName"`
	PasswordHash string       `json:"passwordHash,omitempty"`
	TTLHours     int          `json:"ttlHours,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// TotalChunks sums the declared chunk counts across files.
func (u *LogicalUpload) TotalChunks() int64 {
	var total int64
	for _, f := range u.Files {
		total += int64(f.ChunkCount)
	}
	return total
}

// FilePlan tells the client how to slice one file.
type FilePlan struct {
	Name       string `json:"name"`
	ChunkSize  int64  `json:"chunkSize"`
	ChunkCount int    `json:"chunkCount"`
}

// ChunkPlan is the begin response.
type ChunkPlan struct {
	UploadID string     `json:"uploadId"`
	Files    []FilePlan `json:"files"`
}

// ConfirmResult reports ledger progress after one confirmation.
type ConfirmResult struct {
	Uploaded int64 `json:"uploaded"`
	Total    int64 `json:"total"`
}

// FinalizeResult is the finalize response. Status may be an in-progress
// value while repackaging continues as detached background work.
type FinalizeResult struct {
	Status     Status `json:"status"`
	ArtifactID string `json:"artifactId,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// StatusResult is the queryStatus response.
type StatusResult struct {
	Status      Status  `json:"status"`
	Progress    float64 `json:"progress"`
	Uploaded    int64   `json:"uploaded"`
	Total       int64   `json:"total"`
	CurrentFile string  `json:"currentFile,omitempty"`
	ArtifactID  string  `json:"artifactId,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}
