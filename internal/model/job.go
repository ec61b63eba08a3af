package model

import "fmt"

type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusIndexed    JobStatus = "INDEXED"
	JobStatusFailed     JobStatus = "FAILED"
)

type Job struct {
	ID          string            `json:"id"`
	Fingerprint string            `json:"fingerprint"`
	Status      JobStatus         `json:"status"`
	URL         string            `json:"url"`
	Title       string            `json:"title"`
	Source      string            `json:"source"`
	Language    string            `json:"language"`
	Tags        []string          `json:"tags"`
	Metadata    map[string]string `json:"metadata"`
	ContentText string            `json:"content_text,omitempty"`
	ChunkCount  int               `json:"chunk_count"`
	VectorIDs   []string          `json:"vector_ids"`
	Error       string            `json:"error,omitempty"`
	PublishedAt int64             `json:"published_at,omitempty"`
	Chunks      []Chunk           `json:"chunks,omitempty"`
	Ctime       int64             `json:"ctime"`
	Mtime       int64             `json:"mtime"`
	// Score is set on search results only.
	Score float32 `json:"score,omitempty"`
}

type Chunk struct {
	JobID            string `json:"job_id"`
	Position         int    `json:"position"`
	Text             string `json:"text"`
	StartOffset      int    `json:"start_offset"`
	EndOffset        int    `json:"end_offset"`
	ApproxTokenCount int    `json:"approx_token_count"`
	VectorID         string `json:"vector_id"`
}

// ChunkVectorID derives the vector id of a chunk. It is stable for a given
// job and position so re-ingestion overwrites rather than duplicates.
func ChunkVectorID(jobID string, position int) string {
	return fmt.Sprintf("%s_chunk_%d", jobID, position)
}

// JobFilter narrows search results. Empty fields match everything.
type JobFilter struct {
	Source   string   `json:"source"`
	Language string   `json:"language"`
	Tags     []string `json:"tags"`
}
