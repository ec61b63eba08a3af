package ingest

import "github.com/google/uuid"

func NewJobID() string {
	return uuid.NewString()
}
