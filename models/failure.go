package models

import (
	"time"

	types "github.com/Shyp/go-types"
)

// A FailureLogEntry records one failed attempt at running a job. Rows are
// append-only; they are never updated or deleted.
type FailureLogEntry struct {
	ID              int64            `json:"id"`
	JobID           types.PrefixUUID `json:"job_id"`
	Attempt         int              `json:"attempt"`
	ResponseStatus  int              `json:"response_status"`
	ResponseContent string           `json:"response_content"`
	CreatedAt       time.Time        `json:"created_at"`
}
