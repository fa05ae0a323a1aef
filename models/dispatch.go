package models

import (
	"time"

	types "github.com/Shyp/go-types"
)

// A PendingDispatch joins an asynchttp request handle to the job that issued
// it. The claim sweep inserts one row per outbound HTTP dispatch; the
// resolution sweep deletes the row once the response has been classified.
type PendingDispatch struct {
	Handle    int64            `json:"handle"`
	JobID     types.PrefixUUID `json:"job_id"`
	CreatedAt time.Time        `json:"created_at"`
}
