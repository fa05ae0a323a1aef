// Logic for interacting with the "failure_log" table.
//
// The failure log is append-only: one row per failed attempt, written on the
// failure paths and never updated or deleted. A job's own response_* columns
// only keep the most recent attempt; this table keeps all of them.
package failure_log

import (
	"database/sql"
	"errors"
	"fmt"

	dberror "github.com/Shyp/go-dberror"
	types "github.com/Shyp/go-types"
	"github.com/Shyp/nimitz/models"
	"github.com/Shyp/nimitz/models/db"
)

var createStmt *sql.Stmt
var getByJobStmt *sql.Stmt
var countStmt *sql.Stmt

// Setup prepares all database statements in this package.
func Setup() (err error) {
	if !db.Connected() {
		return errors.New("No DB connection was established, can't query")
	}

	if createStmt != nil {
		return
	}

	query := fmt.Sprintf(`-- failure_log.Create
INSERT INTO failure_log (job_id, attempt, response_status, response_content)
VALUES ($1, $2, $3, $4)
RETURNING %s`, fields())
	createStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- failure_log.GetByJob
SELECT %s
FROM failure_log
WHERE job_id = $1
ORDER BY id ASC`, fields())
	getByJobStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = `-- failure_log.Count
SELECT count(*) FROM failure_log WHERE job_id = $1`
	countStmt, err = db.Conn.Prepare(query)
	return
}

// Create appends a failure record for the given attempt number.
func Create(jobID types.PrefixUUID, attempt int, responseStatus int, responseContent string) (*models.FailureLogEntry, error) {
	entry := new(models.FailureLogEntry)
	err := createStmt.QueryRow(jobID, attempt, responseStatus, responseContent).Scan(args(entry)...)
	if err != nil {
		return nil, dberror.GetError(err)
	}
	return entry, nil
}

// GetByJob returns every failure record for the job, oldest first.
func GetByJob(jobID types.PrefixUUID) ([]*models.FailureLogEntry, error) {
	rows, err := getByJobStmt.Query(jobID)
	var entries []*models.FailureLogEntry
	if err != nil {
		return entries, err
	}
	defer rows.Close()
	for rows.Next() {
		entry := new(models.FailureLogEntry)
		if err := rows.Scan(args(entry)...); err != nil {
			return entries, err
		}
		entries = append(entries, entry)
	}
	err = rows.Err()
	return entries, err
}

// Count returns the number of failure records for the job.
func Count(jobID types.PrefixUUID) (count int64, err error) {
	err = countStmt.QueryRow(jobID).Scan(&count)
	return
}

func fields() string {
	return fmt.Sprintf(`id,
	'%s' || job_id,
	attempt,
	response_status,
	response_content,
	created_at`, "job_")
}

func args(entry *models.FailureLogEntry) []interface{} {
	return []interface{}{
		&entry.ID,
		&entry.JobID,
		&entry.Attempt,
		&entry.ResponseStatus,
		&entry.ResponseContent,
		&entry.CreatedAt,
	}
}
