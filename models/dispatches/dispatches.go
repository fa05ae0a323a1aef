// Logic for interacting with the "pending_dispatches" table.
//
// A row joins an asynchttp request handle to the job that issued it. The
// claim sweep writes one row per outbound HTTP dispatch and the resolution
// sweep deletes it after the response has been classified.
package dispatches

import (
	"database/sql"
	"errors"
	"fmt"

	dberror "github.com/Shyp/go-dberror"
	types "github.com/Shyp/go-types"
	"github.com/Shyp/nimitz/models"
	"github.com/Shyp/nimitz/models/db"
)

// ErrNotFound indicates that the pending dispatch was not found.
var ErrNotFound = errors.New("Pending dispatch not found")

var createStmt *sql.Stmt
var getAllStmt *sql.Stmt
var deleteStmt *sql.Stmt

// Setup prepares all database statements in this package.
func Setup() (err error) {
	if !db.Connected() {
		return errors.New("No DB connection was established, can't query")
	}

	if createStmt != nil {
		return
	}

	query := fmt.Sprintf(`-- dispatches.Create
INSERT INTO pending_dispatches (handle, job_id)
VALUES ($1, $2)
RETURNING %s`, fields())
	createStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- dispatches.GetAll
SELECT %s
FROM pending_dispatches
ORDER BY created_at ASC
LIMIT $1`, fields())
	getAllStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = `-- dispatches.Delete
DELETE FROM pending_dispatches WHERE handle = $1`
	deleteStmt, err = db.Conn.Prepare(query)
	return
}

// Create records that the request with the given handle was issued for the
// job.
func Create(handle int64, jobID types.PrefixUUID) (*models.PendingDispatch, error) {
	pd := new(models.PendingDispatch)
	err := createStmt.QueryRow(handle, jobID).Scan(args(pd)...)
	if err != nil {
		return nil, dberror.GetError(err)
	}
	return pd, nil
}

// GetAll returns up to limit pending dispatches, oldest first.
func GetAll(limit int) ([]*models.PendingDispatch, error) {
	rows, err := getAllStmt.Query(limit)
	var pending []*models.PendingDispatch
	if err != nil {
		return pending, err
	}
	defer rows.Close()
	for rows.Next() {
		pd := new(models.PendingDispatch)
		if err := rows.Scan(args(pd)...); err != nil {
			return pending, err
		}
		pending = append(pending, pd)
	}
	err = rows.Err()
	return pending, err
}

// Delete removes the row for the given handle. Returns ErrNotFound if no row
// exists.
func Delete(handle int64) error {
	res, err := deleteStmt.Exec(handle)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func fields() string {
	return `handle,
	'job_' || job_id,
	created_at`
}

func args(pd *models.PendingDispatch) []interface{} {
	return []interface{}{
		&pd.Handle,
		&pd.JobID,
		&pd.CreatedAt,
	}
}
