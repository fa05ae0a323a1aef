// Logic for interacting with the "jobs" table.
package jobs

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	dberror "github.com/Shyp/go-dberror"
	types "github.com/Shyp/go-types"
	uuid "github.com/kevinburke/go.uuid"
	"github.com/Shyp/nimitz/models"
	"github.com/Shyp/nimitz/models/db"
	"github.com/lib/pq"
)

const Prefix = "job_"

// ErrNotFound indicates that the job was not found.
var ErrNotFound = errors.New("Job not found")

// StuckJobLimit is the maximum number of stuck jobs to fetch in one database
// query.
var StuckJobLimit = 100

var insertStmt *sql.Stmt
var getStmt *sql.Stmt
var claimStmt *sql.Stmt
var claimPollStmt *sql.Stmt
var finishStmt *sql.Stmt
var markPolledStmt *sql.Stmt
var ackStmt *sql.Stmt
var releaseStmt *sql.Stmt
var oldProcessingStmt *sql.Stmt
var countReadyAndAllStmt *sql.Stmt
var countsByStatusStmt *sql.Stmt

func init() {
	dberror.RegisterConstraint(retryLimitConstraint)
	dberror.RegisterConstraint(jobTypeConstraint)
}

// Setup prepares all database statements in this package.
func Setup() (err error) {
	if !db.Connected() {
		return errors.New("No DB connection was established, can't query")
	}

	if insertStmt != nil {
		return
	}

	query := fmt.Sprintf(`-- jobs.Insert
INSERT INTO jobs (%s)
VALUES ($1, $2, $3, '%s', $4, $5, $6, $7, $8, 0, $9, $10)
RETURNING %s`, insertFields(), models.StatusNew, fields())
	insertStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- jobs.Get
SELECT %s
FROM jobs
WHERE id = $1`, fields())
	getStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	// The claim has to skip rows another sweep already holds, never wait on
	// them, so overlapping sweeps partition the eligible set.
	query = fmt.Sprintf(`-- jobs.ClaimEligible
WITH eligible AS (
	SELECT id AS inner_id, status AS prior_status
	FROM jobs
	WHERE run_at <= now()
		AND ((status='%s' AND job_type <> '%s')
			OR (status='%s' AND retry_count <= retry_limit)
			OR status='%s')
	ORDER BY run_at ASC
	LIMIT $1
	FOR UPDATE SKIP LOCKED
) UPDATE jobs
SET status='%s',
	last_at=now(),
	updated_at=now()
FROM eligible
WHERE jobs.id = eligible.inner_id
RETURNING %s, eligible.prior_status`,
		models.StatusNew, models.TypePoll, models.StatusFailed,
		models.StatusPolled, models.StatusProcessing, fields())
	claimStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- jobs.ClaimOldestPoll
WITH eligible AS (
	SELECT id AS inner_id
	FROM jobs
	WHERE job_type='%s'
		AND status='%s'
		AND owner=$1
		AND run_at <= now()
	ORDER BY created_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
) UPDATE jobs
SET status='%s',
	last_at=now(),
	updated_at=now()
FROM eligible
WHERE jobs.id = eligible.inner_id
RETURNING %s`, models.TypePoll, models.StatusNew, models.StatusProcessing, fields())
	claimPollStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- jobs.Finish
UPDATE jobs
SET status=$2,
	retry_count=retry_count + $3,
	run_at=COALESCE($4, run_at),
	response_status=$5,
	response_content=$6,
	response_headers=$7,
	updated_at=now()
WHERE id = $1
	AND status='%s'
RETURNING %s`, models.StatusProcessing, fields())
	finishStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- jobs.MarkPolled
UPDATE jobs
SET status='%s',
	run_at=$2,
	updated_at=now()
WHERE id = $1
	AND status='%s'
RETURNING %s`, models.StatusPolled, models.StatusProcessing, fields())
	markPolledStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- jobs.Ack
UPDATE jobs
SET status='%s',
	updated_at=now()
WHERE id = $1
	AND status=$2
RETURNING %s`, models.StatusCompleted, fields())
	ackStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- jobs.Release
UPDATE jobs
SET status='%s',
	updated_at=now()
WHERE id = $1
	AND status='%s'
RETURNING %s`, models.StatusNew, models.StatusProcessing, fields())
	releaseStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- jobs.GetOldProcessing
SELECT %s FROM jobs WHERE status='%s' AND updated_at < $1 LIMIT %d`,
		fields(), models.StatusProcessing, StuckJobLimit)
	oldProcessingStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- jobs.CountReadyAndAll
WITH all_count AS (
	SELECT count(*) FROM jobs
), ready_count AS (
	SELECT count(*) FROM jobs
	WHERE run_at <= now() AND status IN ('%s', '%s')
)
SELECT all_count.count, ready_count.count
FROM all_count, ready_count`, models.StatusNew, models.StatusFailed)
	countReadyAndAllStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = `-- jobs.GetCountsByStatus
SELECT status, count(*) FROM jobs GROUP BY status`
	countsByStatusStmt, err = db.Conn.Prepare(query)
	return
}

// A Claimed job is a job row an exclusive claim was just taken on, plus the
// status the row had before the claim. The scheduler needs the prior status
// to tell an expired POLL lease apart from an ordinary dispatch.
type Claimed struct {
	models.Job
	Prior models.JobStatus
}

// Insert creates the job with the fields set on j. The caller is expected to
// have run the signer already; the headers map is stored exactly as given.
// Returns the stored row, or a dberror.Error on constraint failure.
func Insert(j *models.Job) (*models.Job, error) {
	if j.RunAt.IsZero() {
		j.RunAt = time.Now().UTC()
	}
	stored := new(models.Job)
	var bt []byte
	err := insertStmt.QueryRow(j.ID, j.Owner, j.Type, j.Target, []byte(j.Payload),
		j.Headers, j.Auth, j.Signing, j.RetryLimit, j.RunAt).Scan(args(stored, &bt)...)
	if err != nil {
		return nil, dberror.GetError(err)
	}
	stored.Payload = json.RawMessage(bt)
	return stored, nil
}

// Get the job with the given id. If no record could be found, the error will
// be jobs.ErrNotFound.
func Get(id types.PrefixUUID) (*models.Job, error) {
	if id.UUID == uuid.Nil {
		return nil, errors.New("Invalid id")
	}
	j := new(models.Job)
	var bt []byte
	err := getStmt.QueryRow(id).Scan(args(j, &bt)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, dberror.GetError(err)
	}
	j.Payload = json.RawMessage(bt)
	return j, nil
}

// GetRetry attempts to retrieve the job attempts times before giving up.
func GetRetry(id types.PrefixUUID, attempts uint8) (j *models.Job, err error) {
	for i := uint8(0); i < attempts; i++ {
		j, err = Get(id)
		if err == nil || err == ErrNotFound {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	return
}

// ClaimEligible takes an exclusive claim on up to limit eligible jobs and
// moves them to "processing". Rows locked by a concurrent sweep are skipped,
// not waited on. Returns the claimed jobs with their prior status.
func ClaimEligible(limit int) ([]*Claimed, error) {
	rows, err := claimStmt.Query(limit)
	if err != nil {
		return nil, dberror.GetError(err)
	}
	defer rows.Close()
	var claimed []*Claimed
	for rows.Next() {
		c := new(Claimed)
		var bt []byte
		scanArgs := append(args(&c.Job, &bt), &c.Prior)
		if err := rows.Scan(scanArgs...); err != nil {
			return claimed, err
		}
		c.Payload = json.RawMessage(bt)
		claimed = append(claimed, c)
	}
	err = rows.Err()
	return claimed, err
}

// ClaimOldestPoll claims the oldest eligible POLL job for the given owner,
// under the same skip-locked discipline as the sweep. Returns sql.ErrNoRows
// if no job is eligible.
func ClaimOldestPoll(owner string) (*models.Job, error) {
	j := new(models.Job)
	var bt []byte
	err := claimPollStmt.QueryRow(owner).Scan(args(j, &bt)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, dberror.GetError(err)
	}
	j.Payload = json.RawMessage(bt)
	return j, nil
}

// Finish applies a classification outcome to a claimed job: the new status,
// whether this attempt counts against the retry limit, the next run time
// (nil leaves run_at alone), and the last-attempt response fields. Returns
// sql.ErrNoRows if the job is not currently claimed.
func Finish(id types.PrefixUUID, status models.JobStatus, countAttempt bool,
	runAt *time.Time, respStatus int, content string, respHeaders models.Headers) (*models.Job, error) {
	if !models.CanTransition(models.StatusProcessing, status) {
		return nil, fmt.Errorf("jobs: illegal transition processing -> %s", status)
	}
	incr := 0
	if countAttempt {
		incr = 1
	}
	var nt pq.NullTime
	if runAt != nil {
		nt = pq.NullTime{Valid: true, Time: *runAt}
	}
	j := new(models.Job)
	var bt []byte
	err := finishStmt.QueryRow(id, status, incr, nt, respStatus, content,
		respHeaders).Scan(args(j, &bt)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, dberror.GetError(err)
	}
	j.Payload = json.RawMessage(bt)
	return j, nil
}

// MarkPolled moves a claimed POLL job to "polled" and sets run_at to the
// lease expiry. Returns sql.ErrNoRows if the job is not currently claimed.
func MarkPolled(id types.PrefixUUID, leaseExpiry time.Time) (*models.Job, error) {
	j := new(models.Job)
	var bt []byte
	err := markPolledStmt.QueryRow(id, leaseExpiry).Scan(args(j, &bt)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, dberror.GetError(err)
	}
	j.Payload = json.RawMessage(bt)
	return j, nil
}

// Ack moves a job from the given status to "completed". from must be
// "polled" (consumer acknowledgment) or "processing" (auto-ack during poll).
// Returns sql.ErrNoRows if the job is not in the expected status.
func Ack(id types.PrefixUUID, from models.JobStatus) (*models.Job, error) {
	if !models.CanTransition(from, models.StatusCompleted) {
		return nil, fmt.Errorf("jobs: illegal transition %s -> completed", from)
	}
	j := new(models.Job)
	var bt []byte
	err := ackStmt.QueryRow(id, from).Scan(args(j, &bt)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, dberror.GetError(err)
	}
	j.Payload = json.RawMessage(bt)
	return j, nil
}

// Release gives up a claim without recording an attempt, moving the job back
// to "new". Used when a poll request fails authentication after the row was
// already claimed.
func Release(id types.PrefixUUID) error {
	j := new(models.Job)
	var bt []byte
	err := releaseStmt.QueryRow(id).Scan(args(j, &bt)...)
	if err != nil && err != sql.ErrNoRows {
		return dberror.GetError(err)
	}
	return err
}

// GetOldProcessing finds claimed jobs with an updated_at timestamp older
// than olderThan. A maximum of StuckJobLimit jobs will be returned.
func GetOldProcessing(olderThan time.Time) ([]*models.Job, error) {
	rows, err := oldProcessingStmt.Query(olderThan)
	var stuck []*models.Job
	if err != nil {
		return stuck, err
	}
	defer rows.Close()
	for rows.Next() {
		j := new(models.Job)
		var bt []byte
		if err := rows.Scan(args(j, &bt)...); err != nil {
			return stuck, err
		}
		j.Payload = json.RawMessage(bt)
		stuck = append(stuck, j)
	}
	err = rows.Err()
	return stuck, err
}

// CountReadyAndAll returns the total number of jobs in the table, and the
// number eligible to run right now.
func CountReadyAndAll() (allCount int, readyCount int, err error) {
	err = countReadyAndAllStmt.QueryRow().Scan(&allCount, &readyCount)
	return
}

// GetCountsByStatus returns a map from status to the number of jobs
// currently in it.
func GetCountsByStatus() (map[models.JobStatus]int64, error) {
	rows, err := countsByStatusStmt.Query()
	m := make(map[models.JobStatus]int64)
	if err != nil {
		return m, err
	}
	defer rows.Close()
	for rows.Next() {
		var status models.JobStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return m, err
		}
		m[status] = count
	}
	err = rows.Err()
	return m, err
}

func insertFields() string {
	return `id,
	owner,
	job_type,
	status,
	target,
	payload,
	headers,
	auth,
	signing,
	retry_count,
	retry_limit,
	run_at`
}

func fields() string {
	return fmt.Sprintf(`'%s' || jobs.id,
	jobs.owner,
	jobs.job_type,
	jobs.status,
	jobs.target,
	jobs.payload,
	jobs.headers,
	jobs.auth,
	jobs.signing,
	jobs.retry_count,
	jobs.retry_limit,
	jobs.run_at,
	jobs.last_at,
	jobs.response_status,
	jobs.response_content,
	jobs.response_headers,
	jobs.created_at,
	jobs.updated_at`, Prefix)
}

func args(j *models.Job, byteptr *[]byte) []interface{} {
	return []interface{}{
		&j.ID,
		&j.Owner,
		&j.Type,
		&j.Status,
		&j.Target,
		// can't scan into Payload because of https://github.com/golang/go/issues/13905
		byteptr,
		&j.Headers,
		&j.Auth,
		&j.Signing,
		&j.RetryCount,
		&j.RetryLimit,
		&j.RunAt,
		&j.LastAt,
		&j.ResponseStatus,
		&j.ResponseContent,
		&j.ResponseHeaders,
		&j.CreatedAt,
		&j.UpdatedAt,
	}
}

var retryLimitConstraint = &dberror.Constraint{
	Name: "jobs_retry_limit_check",
	GetError: func(e *pq.Error) *dberror.Error {
		return &dberror.Error{
			Message:    "Retry limit must be zero or a positive number",
			Constraint: e.Constraint,
			Table:      e.Table,
			Severity:   e.Severity,
			Detail:     e.Detail,
		}
	},
}

var jobTypeConstraint = &dberror.Constraint{
	Name: "jobs_job_type_check",
	GetError: func(e *pq.Error) *dberror.Error {
		return &dberror.Error{
			Message:    "Job type must be one of GET, POST, DELETE, FUNC, POLL",
			Constraint: e.Constraint,
			Table:      e.Table,
			Severity:   e.Severity,
			Detail:     e.Detail,
		}
	},
}
