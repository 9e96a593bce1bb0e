package jobs

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a job ID has no record
var ErrNotFound = errors.New("job not found")

// Store is the durable job table. It is the pipeline's source of truth and
// its only shared mutable resource: every mutation goes through a
// compare-and-swap style conditional update, so concurrent workers and the
// reaper coordinate without locks.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore creates a new job store
func NewStore(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("component", "job_store").Logger(),
	}
}

// Guard is the precondition of a conditional update
type Guard struct {
	State State // required: stored state must still match

	// LeaseOwner, when non-empty, requires the stored lease owner to match.
	// Used by renew/complete/fail so a stale worker cannot touch a job that
	// was reclaimed after its lease expired.
	LeaseOwner string

	// LeaseExpiredBy, when non-nil, requires the stored lease to have expired
	// before this instant. Used by the reaper so it cannot requeue a job whose
	// lease was renewed between scan and update.
	LeaseExpiredBy *time.Time
}

// Update is the post-state of a conditional update. Lease fields are written
// as given: a zero LeaseOwner / nil LeaseExpiresAt clears the lease.
type Update struct {
	State            State
	LeaseOwner       string
	LeaseExpiresAt   *time.Time
	IncrementAttempt bool
	ErrorMessage     string
	ResetAttempts    bool // used by explicit reprocessing
}

// Get returns the job record for an ID, or ErrNotFound
func (s *Store) Get(jobID string) (*Job, error) {
	row := s.db.QueryRow(`
		SELECT job_id, source_container, source_key, state, lease_owner,
		       lease_expires_at, attempt_count, error_message, created_at, updated_at
		FROM jobs WHERE job_id = ?
	`, jobID)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return job, nil
}

// PutIfAbsent inserts a new job record. Returns false without error when a
// record with the same job_id already exists.
func (s *Store) PutIfAbsent(job *Job) (bool, error) {
	if !job.State.Valid() {
		return false, fmt.Errorf("invalid job state %q", job.State)
	}

	res, err := s.db.Exec(`
		INSERT INTO jobs
		(job_id, source_container, source_key, state, lease_owner, lease_expires_at,
		 attempt_count, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, NULL, NULL, ?, NULL, ?, ?)
		ON CONFLICT(job_id) DO NOTHING
	`,
		job.ID,
		job.SourceContainer,
		job.SourceKey,
		string(job.State),
		job.AttemptCount,
		job.CreatedAt.UnixMilli(),
		job.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result for job %s: %w", job.ID, err)
	}
	return rows == 1, nil
}

// ConditionalUpdate applies an update only if the stored record still matches
// the guard. Returns false (not an error) when the guard no longer holds:
// losing a claim or completion race is an expected outcome, not a failure.
//
// This is the single place job state transitions happen, and it rejects
// illegal edges outright.
func (s *Store) ConditionalUpdate(jobID string, guard Guard, upd Update) (bool, error) {
	if !ValidTransition(guard.State, upd.State) {
		return false, fmt.Errorf("illegal transition %s -> %s for job %s", guard.State, upd.State, jobID)
	}

	set := []string{"state = ?", "lease_owner = ?", "lease_expires_at = ?", "error_message = ?", "updated_at = ?"}
	args := []interface{}{
		string(upd.State),
		nullString(upd.LeaseOwner),
		nullMilli(upd.LeaseExpiresAt),
		nullString(truncateError(upd.ErrorMessage)),
		time.Now().UnixMilli(),
	}

	if upd.IncrementAttempt {
		set = append(set, "attempt_count = attempt_count + 1")
	} else if upd.ResetAttempts {
		set = append(set, "attempt_count = 0")
	}

	where := []string{"job_id = ?", "state = ?"}
	args = append(args, jobID, string(guard.State))

	if guard.LeaseOwner != "" {
		where = append(where, "lease_owner = ?")
		args = append(args, guard.LeaseOwner)
	}
	if guard.LeaseExpiredBy != nil {
		where = append(where, "lease_expires_at IS NOT NULL", "lease_expires_at < ?")
		args = append(args, guard.LeaseExpiredBy.UnixMilli())
	}

	query := "UPDATE jobs SET " + strings.Join(set, ", ") + " WHERE " + strings.Join(where, " AND ")

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return false, fmt.Errorf("conditional update failed for job %s: %w", jobID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read update result for job %s: %w", jobID, err)
	}
	return rows == 1, nil
}

// ScanByState returns up to limit jobs in a state, oldest first. FIFO order
// gives claim fairness; the scan has no stronger guarantee because callers
// poll repeatedly anyway.
func (s *Store) ScanByState(state State, limit int) ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT job_id, source_container, source_key, state, lease_owner,
		       lease_expires_at, attempt_count, error_message, created_at, updated_at
		FROM jobs
		WHERE state = ?
		ORDER BY created_at ASC
		LIMIT ?
	`, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan jobs by state %s: %w", state, err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ScanExpiredLeases returns CLAIMED jobs whose lease expired before now
func (s *Store) ScanExpiredLeases(now time.Time, limit int) ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT job_id, source_container, source_key, state, lease_owner,
		       lease_expires_at, attempt_count, error_message, created_at, updated_at
		FROM jobs
		WHERE state = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
		ORDER BY lease_expires_at ASC
		LIMIT ?
	`, string(StateClaimed), now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan expired leases: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountsByState returns the number of jobs in each state
func (s *Store) CountsByState() (map[State]int, error) {
	rows, err := s.db.Query(`SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by state: %w", err)
	}
	defer rows.Close()

	counts := map[State]int{
		StatePending: 0,
		StateClaimed: 0,
		StateDone:    0,
		StateFailed:  0,
	}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan state count: %w", err)
		}
		counts[State(state)] = count
	}
	return counts, rows.Err()
}

// rowScanner abstracts *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var state string
	var leaseOwner, errorMessage sql.NullString
	var leaseExpires sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&job.ID,
		&job.SourceContainer,
		&job.SourceKey,
		&state,
		&leaseOwner,
		&leaseExpires,
		&job.AttemptCount,
		&errorMessage,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.State = State(state)
	job.LeaseOwner = leaseOwner.String
	if leaseExpires.Valid {
		t := time.UnixMilli(leaseExpires.Int64)
		job.LeaseExpiresAt = &t
	}
	job.ErrorMessage = errorMessage.String
	job.CreatedAt = time.UnixMilli(createdAt)
	job.UpdatedAt = time.UnixMilli(updatedAt)

	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullMilli(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
