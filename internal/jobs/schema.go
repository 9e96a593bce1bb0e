package jobs

import "database/sql"

// JobsSchema ensures the jobs table exists in jobs.db.
// Timestamps are unix milliseconds; lease columns are NULL unless CLAIMED.
const JobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    source_container TEXT NOT NULL,
    source_key TEXT NOT NULL,
    state TEXT NOT NULL,
    lease_owner TEXT,
    lease_expires_at INTEGER,
    attempt_count INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_state_created ON jobs(state, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_state_lease ON jobs(state, lease_expires_at);
`

func InitSchema(db *sql.DB) error {
	_, err := db.Exec(JobsSchema)
	return err
}
