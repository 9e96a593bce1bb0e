package analytics

import "database/sql"

// Schema defines the aggregation tables. daily_summaries holds one row per
// symbol per day with running averages; folded_outputs records which output
// lines have already been folded in, so replayed completion events and
// retried jobs never double-count.
const Schema = `
CREATE TABLE IF NOT EXISTS daily_summaries (
    symbol              TEXT NOT NULL,
    date                TEXT NOT NULL,
    avg_sentiment_score REAL NOT NULL DEFAULT 0,
    avg_positive        REAL NOT NULL DEFAULT 0,
    avg_negative        REAL NOT NULL DEFAULT 0,
    avg_neutral         REAL NOT NULL DEFAULT 0,
    positive_count      INTEGER NOT NULL DEFAULT 0,
    negative_count      INTEGER NOT NULL DEFAULT 0,
    neutral_count       INTEGER NOT NULL DEFAULT 0,
    total_count         INTEGER NOT NULL DEFAULT 0,
    updated_at          INTEGER NOT NULL,
    PRIMARY KEY (symbol, date)
);

CREATE INDEX IF NOT EXISTS idx_daily_summaries_date ON daily_summaries(date);

CREATE TABLE IF NOT EXISTS folded_outputs (
    output_id TEXT PRIMARY KEY,
    folded_at INTEGER NOT NULL
);
`

// InitSchema creates the aggregation tables if needed
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
