package inference

import "database/sql"

// Schema defines the inference cache table. Keyed by a hash of scorer name
// and text so switching scorers never serves stale results.
const Schema = `
CREATE TABLE IF NOT EXISTS inference_cache (
    text_hash  TEXT PRIMARY KEY,
    scorer     TEXT NOT NULL,
    result     BLOB NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_inference_cache_created ON inference_cache(created_at);
`

// InitSchema creates the cache table if needed
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
