package inference

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// CachingScorer wraps a Scorer with a persistent result cache. Retried jobs
// and cross-source duplicates re-score the same texts constantly; the cache
// turns those into cheap lookups.
type CachingScorer struct {
	inner Scorer
	db    *sql.DB
	log   zerolog.Logger
}

// NewCachingScorer wraps a scorer with the given cache database
func NewCachingScorer(inner Scorer, db *sql.DB, log zerolog.Logger) *CachingScorer {
	return &CachingScorer{
		inner: inner,
		db:    db,
		log:   log.With().Str("component", "inference_cache").Logger(),
	}
}

func (c *CachingScorer) Name() string { return c.inner.Name() }

// cacheKey hashes the scorer name together with the text so results from
// different scorers never collide
func (c *CachingScorer) cacheKey(text string) string {
	h := sha256.Sum256([]byte(c.inner.Name() + "\x00" + text))
	return hex.EncodeToString(h[:])
}

// ScoreBatch serves cached results where possible and scores only the misses
func (c *CachingScorer) ScoreBatch(ctx context.Context, texts []string) ([]Result, error) {
	results := make([]Result, len(texts))
	var missIdx []int
	var missTexts []string

	for i, text := range texts {
		if cached, ok := c.lookup(c.cacheKey(text)); ok {
			results[i] = cached
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) > 0 {
		scored, err := c.inner.ScoreBatch(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		if len(scored) != len(missTexts) {
			return nil, fmt.Errorf("scorer %s returned %d results for %d texts", c.inner.Name(), len(scored), len(missTexts))
		}
		for j, idx := range missIdx {
			results[idx] = scored[j]
			c.store(c.cacheKey(missTexts[j]), scored[j])
		}
	}

	c.log.Debug().
		Int("texts", len(texts)).
		Int("hits", len(texts)-len(missTexts)).
		Msg("Batch served")
	return results, nil
}

func (c *CachingScorer) lookup(key string) (Result, bool) {
	var blob []byte
	err := c.db.QueryRow(`SELECT result FROM inference_cache WHERE text_hash = ?`, key).Scan(&blob)
	if err != nil {
		if err != sql.ErrNoRows {
			c.log.Warn().Err(err).Msg("Cache lookup failed")
		}
		return Result{}, false
	}

	var res Result
	if err := msgpack.Unmarshal(blob, &res); err != nil {
		c.log.Warn().Err(err).Msg("Cache entry corrupt, ignoring")
		return Result{}, false
	}
	return res, true
}

// store writes a cache entry; failures are logged, never fatal
func (c *CachingScorer) store(key string, res Result) {
	blob, err := msgpack.Marshal(res)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to encode cache entry")
		return
	}

	_, err = c.db.Exec(`
		INSERT INTO inference_cache (text_hash, scorer, result, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(text_hash) DO NOTHING`,
		key, c.inner.Name(), blob, time.Now().UnixMilli())
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to write cache entry")
	}
}

// Prune deletes cache entries older than the retention window
func (c *CachingScorer) Prune(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := c.db.Exec(`DELETE FROM inference_cache WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune inference cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
