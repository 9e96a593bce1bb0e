// Package analytics folds curated sentiment output into per-symbol daily
// summaries and exports them as CSV. Folding is idempotent: every output line
// has a stable identity, and lines already folded are skipped, so replayed
// events and reprocessed jobs never skew the averages.
package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tjddbs0401/nlp-trading-platform/internal/database"
	"github.com/tjddbs0401/nlp-trading-platform/internal/events"
	"github.com/tjddbs0401/nlp-trading-platform/internal/inference"
	"github.com/tjddbs0401/nlp-trading-platform/internal/storage"
)

// scoredLine is one curated output line as the aggregator reads it
type scoredLine struct {
	Symbol         string  `json:"symbol"`
	Label          string  `json:"label"`
	SentimentScore float64 `json:"sentiment_score"`
	Positive       float64 `json:"positive"`
	Negative       float64 `json:"negative"`
	Neutral        float64 `json:"neutral"`
}

// SummaryRow is one symbol's aggregate for one day
type SummaryRow struct {
	Symbol        string  `json:"symbol"`
	Date          string  `json:"date"`
	AvgSentiment  float64 `json:"avg_sentiment_score"`
	AvgPositive   float64 `json:"avg_positive"`
	AvgNegative   float64 `json:"avg_negative"`
	AvgNeutral    float64 `json:"avg_neutral"`
	PositiveCount int     `json:"positive_count"`
	NegativeCount int     `json:"negative_count"`
	NeutralCount  int     `json:"neutral_count"`
	TotalCount    int     `json:"total_count"`
}

// Aggregator maintains the daily summary tables
type Aggregator struct {
	db      *sql.DB
	objects storage.ObjectStore
	bus     *events.Bus
	log     zerolog.Logger
}

// NewAggregator creates an aggregator over the given analytics database
func NewAggregator(db *sql.DB, objects storage.ObjectStore, bus *events.Bus, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		db:      db,
		objects: objects,
		bus:     bus,
		log:     log.With().Str("component", "aggregator").Logger(),
	}
}

// Subscribe folds every completed job's output as it happens
func (a *Aggregator) Subscribe() {
	a.bus.Subscribe(events.JobCompleted, func(e *events.Event) {
		data, ok := e.Data.(*events.JobCompletedData)
		if !ok || data.OutputKey == "" {
			return
		}
		if err := a.FoldOutput(context.Background(), data.OutputKey); err != nil {
			a.log.Error().Err(err).Str("output", data.OutputKey).Msg("Failed to fold output")
		}
	})
}

// symbolBatch accumulates one fold pass's new contributions for a symbol
type symbolBatch struct {
	sumScore    float64
	sumPositive float64
	sumNegative float64
	sumNeutral  float64
	counts      map[string]int
	total       int
}

// FoldOutput reads a curated object and folds its not-yet-seen lines into the
// daily summaries. Safe to call any number of times for the same key.
func (a *Aggregator) FoldOutput(ctx context.Context, outputKey string) error {
	data, err := a.objects.Get(ctx, outputKey)
	if err != nil {
		return fmt.Errorf("failed to fetch output %s: %w", outputKey, err)
	}
	payload, err := storage.Decompress(outputKey, data)
	if err != nil {
		return fmt.Errorf("failed to decompress output %s: %w", outputKey, err)
	}

	date := dateOf(outputKey)
	lines := strings.Split(string(payload), "\n")

	var folded, symbols int
	err = database.WithTransaction(a.db, func(tx *sql.Tx) error {
		batches := make(map[string]*symbolBatch)

		for i, line := range lines {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			var rec scoredLine
			if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.Symbol == "" {
				a.log.Warn().Str("output", outputKey).Int("line", i).Msg("Skipping unreadable output line")
				continue
			}

			// Line identity: output key plus line index. The curated key is
			// deterministic per job, so a retried job re-presents the same IDs.
			outputID := fmt.Sprintf("%s#%d", outputKey, i)
			res, err := tx.Exec(`
				INSERT INTO folded_outputs (output_id, folded_at)
				VALUES (?, ?)
				ON CONFLICT(output_id) DO NOTHING`,
				outputID, time.Now().UnixMilli())
			if err != nil {
				return fmt.Errorf("failed to mark line folded: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}

			b := batches[rec.Symbol]
			if b == nil {
				b = &symbolBatch{counts: make(map[string]int)}
				batches[rec.Symbol] = b
			}
			b.sumScore += rec.SentimentScore
			b.sumPositive += rec.Positive
			b.sumNegative += rec.Negative
			b.sumNeutral += rec.Neutral
			b.counts[rec.Label]++
			b.total++
			folded++
		}

		symbols = len(batches)
		for symbol, b := range batches {
			if err := mergeBatch(tx, symbol, date, b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if folded > 0 {
		a.log.Info().Str("output", outputKey).Str("date", date).Int("lines", folded).Msg("Output folded")
		a.bus.Emit(events.SummaryUpdated, "aggregator", &events.SummaryUpdatedData{
			Date:    date,
			Symbols: symbols,
			Folded:  folded,
		})
	}
	return nil
}

// mergeBatch merges a batch of new lines into a symbol's running averages
func mergeBatch(tx *sql.Tx, symbol, date string, b *symbolBatch) error {
	_, err := tx.Exec(`
		INSERT INTO daily_summaries (
			symbol, date,
			avg_sentiment_score, avg_positive, avg_negative, avg_neutral,
			positive_count, negative_count, neutral_count, total_count,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, date) DO UPDATE SET
			avg_sentiment_score = (avg_sentiment_score * total_count + ?) / (total_count + ?),
			avg_positive        = (avg_positive * total_count + ?) / (total_count + ?),
			avg_negative        = (avg_negative * total_count + ?) / (total_count + ?),
			avg_neutral         = (avg_neutral * total_count + ?) / (total_count + ?),
			positive_count      = positive_count + ?,
			negative_count      = negative_count + ?,
			neutral_count       = neutral_count + ?,
			total_count         = total_count + ?,
			updated_at          = ?`,
		symbol, date,
		b.sumScore/float64(b.total),
		b.sumPositive/float64(b.total),
		b.sumNegative/float64(b.total),
		b.sumNeutral/float64(b.total),
		b.counts[inference.LabelPositive],
		b.counts[inference.LabelNegative],
		b.counts[inference.LabelNeutral],
		b.total,
		time.Now().UnixMilli(),
		b.sumScore, float64(b.total),
		b.sumPositive, float64(b.total),
		b.sumNegative, float64(b.total),
		b.sumNeutral, float64(b.total),
		b.counts[inference.LabelPositive],
		b.counts[inference.LabelNegative],
		b.counts[inference.LabelNeutral],
		b.total,
		time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to merge summary for %s/%s: %w", symbol, date, err)
	}
	return nil
}

// SummariesForDate returns all symbol summaries for a date, ordered by symbol
func (a *Aggregator) SummariesForDate(date string) ([]SummaryRow, error) {
	rows, err := a.db.Query(`
		SELECT symbol, date,
		       avg_sentiment_score, avg_positive, avg_negative, avg_neutral,
		       positive_count, negative_count, neutral_count, total_count
		FROM daily_summaries
		WHERE date = ?
		ORDER BY symbol ASC`, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries for %s: %w", date, err)
	}
	defer rows.Close()

	var out []SummaryRow
	for rows.Next() {
		var r SummaryRow
		if err := rows.Scan(
			&r.Symbol, &r.Date,
			&r.AvgSentiment, &r.AvgPositive, &r.AvgNegative, &r.AvgNeutral,
			&r.PositiveCount, &r.NegativeCount, &r.NeutralCount, &r.TotalCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RebuildDate discards a date's summaries and refolds them from the curated
// objects in storage. Recovery path for when the analytics database and the
// object store disagree.
func (a *Aggregator) RebuildDate(ctx context.Context, date string) error {
	partition := strings.ReplaceAll(date, "-", "/")
	prefix := storage.CuratedPrefix + partition + "/"

	err := database.WithTransaction(a.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM daily_summaries WHERE date = ?`, date); err != nil {
			return fmt.Errorf("failed to clear summaries for %s: %w", date, err)
		}
		if _, err := tx.Exec(`DELETE FROM folded_outputs WHERE output_id LIKE ?`, prefix+"%"); err != nil {
			return fmt.Errorf("failed to clear fold markers for %s: %w", date, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	keys, err := a.objects.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("failed to list outputs for %s: %w", date, err)
	}
	for _, key := range keys {
		if err := a.FoldOutput(ctx, key); err != nil {
			return err
		}
	}

	a.log.Info().Str("date", date).Int("outputs", len(keys)).Msg("Date rebuilt")
	return nil
}

// dateOf derives the summary date for an output key: the key's date partition
// when present, else today
func dateOf(key string) string {
	if part, ok := storage.DatePartition(key); ok {
		return strings.ReplaceAll(part, "/", "-")
	}
	return time.Now().UTC().Format("2006-01-02")
}
