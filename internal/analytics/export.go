package analytics

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/tjddbs0401/nlp-trading-platform/internal/storage"
)

var csvHeader = []string{
	"symbol",
	"avg_sentiment_score",
	"avg_positive",
	"avg_negative",
	"avg_neutral",
	"positive_count",
	"negative_count",
	"neutral_count",
	"total_count",
	"date",
}

// ExportDaily writes a date's summaries as a CSV object and returns its key.
// Returns an empty key when the date has no data.
func (a *Aggregator) ExportDaily(ctx context.Context, date string, at time.Time) (string, error) {
	rows, err := a.SummariesForDate(date)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		a.log.Debug().Str("date", date).Msg("No summaries to export")
		return "", nil
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return "", fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, r := range rows {
		record := []string{
			r.Symbol,
			formatScore(r.AvgSentiment),
			formatScore(r.AvgPositive),
			formatScore(r.AvgNegative),
			formatScore(r.AvgNeutral),
			strconv.Itoa(r.PositiveCount),
			strconv.Itoa(r.NegativeCount),
			strconv.Itoa(r.NeutralCount),
			strconv.Itoa(r.TotalCount),
			r.Date,
		}
		if err := w.Write(record); err != nil {
			return "", fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("failed to flush csv: %w", err)
	}

	key := storage.AnalyticsKey(at)
	if err := a.objects.Put(ctx, key, buf.Bytes(), "text/csv"); err != nil {
		return "", fmt.Errorf("failed to upload export %s: %w", key, err)
	}

	a.log.Info().Str("date", date).Str("key", key).Int("symbols", len(rows)).Msg("Daily summary exported")
	return key, nil
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
