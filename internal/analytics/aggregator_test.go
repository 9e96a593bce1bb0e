package analytics

import (
	"context"
	"database/sql"
	"encoding/csv"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjddbs0401/nlp-trading-platform/internal/database"
	"github.com/tjddbs0401/nlp-trading-platform/internal/events"
	"github.com/tjddbs0401/nlp-trading-platform/internal/storage"
)

func newAnalyticsDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "analytics.db"),
		Name: "analytics",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, InitSchema(db.Conn()))
	return db.Conn()
}

func newTestAggregator(t *testing.T) (*Aggregator, *storage.MemoryStore, *events.Bus) {
	t.Helper()
	objects := storage.NewMemoryStore()
	bus := events.NewBus(zerolog.Nop())
	return NewAggregator(newAnalyticsDB(t), objects, bus, zerolog.Nop()), objects, bus
}

const fourSymbolOutput = `{"symbol":"AAPL","label":"positive","sentiment_score":0.8,"positive":0.85,"negative":0.05,"neutral":0.1}
{"symbol":"AAPL","label":"negative","sentiment_score":-0.4,"positive":0.2,"negative":0.6,"neutral":0.2}
{"symbol":"TSLA","label":"negative","sentiment_score":-0.6,"positive":0.1,"negative":0.7,"neutral":0.2}
{"symbol":"MSFT","label":"neutral","sentiment_score":0.0,"positive":0.2,"negative":0.2,"neutral":0.6}
{"symbol":"NVDA","label":"positive","sentiment_score":0.9,"positive":0.92,"negative":0.02,"neutral":0.06}
`

func TestAggregator_FoldOutput(t *testing.T) {
	agg, objects, _ := newTestAggregator(t)
	ctx := context.Background()

	key := "curated/sentiment/2025/11/10/news.jsonl"
	require.NoError(t, objects.Put(ctx, key, []byte(fourSymbolOutput), ""))
	require.NoError(t, agg.FoldOutput(ctx, key))

	rows, err := agg.SummariesForDate("2025-11-10")
	require.NoError(t, err)
	require.Len(t, rows, 4)

	// Ordered by symbol
	assert.Equal(t, "AAPL", rows[0].Symbol)
	assert.Equal(t, "MSFT", rows[1].Symbol)
	assert.Equal(t, "NVDA", rows[2].Symbol)
	assert.Equal(t, "TSLA", rows[3].Symbol)

	aapl := rows[0]
	assert.InDelta(t, 0.2, aapl.AvgSentiment, 1e-9)
	assert.Equal(t, 1, aapl.PositiveCount)
	assert.Equal(t, 1, aapl.NegativeCount)
	assert.Equal(t, 0, aapl.NeutralCount)
	assert.Equal(t, 2, aapl.TotalCount)

	tsla := rows[3]
	assert.InDelta(t, -0.6, tsla.AvgSentiment, 1e-9)
	assert.Equal(t, 1, tsla.TotalCount)

	msft := rows[1]
	assert.Equal(t, 1, msft.NeutralCount)
	assert.InDelta(t, 0.0, msft.AvgSentiment, 1e-9)
}

func TestAggregator_FoldOutput_Idempotent(t *testing.T) {
	agg, objects, _ := newTestAggregator(t)
	ctx := context.Background()

	key := "curated/sentiment/2025/11/10/news.jsonl"
	require.NoError(t, objects.Put(ctx, key, []byte(fourSymbolOutput), ""))

	// Folding the same output three times must not change the summaries
	for i := 0; i < 3; i++ {
		require.NoError(t, agg.FoldOutput(ctx, key))
	}

	rows, err := agg.SummariesForDate("2025-11-10")
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, 2, rows[0].TotalCount)
	assert.InDelta(t, 0.2, rows[0].AvgSentiment, 1e-9)
}

func TestAggregator_FoldOutput_RunningMeanAcrossObjects(t *testing.T) {
	agg, objects, _ := newTestAggregator(t)
	ctx := context.Background()

	a := `{"symbol":"AAPL","label":"positive","sentiment_score":0.6,"positive":0.7,"negative":0.1,"neutral":0.2}` + "\n"
	b := `{"symbol":"AAPL","label":"negative","sentiment_score":-0.2,"positive":0.3,"negative":0.5,"neutral":0.2}` + "\n"
	require.NoError(t, objects.Put(ctx, "curated/sentiment/2025/11/10/a.jsonl", []byte(a), ""))
	require.NoError(t, objects.Put(ctx, "curated/sentiment/2025/11/10/b.jsonl", []byte(b), ""))

	require.NoError(t, agg.FoldOutput(ctx, "curated/sentiment/2025/11/10/a.jsonl"))
	require.NoError(t, agg.FoldOutput(ctx, "curated/sentiment/2025/11/10/b.jsonl"))

	rows, err := agg.SummariesForDate("2025-11-10")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.InDelta(t, 0.2, rows[0].AvgSentiment, 1e-9)
	assert.Equal(t, 2, rows[0].TotalCount)
}

func TestAggregator_FoldOutput_SeparatesDates(t *testing.T) {
	agg, objects, _ := newTestAggregator(t)
	ctx := context.Background()

	line := `{"symbol":"AAPL","label":"positive","sentiment_score":0.5,"positive":0.6,"negative":0.1,"neutral":0.3}` + "\n"
	require.NoError(t, objects.Put(ctx, "curated/sentiment/2025/11/10/a.jsonl", []byte(line), ""))
	require.NoError(t, objects.Put(ctx, "curated/sentiment/2025/11/11/a.jsonl", []byte(line), ""))

	require.NoError(t, agg.FoldOutput(ctx, "curated/sentiment/2025/11/10/a.jsonl"))
	require.NoError(t, agg.FoldOutput(ctx, "curated/sentiment/2025/11/11/a.jsonl"))

	for _, date := range []string{"2025-11-10", "2025-11-11"} {
		rows, err := agg.SummariesForDate(date)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, 1, rows[0].TotalCount)
	}
}

func TestAggregator_Subscribe(t *testing.T) {
	agg, objects, bus := newTestAggregator(t)
	agg.Subscribe()
	ctx := context.Background()

	key := "curated/sentiment/2025/11/10/evt.jsonl"
	require.NoError(t, objects.Put(ctx, key, []byte(fourSymbolOutput), ""))

	updated := 0
	bus.Subscribe(events.SummaryUpdated, func(e *events.Event) { updated++ })

	bus.Emit(events.JobCompleted, "test", &events.JobCompletedData{
		JobID:     "job-1",
		WorkerID:  "w-1",
		OutputKey: key,
		Records:   5,
	})

	rows, err := agg.SummariesForDate("2025-11-10")
	require.NoError(t, err)
	assert.Len(t, rows, 4)
	assert.Equal(t, 1, updated)
}

func TestAggregator_RebuildDate(t *testing.T) {
	agg, objects, _ := newTestAggregator(t)
	ctx := context.Background()

	key := "curated/sentiment/2025/11/10/news.jsonl"
	require.NoError(t, objects.Put(ctx, key, []byte(fourSymbolOutput), ""))
	require.NoError(t, agg.FoldOutput(ctx, key))

	// The object changed after folding (job reprocessed with a new model)
	revised := `{"symbol":"AAPL","label":"positive","sentiment_score":0.9,"positive":0.9,"negative":0.05,"neutral":0.05}` + "\n"
	require.NoError(t, objects.Put(ctx, key, []byte(revised), ""))

	require.NoError(t, agg.RebuildDate(ctx, "2025-11-10"))

	rows, err := agg.SummariesForDate("2025-11-10")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "AAPL", rows[0].Symbol)
	assert.InDelta(t, 0.9, rows[0].AvgSentiment, 1e-9)
	assert.Equal(t, 1, rows[0].TotalCount)
}

func TestAggregator_ExportDaily(t *testing.T) {
	agg, objects, _ := newTestAggregator(t)
	ctx := context.Background()

	key := "curated/sentiment/2025/11/10/news.jsonl"
	require.NoError(t, objects.Put(ctx, key, []byte(fourSymbolOutput), ""))
	require.NoError(t, agg.FoldOutput(ctx, key))

	at := time.Date(2025, 11, 11, 0, 5, 0, 0, time.UTC)
	exportKey, err := agg.ExportDaily(ctx, "2025-11-10", at)
	require.NoError(t, err)
	assert.Equal(t, "curated/analytics/daily/2025/11/11/sentiment_summary_000500.csv", exportKey)

	data, err := objects.Get(ctx, exportKey)
	require.NoError(t, err)

	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 5) // header + 4 symbols

	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, "AAPL", records[1][0])
	assert.Equal(t, "0.200000", records[1][1])
	assert.Equal(t, "2", records[1][8])
	assert.Equal(t, "2025-11-10", records[1][9])
}

func TestAggregator_ExportDaily_NoData(t *testing.T) {
	agg, _, _ := newTestAggregator(t)

	key, err := agg.ExportDaily(context.Background(), "1999-01-01", time.Now())
	require.NoError(t, err)
	assert.Empty(t, key)
}
