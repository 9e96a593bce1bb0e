package worker

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjddbs0401/nlp-trading-platform/internal/database"
	"github.com/tjddbs0401/nlp-trading-platform/internal/events"
	"github.com/tjddbs0401/nlp-trading-platform/internal/inference"
	"github.com/tjddbs0401/nlp-trading-platform/internal/jobs"
	"github.com/tjddbs0401/nlp-trading-platform/internal/storage"
)

func newJobsDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "jobs.db"),
		Name: "jobs",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, jobs.InitSchema(db.Conn()))
	return db.Conn()
}

type testPipeline struct {
	store     *jobs.Store
	producer  *jobs.Producer
	scheduler *jobs.Scheduler
	objects   *storage.MemoryStore
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()

	store := jobs.NewStore(newJobsDB(t), zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())
	return &testPipeline{
		store:     store,
		producer:  jobs.NewProducer(store, bus, zerolog.Nop()),
		scheduler: jobs.NewScheduler(store, bus, jobs.NewMetricsTracker(), time.Second, 3, zerolog.Nop()),
		objects:   storage.NewMemoryStore(),
	}
}

func (p *testPipeline) newWorker(t *testing.T, scorer inference.Scorer) *Worker {
	t.Helper()
	if scorer == nil {
		scorer = inference.NewLexiconScorer()
	}
	return NewWorker("test-worker-0", p.scheduler, p.objects, scorer, 10*time.Millisecond, 2, zerolog.Nop())
}

// putRaw stores a gzipped JSONL payload and submits its job
func (p *testPipeline) putRaw(t *testing.T, key, payload string) string {
	t.Helper()

	gz, err := storage.Compress([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, p.objects.Put(context.Background(), key, gz, "application/gzip"))

	jobID, created, err := p.producer.Submit("bucket", key)
	require.NoError(t, err)
	require.True(t, created)
	return jobID
}

func TestParseJSONL(t *testing.T) {
	data := []byte(`{"symbol":"AAPL","headline":"AAPL beats estimates"}
not json at all
{"symbol":"","headline":"no symbol"}
{"symbol":"TSLA","text":"TSLA misses targets"}

{"symbol":"MSFT","headline":""}
`)

	records, skipped := ParseJSONL(data)
	require.Len(t, records, 2)
	assert.Equal(t, 3, skipped)

	assert.Equal(t, "AAPL", records[0].Symbol)
	assert.Equal(t, "AAPL beats estimates", records[0].Content())

	// Headline absent, body text serves as content
	assert.Equal(t, "TSLA", records[1].Symbol)
	assert.Equal(t, "TSLA misses targets", records[1].Content())
}

func TestParseJSONL_Empty(t *testing.T) {
	records, skipped := ParseJSONL(nil)
	assert.Empty(t, records)
	assert.Zero(t, skipped)
}

func TestEncodeJSONL(t *testing.T) {
	data, err := EncodeJSONL([]OutputRecord{
		{Symbol: "AAPL", Headline: "AAPL up", Label: inference.LabelPositive, SentimentScore: 0.5},
		{Symbol: "TSLA", Headline: "TSLA down", Label: inference.LabelNegative, SentimentScore: -0.4},
	})
	require.NoError(t, err)

	records, skipped := ParseJSONL(data)
	assert.Len(t, records, 2)
	assert.Zero(t, skipped)
}

func TestWorker_ProcessJob_Success(t *testing.T) {
	p := newTestPipeline(t)
	w := p.newWorker(t, nil)
	ctx := context.Background()

	rawKey := "raw/text/2025/11/10/143000-news.jsonl.gz"
	jobID := p.putRaw(t, rawKey, `{"symbol":"AAPL","headline":"AAPL shares surge after record quarter"}
{"symbol":"TSLA","headline":"TSLA stock plunges on weak deliveries"}
`)

	job, err := p.scheduler.Claim(w.id)
	require.NoError(t, err)
	require.NotNil(t, job)
	w.processJob(ctx, job)

	got, err := p.store.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateDone, got.State)

	out, err := p.objects.Get(ctx, storage.CuratedKey(rawKey))
	require.NoError(t, err)

	outputs, skipped := ParseJSONL(out)
	assert.Zero(t, skipped)
	require.Len(t, outputs, 2)
	assert.Equal(t, "AAPL", outputs[0].Symbol)
	assert.Equal(t, "TSLA", outputs[1].Symbol)
}

func TestWorker_ProcessJob_RetryOverwritesOutput(t *testing.T) {
	p := newTestPipeline(t)
	w := p.newWorker(t, nil)
	ctx := context.Background()

	rawKey := "raw/text/2025/11/10/143000-news.jsonl.gz"
	p.putRaw(t, rawKey, `{"symbol":"AAPL","headline":"AAPL rally"}`+"\n")

	job, err := p.scheduler.Claim(w.id)
	require.NoError(t, err)
	w.processJob(ctx, job)

	before := p.objects.Len()

	// Reprocessing the same input writes the same key, never a duplicate
	require.NoError(t, p.producer.Reprocess(job.ID))
	job, err = p.scheduler.Claim(w.id)
	require.NoError(t, err)
	require.NotNil(t, job)
	w.processJob(ctx, job)

	assert.Equal(t, before, p.objects.Len())
}

func TestWorker_ProcessJob_MalformedInputFailsFast(t *testing.T) {
	p := newTestPipeline(t)
	w := p.newWorker(t, nil)

	jobID := p.putRaw(t, "raw/text/2025/11/10/bad.jsonl.gz", "not json\nstill not json\n")

	job, err := p.scheduler.Claim(w.id)
	require.NoError(t, err)
	w.processJob(context.Background(), job)

	// Straight to FAILED on the first attempt, no retries
	got, err := p.store.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, got.State)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Contains(t, got.ErrorMessage, "no valid records")
}

func TestWorker_ProcessJob_MissingObjectIsTransient(t *testing.T) {
	p := newTestPipeline(t)
	w := p.newWorker(t, nil)

	jobID, created, err := p.producer.Submit("bucket", "raw/text/2025/11/10/ghost.jsonl.gz")
	require.NoError(t, err)
	require.True(t, created)

	job, err := p.scheduler.Claim(w.id)
	require.NoError(t, err)
	w.processJob(context.Background(), job)

	// Requeued for when the object lands
	got, err := p.store.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatePending, got.State)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestWorker_ProcessJob_BasenameFallback(t *testing.T) {
	p := newTestPipeline(t)
	w := p.newWorker(t, nil)
	ctx := context.Background()

	// Object landed under a date partition, notification carried a bare key
	actual := "raw/text/2025/11/10/news.jsonl.gz"
	gz, err := storage.Compress([]byte(`{"symbol":"AAPL","headline":"AAPL gains"}` + "\n"))
	require.NoError(t, err)
	require.NoError(t, p.objects.Put(ctx, actual, gz, ""))

	jobID, _, err := p.producer.Submit("bucket", "raw/text/news.jsonl.gz")
	require.NoError(t, err)

	job, err := p.scheduler.Claim(w.id)
	require.NoError(t, err)
	w.processJob(ctx, job)

	got, err := p.store.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateDone, got.State)

	// Output mirrors where the object actually was
	_, err = p.objects.Get(ctx, storage.CuratedKey(actual))
	assert.NoError(t, err)
}

// failingScorer always errors, simulating an unreachable model service
type failingScorer struct{}

func (failingScorer) Name() string { return "failing" }

func (failingScorer) ScoreBatch(ctx context.Context, texts []string) ([]inference.Result, error) {
	return nil, errors.New("inference service unreachable")
}

func TestWorker_ProcessJob_ScorerErrorIsTransient(t *testing.T) {
	p := newTestPipeline(t)
	w := p.newWorker(t, failingScorer{})

	jobID := p.putRaw(t, "raw/text/2025/11/10/a.jsonl.gz", `{"symbol":"AAPL","headline":"AAPL up"}`+"\n")

	job, err := p.scheduler.Claim(w.id)
	require.NoError(t, err)
	w.processJob(context.Background(), job)

	got, err := p.store.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatePending, got.State)
}

func TestWorker_ProcessJob_RetryBudgetExhausts(t *testing.T) {
	p := newTestPipeline(t)
	w := p.newWorker(t, failingScorer{})
	ctx := context.Background()

	jobID := p.putRaw(t, "raw/text/2025/11/10/a.jsonl.gz", `{"symbol":"AAPL","headline":"AAPL up"}`+"\n")

	// maxAttempts is 3 in the test pipeline
	for i := 0; i < 3; i++ {
		job, err := p.scheduler.Claim(w.id)
		require.NoError(t, err)
		require.NotNil(t, job)
		w.processJob(ctx, job)
	}

	got, err := p.store.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, got.State)
	assert.Equal(t, 3, got.AttemptCount)

	// Spent jobs are never claimable again
	job, err := p.scheduler.Claim(w.id)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestPool_ProcessesSubmittedJobs(t *testing.T) {
	p := newTestPipeline(t)

	pool := NewPool(2, p.scheduler, p.objects, inference.NewLexiconScorer(), 10*time.Millisecond, 16, zerolog.Nop())
	pool.Start(context.Background())
	defer pool.Stop()

	jobID := p.putRaw(t, "raw/text/2025/11/10/pool.jsonl.gz", `{"symbol":"NVDA","headline":"NVDA soars"}`+"\n")

	require.Eventually(t, func() bool {
		got, err := p.store.Get(jobID)
		return err == nil && got.State == jobs.StateDone
	}, 3*time.Second, 20*time.Millisecond)
}

func TestPool_StopIsIdempotent(t *testing.T) {
	p := newTestPipeline(t)
	pool := NewPool(1, p.scheduler, p.objects, inference.NewLexiconScorer(), 10*time.Millisecond, 16, zerolog.Nop())

	pool.Start(context.Background())
	pool.Stop()
	pool.Stop()
}
