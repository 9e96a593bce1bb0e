package worker

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/rs/zerolog"

	"github.com/tjddbs0401/nlp-trading-platform/internal/inference"
	"github.com/tjddbs0401/nlp-trading-platform/internal/jobs"
	"github.com/tjddbs0401/nlp-trading-platform/internal/storage"
)

// permanentError marks a failure no retry can fix (malformed input). Anything
// not wrapped in it is treated as transient and requeued.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(format string, args ...any) error {
	return &permanentError{err: fmt.Errorf(format, args...)}
}

// Worker claims jobs and processes them one at a time
type Worker struct {
	id           string
	scheduler    *jobs.Scheduler
	objects      storage.ObjectStore
	scorer       inference.Scorer
	pollInterval time.Duration
	batchSize    int
	log          zerolog.Logger
}

// NewWorker creates a worker with the given identity
func NewWorker(id string, scheduler *jobs.Scheduler, objects storage.ObjectStore, scorer inference.Scorer, pollInterval time.Duration, batchSize int, log zerolog.Logger) *Worker {
	return &Worker{
		id:           id,
		scheduler:    scheduler,
		objects:      objects,
		scorer:       scorer,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		log:          log.With().Str("component", "worker").Str("worker_id", id).Logger(),
	}
}

// Run claims and processes jobs until the context is cancelled. Failures of
// individual jobs are recorded against the job and never stop the loop.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		if ctx.Err() != nil {
			w.log.Info().Msg("Worker stopped")
			return
		}

		job, err := w.scheduler.Claim(w.id)
		if err != nil {
			w.log.Error().Err(err).Msg("Claim failed")
			w.sleep(ctx)
			continue
		}
		if job == nil {
			w.sleep(ctx)
			continue
		}

		w.processJob(ctx, job)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.pollInterval):
	}
}

// processJob runs one job under a lease-renewal heartbeat and reports the
// outcome to the scheduler
func (w *Worker) processJob(ctx context.Context, job *jobs.Job) {
	log := w.log.With().Str("job_id", job.ID).Str("key", job.SourceKey).Logger()
	log.Info().Int("attempt", job.AttemptCount).Msg("Processing job")

	procCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.renewLoop(procCtx, cancel, job.ID)

	outputKey, records, err := w.process(procCtx, job)
	if err != nil {
		var perm *permanentError
		isPermanent := errors.As(err, &perm)

		applied, requeued, failErr := w.scheduler.Fail(w.id, job.ID, err.Error(), isPermanent)
		if failErr != nil {
			log.Error().Err(failErr).Msg("Failed to record job failure")
			return
		}
		if !applied {
			log.Warn().Msg("Lease lost before failure could be recorded")
			return
		}
		log.Warn().Err(err).Bool("permanent", isPermanent).Bool("requeued", requeued).Msg("Job failed")
		return
	}

	applied, err := w.scheduler.Complete(w.id, job.ID, outputKey, records)
	if err != nil {
		log.Error().Err(err).Msg("Failed to record job completion")
		return
	}
	if !applied {
		// The lease expired and another worker took over. The curated write
		// is deterministic, so the duplicate work is harmless.
		log.Warn().Msg("Lease lost before completion could be recorded")
	}
}

// renewLoop extends the lease while processing runs. A failed renewal means
// the job was reclaimed; processing is cancelled so this worker abandons it.
func (w *Worker) renewLoop(ctx context.Context, cancel context.CancelFunc, jobID string) {
	ticker := time.NewTicker(w.scheduler.LeaseTTL() / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := w.scheduler.Renew(w.id, jobID)
			if err != nil {
				w.log.Error().Err(err).Str("job_id", jobID).Msg("Lease renewal failed")
				continue
			}
			if !renewed {
				w.log.Warn().Str("job_id", jobID).Msg("Lease reclaimed, abandoning job")
				cancel()
				return
			}
		}
	}
}

// process fetches, scores, and writes one job's data. Returns the curated
// output key and record count, or an error classified transient or permanent.
func (w *Worker) process(ctx context.Context, job *jobs.Job) (string, int, error) {
	data, key, err := w.fetch(ctx, job.SourceKey)
	if err != nil {
		return "", 0, err
	}

	payload, err := storage.Decompress(key, data)
	if err != nil {
		return "", 0, permanent("corrupt input object %s: %w", key, err)
	}

	records, skipped := ParseJSONL(payload)
	if len(records) == 0 {
		return "", 0, permanent("no valid records in %s (%d lines skipped)", key, skipped)
	}
	if skipped > 0 {
		w.log.Warn().Str("key", key).Int("skipped", skipped).Msg("Skipped malformed input lines")
	}

	outputs, err := w.score(ctx, records)
	if err != nil {
		return "", 0, fmt.Errorf("scoring failed for %s: %w", key, err)
	}

	encoded, err := EncodeJSONL(outputs)
	if err != nil {
		return "", 0, fmt.Errorf("failed to encode output for %s: %w", key, err)
	}

	// Deterministic output key: a retried job overwrites its own output
	outputKey := storage.CuratedKey(key)
	if err := w.objects.Put(ctx, outputKey, encoded, "application/json"); err != nil {
		return "", 0, fmt.Errorf("failed to write output %s: %w", outputKey, err)
	}

	return outputKey, len(outputs), nil
}

// fetch loads the raw object, falling back to a basename search when the
// notified key does not match where the object actually landed
func (w *Worker) fetch(ctx context.Context, key string) ([]byte, string, error) {
	data, err := w.objects.Get(ctx, key)
	if err == nil {
		return data, key, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, "", fmt.Errorf("failed to fetch %s: %w", key, err)
	}

	found, err := storage.FindByBasename(ctx, w.objects, storage.RawPrefix, path.Base(key))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// The object may simply not have landed yet; retry later.
			return nil, "", fmt.Errorf("object %s not found", key)
		}
		return nil, "", err
	}

	w.log.Warn().Str("key", key).Str("found", found).Msg("Recovered object by basename")
	data, err = w.objects.Get(ctx, found)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch %s: %w", found, err)
	}
	return data, found, nil
}

// score runs records through the scorer in batches
func (w *Worker) score(ctx context.Context, records []Record) ([]OutputRecord, error) {
	now := time.Now().UTC()
	outputs := make([]OutputRecord, 0, len(records))

	for start := 0; start < len(records); start += w.batchSize {
		end := start + w.batchSize
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]

		texts := make([]string, len(chunk))
		for i, rec := range chunk {
			texts[i] = rec.Content()
		}

		results, err := w.scorer.ScoreBatch(ctx, texts)
		if err != nil {
			return nil, err
		}

		for i, rec := range chunk {
			res := results[i]
			outputs = append(outputs, OutputRecord{
				Symbol:         rec.Symbol,
				Headline:       rec.Content(),
				Label:          res.Label,
				SentimentScore: res.Score(),
				Positive:       res.Scores[0],
				Negative:       res.Scores[1],
				Neutral:        res.Scores[2],
				ScoredAt:       now,
			})
		}
	}

	return outputs, nil
}
