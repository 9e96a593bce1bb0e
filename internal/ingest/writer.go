// Package ingest accepts batches of raw financial texts, lands them in
// object storage under the date-partitioned raw layout, and enqueues the
// processing job for them.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tjddbs0401/nlp-trading-platform/internal/jobs"
	"github.com/tjddbs0401/nlp-trading-platform/internal/storage"
	"github.com/tjddbs0401/nlp-trading-platform/internal/worker"
)

// Writer lands raw batches and submits their jobs
type Writer struct {
	objects   storage.ObjectStore
	producer  *jobs.Producer
	container string
	log       zerolog.Logger
}

// NewWriter creates an ingest writer targeting the given container name
func NewWriter(objects storage.ObjectStore, producer *jobs.Producer, container string, log zerolog.Logger) *Writer {
	return &Writer{
		objects:   objects,
		producer:  producer,
		container: container,
		log:       log.With().Str("component", "ingest").Logger(),
	}
}

// WriteBatch stores records as a gzipped JSONL object and enqueues its job.
// Returns the job ID and the raw object key.
func (w *Writer) WriteBatch(ctx context.Context, records []worker.Record) (jobID, key string, err error) {
	if len(records) == 0 {
		return "", "", fmt.Errorf("empty batch")
	}
	valid := 0
	for _, rec := range records {
		if rec.Valid() {
			valid++
		}
	}
	if valid == 0 {
		return "", "", fmt.Errorf("batch has no valid records")
	}

	encoded, err := encodeRecords(records)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode batch: %w", err)
	}
	compressed, err := storage.Compress(encoded)
	if err != nil {
		return "", "", err
	}

	key = storage.RawKey(time.Now().UTC(), uuid.New().String()[:8])
	if err := w.objects.Put(ctx, key, compressed, "application/gzip"); err != nil {
		return "", "", fmt.Errorf("failed to store batch: %w", err)
	}

	jobID, created, err := w.producer.Submit(w.container, key)
	if err != nil {
		return "", "", fmt.Errorf("failed to submit job for %s: %w", key, err)
	}

	w.log.Info().
		Str("key", key).
		Str("job_id", jobID).
		Int("records", len(records)).
		Bool("created", created).
		Msg("Batch ingested")
	return jobID, key, nil
}

func encodeRecords(records []worker.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
