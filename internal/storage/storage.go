// Package storage provides object storage access for the pipeline's three
// data areas: raw text input, curated sentiment output, and daily analytics
// exports. The S3 client is the production backend; a filesystem store covers
// single-binary deployments and a memory store covers tests.
package storage

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"time"
)

// Key prefixes of the pipeline's data areas
const (
	RawPrefix       = "raw/text/"
	CuratedPrefix   = "curated/sentiment/"
	AnalyticsPrefix = "curated/analytics/daily/"
)

// ErrNotFound is returned when a key has no object
var ErrNotFound = errors.New("object not found")

// ObjectStore is the narrow contract the pipeline needs from a bucket
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// RawKey builds a date-partitioned raw object key:
// raw/text/YYYY/MM/DD/HHMMSS-<suffix>.jsonl.gz
func RawKey(t time.Time, suffix string) string {
	return fmt.Sprintf("%s%s/%s-%s.jsonl.gz", RawPrefix, t.UTC().Format("2006/01/02"), t.UTC().Format("150405"), suffix)
}

// CuratedKey derives the curated output key for a raw input key, mirroring
// the raw date partition. The mapping is deterministic so a retried job
// overwrites its previous output instead of duplicating it.
//
// raw/text/2025/11/10/texts.jsonl.gz -> curated/sentiment/2025/11/10/texts.jsonl
func CuratedKey(rawKey string) string {
	base := path.Base(rawKey)
	base = strings.TrimSuffix(base, ".gz")
	if !strings.HasSuffix(base, ".jsonl") {
		base += ".jsonl"
	}

	if datePart, ok := DatePartition(rawKey); ok {
		return CuratedPrefix + datePart + "/" + base
	}
	return CuratedPrefix + base
}

// AnalyticsKey builds the daily summary CSV key for an export instant
func AnalyticsKey(t time.Time) string {
	return fmt.Sprintf("%s%s/sentiment_summary_%s.csv", AnalyticsPrefix, t.UTC().Format("2006/01/02"), t.UTC().Format("150405"))
}

var datePartitionRe = regexp.MustCompile(`(\d{4}/\d{2}/\d{2})/`)

// DatePartition extracts the YYYY/MM/DD partition from a key, if present
func DatePartition(key string) (string, bool) {
	m := datePartitionRe.FindStringSubmatch(key)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Decompress transparently gunzips object bytes when the key says so
func Decompress(key string, data []byte) ([]byte, error) {
	if !strings.HasSuffix(key, ".gz") {
		return data, nil
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream for %s: %w", key, err)
	}
	defer gz.Close()

	out, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s: %w", key, err)
	}
	return out, nil
}

// Compress gzips a payload
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, fmt.Errorf("failed to gzip payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish gzip payload: %w", err)
	}
	return buf.Bytes(), nil
}

// FindByBasename searches a prefix for a key ending in the given basename.
// Raw uploaders sometimes notify with an undated key while the object lands
// under a date partition; this recovers it before giving up. The newest
// (lexically last) match wins.
func FindByBasename(ctx context.Context, store ObjectStore, prefix, basename string) (string, error) {
	keys, err := store.List(ctx, prefix)
	if err != nil {
		return "", fmt.Errorf("failed to list %s: %w", prefix, err)
	}

	var match string
	for _, k := range keys {
		if k == basename || strings.HasSuffix(k, "/"+basename) {
			if k > match {
				match = k
			}
		}
	}
	if match == "" {
		return "", ErrNotFound
	}
	return match, nil
}
