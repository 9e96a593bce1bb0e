// Package worker runs the pipeline's processing loop: claim a job, fetch its
// raw object, score the texts, write the curated output, report the result.
package worker

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Record is one raw input line: a text about a symbol. Headline is preferred
// as the scored text; Text is the fallback for feeds that only carry a body.
type Record struct {
	Symbol   string `json:"symbol"`
	Headline string `json:"headline"`
	Text     string `json:"text"`
}

// Content returns the text to score
func (r Record) Content() string {
	if strings.TrimSpace(r.Headline) != "" {
		return r.Headline
	}
	return r.Text
}

// Valid reports whether the record carries enough to score
func (r Record) Valid() bool {
	return strings.TrimSpace(r.Symbol) != "" && strings.TrimSpace(r.Content()) != ""
}

// OutputRecord is one curated output line: the input plus its sentiment
type OutputRecord struct {
	Symbol         string    `json:"symbol"`
	Headline       string    `json:"headline"`
	Label          string    `json:"label"`
	SentimentScore float64   `json:"sentiment_score"`
	Positive       float64   `json:"positive"`
	Negative       float64   `json:"negative"`
	Neutral        float64   `json:"neutral"`
	ScoredAt       time.Time `json:"scored_at"`
}

// ParseJSONL decodes newline-delimited JSON records. Lines that are blank,
// malformed, or missing a symbol or text are counted and skipped rather than
// failing the batch; a single bad line must not sink an entire upload.
func ParseJSONL(data []byte) (records []Record, skipped int) {
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
			continue
		}
		if !rec.Valid() {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	return records, skipped
}

// EncodeJSONL renders output records as newline-delimited JSON
func EncodeJSONL(records []OutputRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
