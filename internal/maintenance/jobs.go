package maintenance

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tjddbs0401/nlp-trading-platform/internal/analytics"
	"github.com/tjddbs0401/nlp-trading-platform/internal/database"
	"github.com/tjddbs0401/nlp-trading-platform/internal/inference"
)

// DailyExportJob exports the previous day's summaries as CSV to storage.
// Scheduled shortly after midnight UTC so the day is closed.
type DailyExportJob struct {
	Aggregator *analytics.Aggregator
	Log        zerolog.Logger
}

func (j *DailyExportJob) Name() string { return "daily_export" }

func (j *DailyExportJob) Run() error {
	now := time.Now().UTC()
	date := now.AddDate(0, 0, -1).Format("2006-01-02")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	key, err := j.Aggregator.ExportDaily(ctx, date, now)
	if err != nil {
		return err
	}
	if key != "" {
		j.Log.Info().Str("date", date).Str("key", key).Msg("Daily export written")
	}
	return nil
}

// CachePruneJob drops inference cache entries older than the retention window
type CachePruneJob struct {
	Cache     *inference.CachingScorer
	Retention time.Duration
	Log       zerolog.Logger
}

func (j *CachePruneJob) Name() string { return "cache_prune" }

func (j *CachePruneJob) Run() error {
	n, err := j.Cache.Prune(j.Retention)
	if err != nil {
		return err
	}
	if n > 0 {
		j.Log.Info().Int64("pruned", n).Msg("Inference cache pruned")
	}
	return nil
}

// CheckpointJob runs WAL checkpoints on the pipeline databases
type CheckpointJob struct {
	Databases []*database.DB
	Log       zerolog.Logger
}

func (j *CheckpointJob) Name() string { return "wal_checkpoint" }

func (j *CheckpointJob) Run() error {
	for _, db := range j.Databases {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			return err
		}
	}
	return nil
}
