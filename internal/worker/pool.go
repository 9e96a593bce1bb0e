package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tjddbs0401/nlp-trading-platform/internal/inference"
	"github.com/tjddbs0401/nlp-trading-platform/internal/jobs"
	"github.com/tjddbs0401/nlp-trading-platform/internal/storage"
)

// Pool runs a fixed set of workers sharing one scheduler
type Pool struct {
	workers []*Worker
	log     zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewPool creates size workers with host-scoped identities
func NewPool(size int, scheduler *jobs.Scheduler, objects storage.ObjectStore, scorer inference.Scorer, pollInterval time.Duration, batchSize int, log zerolog.Logger) *Pool {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	instance := uuid.New().String()[:8]

	workers := make([]*Worker, size)
	for i := range workers {
		id := fmt.Sprintf("%s-%s-%d", host, instance, i)
		workers[i] = NewWorker(id, scheduler, objects, scorer, pollInterval, batchSize, log)
	}

	return &Pool{
		workers: workers,
		log:     log.With().Str("component", "worker_pool").Logger(),
	}
}

// Start launches all workers
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(runCtx)
		}(w)
	}

	p.log.Info().Int("workers", len(p.workers)).Msg("Worker pool started")
}

// Stop cancels all workers and waits for them to finish their current job
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.cancel == nil {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.log.Info().Msg("Worker pool stopped")
}
