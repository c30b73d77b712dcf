package validation

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// #region worker
// Worker runs an Estimator on its own goroutine. The control tick only ever
// calls Submit, which never blocks.
type Worker struct {
	est     *Estimator
	config  WorkerConfig
	in      chan Sample
	limiter *rate.Limiter
	latest  atomic.Pointer[Estimate]
	logger  *slog.Logger
	now     func() time.Time

	submitted atomic.Uint64
	dropped   atomic.Uint64
	decimated atomic.Uint64
	processed atomic.Uint64
	computed  atomic.Uint64
}

// NewWorker creates a worker. Run must be started for estimates to advance.
func NewWorker(config Config, wc WorkerConfig, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultWorkerConfig()
	if wc.QueueSize <= 0 {
		wc.QueueSize = def.QueueSize
	}
	if wc.MaxBatch <= 0 {
		wc.MaxBatch = def.MaxBatch
	}
	if wc.MaxRecomputeHz <= 0 {
		wc.MaxRecomputeHz = def.MaxRecomputeHz
	}
	w := &Worker{
		est:     NewEstimator(config),
		config:  wc,
		in:      make(chan Sample, wc.QueueSize),
		limiter: rate.NewLimiter(rate.Limit(wc.MaxRecomputeHz), 1),
		logger:  logger.With("component", "validation"),
		now:     time.Now,
	}
	initial := w.est.Estimate(w.now())
	w.latest.Store(&initial)
	return w
}

// Submit queues a sample. A full queue drops the sample and counts it.
func (w *Worker) Submit(s Sample) bool {
	select {
	case w.in <- s:
		w.submitted.Add(1)
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

// Estimate returns the most recently published estimate.
func (w *Worker) Estimate() Estimate {
	return *w.latest.Load()
}

// Stats reports queue accounting.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Submitted: w.submitted.Load(),
		Dropped:   w.dropped.Load(),
		Decimated: w.decimated.Load(),
		Processed: w.processed.Load(),
		Computed:  w.computed.Load(),
		Queued:    len(w.in),
	}
}

// WorkerStats is a point-in-time view of the worker counters.
type WorkerStats struct {
	Submitted uint64 `json:"submitted"`
	Dropped   uint64 `json:"dropped"`
	Decimated uint64 `json:"decimated"`
	Processed uint64 `json:"processed"`
	Computed  uint64 `json:"computed"`
	Queued    int    `json:"queued"`
}

// Run drains samples until ctx is cancelled. Backlogs larger than MaxBatch
// are decimated by stride so the estimate stays timely, and recomputation
// is capped at MaxRecomputeHz.
func (w *Worker) Run(ctx context.Context) error {
	interval := time.Duration(float64(time.Second) / w.config.MaxRecomputeHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Sample, 0, w.config.QueueSize)
	pending := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-w.in:
			batch = append(batch[:0], s)
			batch = w.drain(batch)
			w.ingest(batch)
			pending = true
			if w.limiter.Allow() {
				w.publish()
				pending = false
			}
		case <-ticker.C:
			if pending {
				w.publish()
				pending = false
			}
		}
	}
}

// #endregion worker

// #region helpers
func (w *Worker) drain(batch []Sample) []Sample {
	for {
		select {
		case s := <-w.in:
			batch = append(batch, s)
			if len(batch) == cap(batch) {
				return batch
			}
		default:
			return batch
		}
	}
}

// ingest adds batch to the estimator, keeping every stride-th sample when
// the batch exceeds MaxBatch. The newest sample is always kept.
func (w *Worker) ingest(batch []Sample) {
	if len(batch) <= w.config.MaxBatch {
		for _, s := range batch {
			w.est.Add(s)
		}
		w.processed.Add(uint64(len(batch)))
		return
	}
	stride := (len(batch) + w.config.MaxBatch - 1) / w.config.MaxBatch
	kept := 0
	last := len(batch) - 1
	for i := last % stride; i <= last; i += stride {
		w.est.Add(batch[i])
		kept++
	}
	w.processed.Add(uint64(kept))
	w.decimated.Add(uint64(len(batch) - kept))
	w.logger.Debug("decimated validation backlog", "batch", len(batch), "kept", kept, "stride", stride)
}

func (w *Worker) publish() {
	est := w.est.Estimate(w.now())
	est.Decimated = w.decimated.Load()
	est.Dropped = w.dropped.Load()
	w.latest.Store(&est)
	w.computed.Add(1)
}

// #endregion helpers
