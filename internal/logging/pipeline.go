// Package logging carries audit and evidence records from the control path
// to durable sinks without ever blocking the tick.
package logging

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// #region pipeline
// Pipeline is a bounded, non-blocking audit queue. Emit drops records when
// the queue is full rather than stalling the caller.
type Pipeline struct {
	sink   Sink
	cfg    Config
	logger *slog.Logger

	queue chan AuditRecord
	stop  chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup

	enqueued       atomic.Uint64
	dropped        atomic.Uint64
	sampledDropped atomic.Uint64
	exported       atomic.Uint64
	exportFailures atomic.Uint64
	certCounter    atomic.Uint64
}

type discardSink struct{}

func (discardSink) Export(context.Context, AuditRecord) error { return nil }

// NewPipeline constructs and starts a pipeline exporting to sink.
func NewPipeline(sink Sink, cfg Config, logger *slog.Logger) *Pipeline {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = discardSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		sink:   sink,
		cfg:    cfg,
		logger: logger.With("component", "audit"),
		queue:  make(chan AuditRecord, cfg.QueueCapacity),
		stop:   make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Emit enqueues rec without blocking. Records without an ID get one.
func (p *Pipeline) Emit(rec AuditRecord) bool {
	if rec.Kind == KindCertificate && p.cfg.CertificateSampleRate > 1 {
		n := p.certCounter.Add(1)
		if (n-1)%uint64(p.cfg.CertificateSampleRate) != 0 {
			p.sampledDropped.Add(1)
			return false
		}
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	select {
	case p.queue <- rec:
		p.enqueued.Add(1)
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Close drains pending records and stops the exporter.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		close(p.stop)
		p.wg.Wait()
	})
	return nil
}

// Stats returns current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Enqueued:       p.enqueued.Load(),
		Dropped:        p.dropped.Load(),
		SampledDropped: p.sampledDropped.Load(),
		Exported:       p.exported.Load(),
		ExportFailures: p.exportFailures.Load(),
		QueueDepth:     len(p.queue),
	}
}

// #endregion pipeline

// #region export
func (p *Pipeline) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			for {
				select {
				case rec := <-p.queue:
					p.export(rec)
				default:
					return
				}
			}
		case rec := <-p.queue:
			p.export(rec)
		}
	}
}

func (p *Pipeline) export(rec AuditRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ExportTimeout)
	defer cancel()
	if err := p.sink.Export(ctx, rec); err != nil {
		// only the first few failures are logged; the counter tells the rest
		if p.exportFailures.Add(1) <= 5 {
			p.logger.Warn("audit export failed", "kind", string(rec.Kind), "error", err)
		}
		return
	}
	p.exported.Add(1)
}

// #endregion export
