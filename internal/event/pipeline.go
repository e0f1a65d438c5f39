package event

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/metrics"
	"github.com/dgnsrekt/chatsync/internal/serial"
	"github.com/dgnsrekt/chatsync/internal/store"
	"github.com/dgnsrekt/chatsync/internal/timer"
)

// Applier writes the effect of one event into a store transaction.
type Applier interface {
	Apply(tx store.Tx, env Envelope) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(tx store.Tx, env Envelope) error

func (f ApplierFunc) Apply(tx store.Tx, env Envelope) error { return f(tx, env) }

// PipelineConfig bounds batch size and age.
type PipelineConfig struct {
	MaxBatchSize int
	MaxBatchAge  time.Duration
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		MaxBatchSize: 100,
		MaxBatchAge:  50 * time.Millisecond,
	}
}

// Pipeline batches appended events, persists each batch in one transaction
// and then dispatches it. Batches are processed one at a time in the order
// they were cut. Subscribers and commit listeners run on the pipeline's
// queue goroutine.
type Pipeline struct {
	cfg      PipelineConfig
	store    store.Store
	applier  Applier
	registry *Registry
	decoder  *Decoder
	clock    timer.Scheduler
	queue    *serial.Queue
	onError  func(error)
	logger   *zap.Logger

	mu       sync.Mutex
	batch    []Envelope
	seq      uint64
	ageTimer timer.Timer
	closed   bool
}

// NewPipeline creates a pipeline writing through s. onError receives every
// PersistenceError and may be nil.
func NewPipeline(cfg PipelineConfig, s store.Store, applier Applier, decoder *Decoder, clock timer.Scheduler, onError func(error), logger *zap.Logger) *Pipeline {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultPipelineConfig().MaxBatchSize
	}
	if cfg.MaxBatchAge <= 0 {
		cfg.MaxBatchAge = DefaultPipelineConfig().MaxBatchAge
	}
	if clock == nil {
		clock = timer.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Pipeline{
		cfg:      cfg,
		store:    s,
		applier:  applier,
		registry: NewRegistry(),
		decoder:  decoder,
		clock:    clock,
		queue:    serial.NewQueue(),
		onError:  onError,
		logger:   logger,
	}
}

// Registry returns the subscriber registry events are dispatched to.
func (p *Pipeline) Registry() *Registry { return p.registry }

// Subscribe is shorthand for Registry().Subscribe.
func (p *Pipeline) Subscribe(typ string, h Handler) *Subscription {
	return p.registry.Subscribe(typ, h)
}

// SubscribeAll is shorthand for Registry().SubscribeAll.
func (p *Pipeline) SubscribeAll(h Handler) *Subscription {
	return p.registry.SubscribeAll(h)
}

// OnCommit registers fn to run after each committed batch, before
// subscribers see it.
func (p *Pipeline) OnCommit(fn func()) func() {
	return p.store.OnCommit(fn)
}

// Ingest decodes frame and appends the result. Undecodable frames are logged
// and dropped.
func (p *Pipeline) Ingest(frame []byte) error {
	env, err := p.decoder.Decode(frame)
	if err != nil {
		metrics.DecodeErrors.Inc()
		p.logger.Warn("dropping undecodable frame", zap.Int("size", len(frame)), zap.Error(err))
		return err
	}
	return p.Append(env)
}

// Append adds env to the current batch and assigns its sequence number.
func (p *Pipeline) Append(env Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPipelineClosed
	}

	p.seq++
	env.Seq = p.seq
	p.batch = append(p.batch, env)
	metrics.EventsDecoded.WithLabelValues(env.Type).Inc()

	if len(p.batch) >= p.cfg.MaxBatchSize {
		p.flushLocked(nil)
		return nil
	}
	if len(p.batch) == 1 {
		p.ageTimer = p.clock.AfterFunc(p.cfg.MaxBatchAge, func() { p.Flush(nil) })
	}
	return nil
}

// Flush cuts the current batch and schedules it. completion, if not nil, runs
// after the batch is persisted and dispatched, with the persistence error if
// any.
func (p *Pipeline) Flush(completion func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		if completion != nil {
			completion(ErrPipelineClosed)
		}
		return
	}
	p.flushLocked(completion)
}

// FlushNow flushes and blocks until the batch, and every batch cut before
// it, has been committed and dispatched.
func (p *Pipeline) FlushNow(ctx context.Context) error {
	done := make(chan error, 1)
	p.Flush(func(err error) { done <- err })

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes what is pending, waits for processing to finish and rejects
// further appends.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.flushLocked(nil)
	p.closed = true
	p.mu.Unlock()

	p.queue.Close()
}

// flushLocked swaps the batch and posts it while p.mu is held so batches
// reach the queue in the order they were cut.
func (p *Pipeline) flushLocked(completion func(error)) {
	if p.ageTimer != nil {
		p.ageTimer.Stop()
		p.ageTimer = nil
	}
	batch := p.batch
	p.batch = nil

	p.queue.Async(func() {
		err := p.process(batch)
		if completion != nil {
			completion(err)
		}
	})
}

func (p *Pipeline) process(batch []Envelope) error {
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	err := p.store.Write(func(tx store.Tx) error {
		for _, env := range batch {
			if err := p.applier.Apply(tx, env); err != nil {
				return err
			}
		}
		return nil
	})
	metrics.ObserveFlush(len(batch), time.Since(start), err != nil)

	if err != nil {
		perr := &PersistenceError{Batch: len(batch), FirstSeq: batch[0].Seq, Err: err}
		p.logger.Error("event batch failed to persist",
			zap.Int("events", len(batch)),
			zap.Uint64("firstSeq", batch[0].Seq),
			zap.Error(err),
		)
		p.onError(perr)
		return perr
	}

	p.logger.Debug("event batch committed",
		zap.Int("events", len(batch)),
		zap.Uint64("lastSeq", batch[len(batch)-1].Seq),
	)
	for _, env := range batch {
		p.registry.Dispatch(env)
	}
	return nil
}
