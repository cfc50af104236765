package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/somnia/internal/pattern"
)

// ErrBufferFull is returned by Submit when the intake channel is saturated;
// callers drop the experience rather than block their own work.
var ErrBufferFull = errors.New("capture buffer full")

// ErrClosed is returned once the buffer has been shut down.
var ErrClosed = errors.New("capture buffer closed")

// Sink receives flushed experience batches.
type Sink interface {
	StoreExperiences(ctx context.Context, batch []*pattern.Experience) error
}

// Config bounds the buffer.
type Config struct {
	FlushSize     int           // default 100
	FlushInterval time.Duration // default 30s
	ChannelDepth  int           // intake channel capacity, default 2x flush size
}

// Buffer collects experiences from concurrently reporting agents and
// flushes them to the sink in batches. A single goroutine owns the
// in-memory batch, so no lock guards it; Submit only touches the channel.
type Buffer struct {
	cfg    Config
	sink   Sink
	logger *zap.Logger

	intake chan *pattern.Experience
	kick   chan chan error

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// NewBuffer creates and starts a capture buffer.
func NewBuffer(cfg Config, sink Sink, logger *zap.Logger) *Buffer {
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.ChannelDepth <= 0 {
		cfg.ChannelDepth = cfg.FlushSize * 2
	}
	b := &Buffer{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		intake: make(chan *pattern.Experience, cfg.ChannelDepth),
		kick:   make(chan chan error),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

// Submit enqueues one experience. It validates up front so a malformed
// report is rejected at the boundary instead of poisoning a batch, and it
// never blocks: a saturated channel returns ErrBufferFull.
func (b *Buffer) Submit(e *pattern.Experience) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}
	select {
	case b.intake <- e:
		return nil
	default:
		return ErrBufferFull
	}
}

// Pending reports how many experiences are queued but not yet picked up by
// the worker. The idle detector uses it as a work-in-flight signal.
func (b *Buffer) Pending() int {
	return len(b.intake)
}

// FlushNow forces a flush of everything buffered and waits for it to land.
func (b *Buffer) FlushNow(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case b.kick <- reply:
	case <-b.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops intake, flushes what remains, and waits for the worker to
// exit.
func (b *Buffer) Close(ctx context.Context) error {
	b.closeOnce.Do(func() { close(b.closed) })
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Buffer) run() {
	defer close(b.done)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*pattern.Experience, 0, b.cfg.FlushSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := b.sink.StoreExperiences(ctx, batch)
		cancel()
		if err != nil {
			// Keep the batch for the next attempt. The worker stops reading
			// intake while the batch is over the retention cap, so a failing
			// sink surfaces as ErrBufferFull to submitters instead of
			// unbounded memory here.
			b.logger.Error("experience flush failed",
				zap.Int("batch", len(batch)), zap.Error(err))
			return err
		}
		b.logger.Debug("experiences flushed", zap.Int("batch", len(batch)))
		batch = batch[:0]
		return nil
	}

	for {
		// While flushes fail the batch is retained, so cap how far past
		// FlushSize it may grow before we stop accepting more from intake.
		in := b.intake
		if len(batch) >= b.cfg.FlushSize*2 {
			in = nil
		}
		select {
		case e := <-in:
			batch = append(batch, e)
			if len(batch) >= b.cfg.FlushSize {
				_ = flush()
			}
		case <-ticker.C:
			_ = flush()
		case reply := <-b.kick:
			b.drainIntake(&batch)
			reply <- flush()
		case <-b.closed:
			b.drainIntake(&batch)
			_ = flush()
			return
		}
	}
}

// drainIntake moves everything already queued into the batch so an explicit
// flush covers submissions that raced with it.
func (b *Buffer) drainIntake(batch *[]*pattern.Experience) {
	for {
		select {
		case e := <-b.intake:
			*batch = append(*batch, e)
		default:
			return
		}
	}
}
