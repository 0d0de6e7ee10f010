// Package stream drains a model response stream into lifecycle callbacks.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jasonkneen/claude-coder/pkg/logx"
	"github.com/jasonkneen/claude-coder/pkg/proto"
)

const (
	// DefaultInactivityTimeout aborts a request whose stream goes silent.
	DefaultInactivityTimeout = 10 * time.Second
	// DefaultQueueSize bounds the number of chunks buffered ahead of the callbacks.
	DefaultQueueSize = 64
)

// ErrInactivityTimeout is returned when no chunk arrives within the inactivity window.
var ErrInactivityTimeout = errors.New("stream inactivity timeout")

// Callbacks receives the lifecycle of one stream.
//
// OnStreamStart fires once before the first chunk. Every chunk goes to OnChunk in arrival order.
// A terminal chunk goes to OnImmediateEndOfStream and then to OnChunk, whatever the first returned. OnFinalEndOfStream fires
// exactly once, last, with the error that ended the stream (nil on a clean end).
type Callbacks interface {
	OnStreamStart(ctx context.Context) error
	OnChunk(ctx context.Context, chunk proto.StreamChunk) error
	OnImmediateEndOfStream(ctx context.Context, chunk proto.StreamChunk) error
	OnFinalEndOfStream(ctx context.Context, streamErr error) error
}

// Handlers adapts plain functions to Callbacks. Nil fields are no-ops.
type Handlers struct {
	Start        func(ctx context.Context) error
	Chunk        func(ctx context.Context, chunk proto.StreamChunk) error
	ImmediateEnd func(ctx context.Context, chunk proto.StreamChunk) error
	FinalEnd     func(ctx context.Context, streamErr error) error
}

func (h Handlers) OnStreamStart(ctx context.Context) error {
	if h.Start == nil {
		return nil
	}
	return h.Start(ctx)
}

func (h Handlers) OnChunk(ctx context.Context, chunk proto.StreamChunk) error {
	if h.Chunk == nil {
		return nil
	}
	return h.Chunk(ctx, chunk)
}

func (h Handlers) OnImmediateEndOfStream(ctx context.Context, chunk proto.StreamChunk) error {
	if h.ImmediateEnd == nil {
		return nil
	}
	return h.ImmediateEnd(ctx, chunk)
}

func (h Handlers) OnFinalEndOfStream(ctx context.Context, streamErr error) error {
	if h.FinalEnd == nil {
		return nil
	}
	return h.FinalEnd(ctx, streamErr)
}

// Processor consumes a chunk channel through a bounded queue guarded by an inactivity watchdog.
type Processor struct {
	callbacks         Callbacks
	logger            *logx.Logger
	inactivityTimeout time.Duration
	queueSize         int
}

// Option configures a Processor.
type Option func(*Processor)

// WithInactivityTimeout overrides the watchdog window.
func WithInactivityTimeout(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.inactivityTimeout = d
		}
	}
}

// WithQueueSize overrides the bounded queue capacity.
func WithQueueSize(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithLogger sets the processor logger.
func WithLogger(l *logx.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProcessor creates a processor delivering to callbacks.
func NewProcessor(callbacks Callbacks, opts ...Option) *Processor {
	p := &Processor{
		callbacks:         callbacks,
		logger:            logx.NewLogger("stream"),
		inactivityTimeout: DefaultInactivityTimeout,
		queueSize:         DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type item struct {
	err   error
	chunk proto.StreamChunk
}

// Process drains source until a terminal chunk, source close, cancellation, or a callback error.
// abort cancels the underlying request and is invoked by the watchdog. It may be nil.
func (p *Processor) Process(ctx context.Context, source <-chan proto.StreamChunk, abort context.CancelFunc) (err error) {
	done := make(chan struct{})
	queue := make(chan item, p.queueSize)

	defer func() {
		close(done)
		if finalErr := p.callbacks.OnFinalEndOfStream(ctx, err); finalErr != nil && err == nil {
			err = finalErr
		}
	}()

	go p.pump(ctx, source, queue, done, abort)

	if err := p.callbacks.OnStreamStart(ctx); err != nil {
		return fmt.Errorf("stream start: %w", err)
	}

	count := 0
	for it := range queue {
		if it.err != nil {
			return it.err
		}
		count++
		chunk := it.chunk
		logx.Debug(ctx, "stream", "chunk #%d code=%s", count, chunk.Code)

		if !chunk.IsTerminal() {
			if err := p.callbacks.OnChunk(ctx, chunk); err != nil {
				return err
			}
			continue
		}

		// The chunk handler sees the terminal chunk even when the immediate handler rejects it.
		endErr := p.callbacks.OnImmediateEndOfStream(ctx, chunk)
		if err := p.callbacks.OnChunk(ctx, chunk); err != nil && endErr == nil {
			endErr = err
		}
		return endErr
	}

	p.logger.Warn("Stream closed after %d chunks without a terminal chunk", count)
	return nil
}

// pump moves chunks from source into queue. The watchdog is armed by the first chunk and only
// runs while waiting on source, so neither a slow first token nor a consumer blocked on a tool
// approval trips it.
func (p *Processor) pump(ctx context.Context, source <-chan proto.StreamChunk, queue chan<- item, done <-chan struct{}, abort context.CancelFunc) {
	defer close(queue)

	var (
		timer   *time.Timer
		timeout <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	send := func(it item) bool {
		select {
		case queue <- it:
			return true
		case <-done:
			return false
		}
	}

	for {
		select {
		case chunk, ok := <-source:
			if !ok {
				return
			}
			if timer != nil && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			if !send(item{chunk: chunk}) {
				return
			}
			if chunk.IsTerminal() {
				return
			}
			if timer == nil {
				timer = time.NewTimer(p.inactivityTimeout)
				timeout = timer.C
			} else {
				timer.Reset(p.inactivityTimeout)
			}
		case <-timeout:
			p.logger.Warn("⏱️ No chunk received for %s, aborting request", p.inactivityTimeout)
			if abort != nil {
				abort()
			}
			send(item{err: ErrInactivityTimeout})
			return
		case <-ctx.Done():
			send(item{err: ctx.Err()})
			return
		case <-done:
			return
		}
	}
}
