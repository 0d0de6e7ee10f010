package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonkneen/claude-coder/pkg/proto"
)

type recorder struct {
	events   []string
	finalErr error
	finals   int
	mu       sync.Mutex
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		Start: func(context.Context) error {
			r.add("start")
			return nil
		},
		Chunk: func(_ context.Context, chunk proto.StreamChunk) error {
			r.add("chunk:" + chunk.Code.String() + ":" + chunk.Text)
			return nil
		},
		ImmediateEnd: func(_ context.Context, chunk proto.StreamChunk) error {
			r.add("immediate:" + chunk.Code.String())
			return nil
		},
		FinalEnd: func(_ context.Context, streamErr error) error {
			r.mu.Lock()
			r.finals++
			r.finalErr = streamErr
			r.mu.Unlock()
			r.add("final")
			return nil
		},
	}
}

func feed(chunks ...proto.StreamChunk) <-chan proto.StreamChunk {
	ch := make(chan proto.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func TestProcessDeliversInOrder(t *testing.T) {
	rec := &recorder{}
	p := NewProcessor(rec.handlers())

	err := p.Process(context.Background(), feed(
		proto.AckChunk(),
		proto.TextChunk("Let me "),
		proto.TextChunk("look."),
		proto.SuccessChunk(&proto.Usage{InputTokens: 10, OutputTokens: 3}, nil),
	), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"start",
		"chunk:ack:",
		"chunk:text:Let me ",
		"chunk:text:look.",
		"immediate:success",
		"chunk:success:",
		"final",
	}, rec.events)
	assert.Equal(t, 1, rec.finals)
	assert.NoError(t, rec.finalErr)
}

func TestProcessStopsAtTerminalChunk(t *testing.T) {
	rec := &recorder{}
	p := NewProcessor(rec.handlers())

	err := p.Process(context.Background(), feed(
		proto.ErrorChunk(529, "overloaded"),
		proto.TextChunk("ignored"),
	), nil)
	require.NoError(t, err)
	assert.NotContains(t, rec.events, "chunk:text:ignored")
	assert.Equal(t, 1, rec.finals)
}

func TestFinalFiresOnceWhenCallbackFails(t *testing.T) {
	boom := errors.New("boom")
	rec := &recorder{}
	h := rec.handlers()
	h.ImmediateEnd = func(context.Context, proto.StreamChunk) error { return boom }
	p := NewProcessor(h)

	err := p.Process(context.Background(), feed(proto.TextChunk("a"), proto.ErrorChunk(500, "server")), nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, rec.finals)
	assert.ErrorIs(t, rec.finalErr, boom)
	assert.Equal(t, "final", rec.events[len(rec.events)-1])
}

func TestFinalFiresOnceWhenStartFails(t *testing.T) {
	rec := &recorder{}
	h := rec.handlers()
	h.Start = func(context.Context) error { return errors.New("no placeholder") }
	p := NewProcessor(h)

	err := p.Process(context.Background(), feed(proto.TextChunk("a")), nil)
	assert.Error(t, err)
	assert.Equal(t, 1, rec.finals)
	assert.NotContains(t, rec.events, "chunk:text:a")
}

func TestInactivityWatchdogAbortsRequest(t *testing.T) {
	rec := &recorder{}
	p := NewProcessor(rec.handlers(), WithInactivityTimeout(30*time.Millisecond))

	source := make(chan proto.StreamChunk, 1)
	source <- proto.TextChunk("partial")

	aborted := make(chan struct{})
	var once sync.Once
	abort := func() { once.Do(func() { close(aborted) }) }

	err := p.Process(context.Background(), source, abort)
	assert.ErrorIs(t, err, ErrInactivityTimeout)
	assert.ErrorIs(t, rec.finalErr, ErrInactivityTimeout)
	assert.Equal(t, 1, rec.finals)

	select {
	case <-aborted:
	default:
		t.Fatal("expected underlying request to be aborted")
	}
}

func TestSlowConsumerDoesNotTripWatchdog(t *testing.T) {
	rec := &recorder{}
	h := rec.handlers()
	chunk := h.Chunk
	h.Chunk = func(ctx context.Context, c proto.StreamChunk) error {
		if c.Code == proto.ChunkText {
			// Simulates waiting on a tool approval.
			time.Sleep(60 * time.Millisecond)
		}
		return chunk(ctx, c)
	}
	p := NewProcessor(h, WithInactivityTimeout(40*time.Millisecond), WithQueueSize(1))

	source := make(chan proto.StreamChunk)
	go func() {
		defer close(source)
		source <- proto.TextChunk("a")
		source <- proto.TextChunk("b")
		source <- proto.TextChunk("c")
		source <- proto.SuccessChunk(nil, nil)
	}()

	require.NoError(t, p.Process(context.Background(), source, nil))
	assert.Contains(t, rec.events, "chunk:text:c")
	assert.Contains(t, rec.events, "chunk:success:")
}

func TestCancellationEndsStream(t *testing.T) {
	rec := &recorder{}
	p := NewProcessor(rec.handlers())

	ctx, cancel := context.WithCancel(context.Background())
	source := make(chan proto.StreamChunk)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := p.Process(ctx, source, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, rec.finals)
}

func TestSourceClosedWithoutTerminal(t *testing.T) {
	rec := &recorder{}
	p := NewProcessor(rec.handlers())

	require.NoError(t, p.Process(context.Background(), feed(proto.TextChunk("x")), nil))
	assert.Equal(t, []string{"start", "chunk:text:x", "final"}, rec.events)
}

func TestSlowFirstChunkDoesNotTripWatchdog(t *testing.T) {
	rec := &recorder{}
	p := NewProcessor(rec.handlers(), WithInactivityTimeout(100*time.Millisecond))

	source := make(chan proto.StreamChunk)
	go func() {
		defer close(source)
		time.Sleep(150 * time.Millisecond)
		source <- proto.TextChunk("late ")
		time.Sleep(20 * time.Millisecond)
		source <- proto.TextChunk("start")
		source <- proto.SuccessChunk(nil, nil)
	}()

	aborted := false
	require.NoError(t, p.Process(context.Background(), source, func() { aborted = true }))
	assert.False(t, aborted)
	assert.Equal(t, []string{
		"start",
		"chunk:text:late ",
		"chunk:text:start",
		"immediate:success",
		"chunk:success:",
		"final",
	}, rec.events)
}

func TestTerminalErrorReachesChunkHandler(t *testing.T) {
	overloaded := errors.New("overloaded")
	rec := &recorder{}
	h := rec.handlers()
	h.ImmediateEnd = func(_ context.Context, chunk proto.StreamChunk) error {
		rec.add("immediate:" + chunk.Code.String())
		return overloaded
	}
	p := NewProcessor(h)

	err := p.Process(context.Background(), feed(proto.TextChunk("a"), proto.ErrorChunk(529, "overloaded")), nil)
	assert.ErrorIs(t, err, overloaded)
	assert.Equal(t, []string{
		"start",
		"chunk:text:a",
		"immediate:error",
		"chunk:error:",
		"final",
	}, rec.events)
}
