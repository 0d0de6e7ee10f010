package llm

import (
	"context"

	"github.com/jasonkneen/claude-coder/pkg/proto"
)

// Emit sends one chunk to the consumer. It reports false once the request context is done.
type Emit func(chunk proto.StreamChunk) bool

// Producer reads a provider stream and emits text chunks. It returns the usage and raw payload of
// a finished response, or the error that ended it.
type Producer func(ctx context.Context, emit Emit) (*proto.Usage, any, error)

// NewChunkStream runs produce in its own goroutine and returns the chunk channel. It adds the
// terminal chunk: success with the returned usage, or an error chunk carrying the failure's HTTP
// status. Nothing is added once ctx is done.
func NewChunkStream(ctx context.Context, produce Producer) <-chan proto.StreamChunk {
	out := make(chan proto.StreamChunk)
	emit := func(chunk proto.StreamChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(out)
		usage, raw, err := produce(ctx, emit)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			emit(errorChunk(err))
			return
		}
		emit(proto.SuccessChunk(usage, raw))
	}()
	return out
}
