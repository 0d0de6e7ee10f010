package proto

// ChunkCode discriminates stream chunks.
type ChunkCode int

const (
	// ChunkError is the terminal error chunk.
	ChunkError ChunkCode = -1
	// ChunkAck is a no-op keepalive.
	ChunkAck ChunkCode = 0
	// ChunkSuccess is the terminal success chunk.
	ChunkSuccess ChunkCode = 1
	// ChunkText carries a text delta.
	ChunkText ChunkCode = 2
)

// String returns the string representation of the chunk code.
func (c ChunkCode) String() string {
	switch c {
	case ChunkError:
		return "error"
	case ChunkAck:
		return "ack"
	case ChunkSuccess:
		return "success"
	case ChunkText:
		return "text"
	default:
		return "invalid"
	}
}

// Usage holds token and cost metrics for one request.
type Usage struct {
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64   `json:"cache_write_tokens,omitempty"`
	Cost             float64 `json:"cost"`
}

// StreamChunk is one unit of a streamed model response.
// A stream carries zero or more ack/text chunks followed by exactly one terminal chunk.
type StreamChunk struct {
	Raw     any    // provider payload, success only
	Usage   *Usage // success only
	Text    string // text only
	Message string // error only
	Status  int    // error only
	Code    ChunkCode
}

// TextChunk creates a text delta chunk.
func TextChunk(text string) StreamChunk {
	return StreamChunk{Code: ChunkText, Text: text}
}

// AckChunk creates a no-op chunk.
func AckChunk() StreamChunk {
	return StreamChunk{Code: ChunkAck}
}

// SuccessChunk creates a terminal success chunk.
func SuccessChunk(usage *Usage, raw any) StreamChunk {
	return StreamChunk{Code: ChunkSuccess, Usage: usage, Raw: raw}
}

// ErrorChunk creates a terminal error chunk.
func ErrorChunk(status int, message string) StreamChunk {
	return StreamChunk{Code: ChunkError, Status: status, Message: message}
}

// IsTerminal reports whether the chunk ends the stream.
func (c *StreamChunk) IsTerminal() bool {
	return c.Code == ChunkSuccess || c.Code == ChunkError
}
