package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/jasonkneen/claude-coder/pkg/config"
	"github.com/jasonkneen/claude-coder/pkg/contextmgr"
	"github.com/jasonkneen/claude-coder/pkg/llmerrors"
	"github.com/jasonkneen/claude-coder/pkg/logx"
	"github.com/jasonkneen/claude-coder/pkg/metrics"
	"github.com/jasonkneen/claude-coder/pkg/proto"
)

// CompactFunc receives the history that replaced the request history after a compaction.
type CompactFunc func(history []proto.ConversationTurn)

// Manager wraps a provider client. It compacts the history and retries silently when the
// provider rejects a request as too long, prices successful responses and records metrics.
//
// A Manager is itself a Client.
type Manager struct {
	client    Client
	ctxmgr    *contextmgr.ContextManager
	recorder  metrics.Recorder
	logger    *logx.Logger
	onCompact CompactFunc
	taskID    string
	retries   int
	maxTokens int
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithCompactionRetries sets how many compactions are attempted for one request.
func WithCompactionRetries(n int) ManagerOption {
	return func(m *Manager) {
		if n >= 0 {
			m.retries = n
		}
	}
}

// WithContextManager sets the compaction policy.
func WithContextManager(cm *contextmgr.ContextManager) ManagerOption {
	return func(m *Manager) {
		if cm != nil {
			m.ctxmgr = cm
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) ManagerOption {
	return func(m *Manager) {
		if r != nil {
			m.recorder = r
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(l *logx.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithTaskID labels the metrics of every request.
func WithTaskID(id string) ManagerOption {
	return func(m *Manager) {
		m.taskID = id
	}
}

// WithMaxTokens sets the reply budget used when a request leaves MaxTokens unset.
func WithMaxTokens(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxTokens = n
		}
	}
}

// NewManager creates a manager in front of client. Context limits default to the model registry.
func NewManager(client Client, opts ...ManagerOption) *Manager {
	info, _ := config.GetModelInfo(client.GetModelName())
	counter, err := contextmgr.NewTokenCounter(client.GetModelName())
	if err != nil {
		logx.Warnf("token counter unavailable, estimating from characters: %v", err)
	}
	m := &Manager{
		client:    client,
		recorder:  metrics.Nop(),
		logger:    logx.NewLogger("llm"),
		retries:   config.DefaultCompactionRetries,
		maxTokens: DefaultMaxTokens,
		ctxmgr: contextmgr.NewContextManager(counter, contextmgr.Limits{
			MaxContextTokens: info.MaxContextTokens,
			MaxReplyTokens:   info.MaxOutputTokens,
			CompactionBuffer: contextmgr.DefaultLimits.CompactionBuffer,
		}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnCompact registers the function told about compacted histories, so the owner of the
// conversation can replace its stored copy.
func (m *Manager) OnCompact(fn CompactFunc) {
	m.onCompact = fn
}

// GetModelName returns the wrapped client's model.
func (m *Manager) GetModelName() string {
	return m.client.GetModelName()
}

// Stream opens a response stream. Failures before the first chunk are returned classified;
// later failures arrive as a terminal error chunk.
func (m *Manager) Stream(ctx context.Context, req Request) (<-chan proto.StreamChunk, error) {
	if req.MaxTokens <= 0 {
		req.MaxTokens = m.maxTokens
	}
	req.History = append([]proto.ConversationTurn(nil), req.History...)

	started := time.Now()
	src, attempt, err := m.open(ctx, &req, 0)
	if err != nil {
		m.observe(ctx, started, nil, err)
		return nil, err
	}

	out := make(chan proto.StreamChunk)
	go m.forward(ctx, req, src, attempt, started, out)
	return out, nil
}

// open calls the client, compacting and retrying on context overflow.
func (m *Manager) open(ctx context.Context, req *Request, attempt int) (<-chan proto.StreamChunk, int, error) {
	for {
		src, err := m.client.Stream(ctx, *req)
		if err == nil {
			return src, attempt, nil
		}
		classified := llmerrors.Classify(err, llmerrors.StatusOf(err))
		if classified.Kind != llmerrors.KindContextTooLong {
			return nil, attempt, classified
		}
		if !m.compact(ctx, req, attempt) {
			return nil, attempt, m.exhausted(attempt, classified)
		}
		attempt++
	}
}

// forward relays chunks from src to out until a terminal chunk. A context overflow reported
// before any text was relayed is retried on a compacted history without the consumer noticing.
func (m *Manager) forward(ctx context.Context, req Request, src <-chan proto.StreamChunk, attempt int, started time.Time, out chan<- proto.StreamChunk) {
	defer close(out)

	send := func(chunk proto.StreamChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	textSeen := false
	for {
		chunk, ok := <-src
		if !ok {
			if ctx.Err() != nil {
				m.observe(ctx, started, nil, ctx.Err())
			}
			return
		}

		switch chunk.Code {
		case proto.ChunkText:
			textSeen = true

		case proto.ChunkSuccess:
			if chunk.Usage == nil {
				chunk.Usage = &proto.Usage{}
			}
			if chunk.Usage.Cost == 0 {
				chunk.Usage.Cost = config.CalculateCost(m.client.GetModelName(), chunk.Usage)
			}
			m.observe(ctx, started, chunk.Usage, nil)
			send(chunk)
			return

		case proto.ChunkError:
			kind := llmerrors.KindForStatus(chunk.Status, chunk.Message)
			if kind == llmerrors.KindContextTooLong && !textSeen {
				if m.compact(ctx, &req, attempt) {
					var err error
					src, attempt, err = m.open(ctx, &req, attempt+1)
					if err != nil {
						m.observe(ctx, started, nil, err)
						send(errorChunk(err))
						return
					}
					continue
				}
				err := m.exhausted(attempt, llmerrors.NewWithStatus(kind, chunk.Status, chunk.Message))
				m.observe(ctx, started, nil, err)
				send(errorChunk(err))
				return
			}
			m.observe(ctx, started, nil, llmerrors.NewWithStatus(kind, chunk.Status, chunk.Message))
			send(chunk)
			return
		}

		if !send(chunk) {
			m.observe(ctx, started, nil, ctx.Err())
			return
		}
	}
}

// compact shrinks req.History in place. It reports false once the retry ceiling is reached or
// nothing is left to drop.
func (m *Manager) compact(ctx context.Context, req *Request, attempt int) bool {
	if attempt >= m.retries {
		return false
	}
	history, changed := m.ctxmgr.Compact(req.SystemPrompt, req.History)
	if !changed {
		return false
	}
	req.History = history
	m.recorder.ObserveCompaction(m.client.GetModelName(), m.taskID)
	logx.Debug(ctx, "llm", "compaction attempt %d: %s", attempt+1, m.ctxmgr.Summary(req.SystemPrompt, history))
	m.logger.Warn("📉 Prompt too long, retrying with compacted history (attempt %d/%d)", attempt+1, m.retries)
	if m.onCompact != nil {
		m.onCompact(history)
	}
	return true
}

// exhausted turns a context overflow that compaction could not fix into an API error.
func (m *Manager) exhausted(attempt int, cause *llmerrors.Error) *llmerrors.Error {
	m.logger.Error("Prompt still too long after %d compaction attempts", attempt)
	return &llmerrors.Error{
		Kind:       llmerrors.KindAPI,
		StatusCode: 413,
		Message:    fmt.Sprintf("prompt is too long after %d compaction attempts", attempt),
		Err:        cause,
	}
}

func (m *Manager) observe(ctx context.Context, started time.Time, usage *proto.Usage, err error) {
	obs := metrics.RequestObservation{
		Model:    m.client.GetModelName(),
		TaskID:   m.taskID,
		Usage:    usage,
		Status:   metrics.StatusSuccess,
		Duration: time.Since(started),
	}
	if err != nil {
		kind := llmerrors.KindOf(err)
		obs.Status = metrics.StatusError
		obs.ErrorKind = kind.String()
		if kind == llmerrors.KindCancelled || ctx.Err() != nil {
			obs.Status = metrics.StatusCancelled
		}
	}
	m.recorder.ObserveRequest(obs)
}

// errorChunk renders a classified failure as a terminal chunk. Kinds without an HTTP status get
// their canonical one so the consumer classifies the chunk the same way.
func errorChunk(err error) proto.StreamChunk {
	status := llmerrors.StatusOf(err)
	if status == 0 {
		switch llmerrors.KindOf(err) {
		case llmerrors.KindUnauthorized:
			status = 401
		case llmerrors.KindPaymentRequired:
			status = 402
		case llmerrors.KindContextTooLong:
			status = 413
		}
	}
	return proto.ErrorChunk(status, err.Error())
}
