package mocks

import (
	"context"
	"sync"

	"github.com/jasonkneen/claude-coder/pkg/host"
	"github.com/jasonkneen/claude-coder/pkg/proto"
)

// AskCall records one Ask or UpdateAsk.
type AskCall struct {
	Payload proto.AskPayload
	Kind    proto.AskKind
	Ts      int64
}

// SayCall records one Say or UpdateSay.
type SayCall struct {
	Kind   proto.SayKind
	Text   string
	Images []string
	Ts     int64
}

// MockHost implements host.Host for testing.
// Asks are answered from per-kind scripted queues and default to yes.
//
//nolint:govet // fieldalignment: mock struct layout optimized for readability
type MockHost struct {
	// AskFunc is called when Ask is invoked and no scripted answer exists. Override to customize behavior.
	AskFunc func(ctx context.Context, kind proto.AskKind, payload proto.AskPayload, ts int64) (proto.AskResponse, error)

	// AskCalls tracks all calls to Ask for verification.
	AskCalls []AskCall

	// UpdateCalls tracks all calls to UpdateAsk for verification.
	UpdateCalls []AskCall

	// SayCalls tracks all calls to Say and UpdateSay for verification.
	SayCalls []SayCall

	// AbortCount counts AbortPendingAsks calls.
	AbortCount int

	// AskStarted receives the kind of every Ask as it starts.
	AskStarted chan proto.AskKind

	// answers holds scripted responses per kind, consumed in order
	answers map[proto.AskKind][]proto.AskResponse

	// blocking makes Ask wait for AbortPendingAsks or ctx
	blocking map[proto.AskKind]bool

	// abortCh is closed by AbortPendingAsks
	abortCh chan struct{}

	nextSay int64

	// mu protects all fields above
	mu sync.Mutex
}

// NewMockHost creates a new mock host with default behavior.
// Default behavior: every ask is answered yes.
func NewMockHost() *MockHost {
	m := &MockHost{
		AskStarted: make(chan proto.AskKind, 64),
		answers:    make(map[proto.AskKind][]proto.AskResponse),
		blocking:   make(map[proto.AskKind]bool),
		abortCh:    make(chan struct{}),
		nextSay:    1_000_000,
	}
	m.AskFunc = func(_ context.Context, _ proto.AskKind, _ proto.AskPayload, _ int64) (proto.AskResponse, error) {
		return proto.Yes(), nil
	}
	return m
}

// Ask implements host.Approver.
func (m *MockHost) Ask(ctx context.Context, kind proto.AskKind, payload proto.AskPayload, ts int64) (proto.AskResponse, error) {
	m.mu.Lock()
	m.AskCalls = append(m.AskCalls, AskCall{Kind: kind, Payload: clonePayload(payload), Ts: ts})
	abortCh := m.abortCh
	block := m.blocking[kind]
	var scripted *proto.AskResponse
	if queue := m.answers[kind]; !block && len(queue) > 0 {
		scripted = &queue[0]
		m.answers[kind] = queue[1:]
	}
	fn := m.AskFunc
	m.mu.Unlock()

	select {
	case m.AskStarted <- kind:
	default:
	}

	if block {
		select {
		case <-abortCh:
			return proto.AskResponse{}, host.ErrAskAborted
		case <-ctx.Done():
			return proto.AskResponse{}, ctx.Err()
		}
	}
	if scripted != nil {
		return *scripted, nil
	}
	return fn(ctx, kind, payload, ts)
}

// UpdateAsk implements host.Approver.
func (m *MockHost) UpdateAsk(_ context.Context, kind proto.AskKind, payload proto.AskPayload, ts int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpdateCalls = append(m.UpdateCalls, AskCall{Kind: kind, Payload: clonePayload(payload), Ts: ts})
	return nil
}

// AbortPendingAsks implements host.Approver.
func (m *MockHost) AbortPendingAsks() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AbortCount++
	close(m.abortCh)
	m.abortCh = make(chan struct{})
}

// Say implements host.Display.
func (m *MockHost) Say(_ context.Context, kind proto.SayKind, text string, images []string, opts proto.SayOptions) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := opts.Ts
	if ts == 0 {
		m.nextSay++
		ts = m.nextSay
	}
	m.SayCalls = append(m.SayCalls, SayCall{Kind: kind, Text: text, Images: images, Ts: ts})
	return ts, nil
}

// UpdateSay implements host.Display.
func (m *MockHost) UpdateSay(_ context.Context, kind proto.SayKind, text string, ts int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SayCalls = append(m.SayCalls, SayCall{Kind: kind, Text: text, Ts: ts})
	return nil
}

// --- Configuration methods ---

// Answer queues responses for asks of the given kind.
func (m *MockHost) Answer(kind proto.AskKind, responses ...proto.AskResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers[kind] = append(m.answers[kind], responses...)
}

// BlockAsks makes asks of the given kind wait until AbortPendingAsks or ctx cancellation.
func (m *MockHost) BlockAsks(kind proto.AskKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocking[kind] = true
}

// Unblock restores scripted answers for the given kind.
func (m *MockHost) Unblock(kind proto.AskKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocking, kind)
}

// --- Inspection helpers ---

// Asks returns a copy of the recorded asks.
func (m *MockHost) Asks() []AskCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AskCall, len(m.AskCalls))
	copy(out, m.AskCalls)
	return out
}

// AsksOf returns the recorded asks of one kind.
func (m *MockHost) AsksOf(kind proto.AskKind) []AskCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AskCall
	for _, c := range m.AskCalls {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// Updates returns a copy of the recorded ask updates.
func (m *MockHost) Updates() []AskCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AskCall, len(m.UpdateCalls))
	copy(out, m.UpdateCalls)
	return out
}

// Says returns a copy of the recorded says.
func (m *MockHost) Says() []SayCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SayCall, len(m.SayCalls))
	copy(out, m.SayCalls)
	return out
}

// SaysOf returns the recorded says of one kind.
func (m *MockHost) SaysOf(kind proto.SayKind) []SayCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SayCall
	for _, c := range m.SayCalls {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// Aborts returns how many times AbortPendingAsks was called.
func (m *MockHost) Aborts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.AbortCount
}

func clonePayload(p proto.AskPayload) proto.AskPayload {
	p.Tool = p.Tool.Clone()
	return p
}
