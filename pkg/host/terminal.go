package host

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/jasonkneen/claude-coder/pkg/logx"
	"github.com/jasonkneen/claude-coder/pkg/proto"
)

// Terminal is a line-oriented Host reading answers from an input stream.
type Terminal struct {
	out         io.Writer
	lines       chan string
	abort       chan struct{}
	logger      *logx.Logger
	lastState   map[int64]proto.ApprovalState
	mu          sync.Mutex
	autoApprove bool
	color       bool
}

// TerminalOption configures a Terminal.
type TerminalOption func(*Terminal)

// WithAutoApprove answers every tool and command ask with yes without reading input.
func WithAutoApprove(enabled bool) TerminalOption {
	return func(t *Terminal) {
		t.autoApprove = enabled
	}
}

// NewTerminal creates a terminal host. Answers are read line by line from in.
func NewTerminal(in io.Reader, out io.Writer, opts ...TerminalOption) *Terminal {
	t := &Terminal{
		out:       out,
		lines:     make(chan string),
		abort:     make(chan struct{}),
		logger:    logx.NewLogger("host"),
		lastState: make(map[int64]proto.ApprovalState),
	}
	if f, ok := out.(*os.File); ok {
		t.color = term.IsTerminal(int(f.Fd()))
	}
	for _, opt := range opts {
		opt(t)
	}

	go t.readLines(in)
	return t
}

// NewStdTerminal creates a terminal host on stdin and stdout.
func NewStdTerminal(opts ...TerminalOption) *Terminal {
	return NewTerminal(os.Stdin, os.Stdout, opts...)
}

func (t *Terminal) readLines(in io.Reader) {
	defer close(t.lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		t.lines <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		t.logger.Warn("input closed: %v", err)
	}
}

// Ask prints the question and waits for one input line.
func (t *Terminal) Ask(ctx context.Context, kind proto.AskKind, payload proto.AskPayload, ts int64) (proto.AskResponse, error) {
	t.printAsk(kind, payload)

	if t.autoApprove && (kind == proto.AskTool || kind == proto.AskCommand) {
		t.printf("  → auto-approved\n")
		return proto.Yes(), nil
	}

	t.printf("%s ", t.paint("36", "[y/n/message]>"))

	t.mu.Lock()
	abort := t.abort
	t.mu.Unlock()

	select {
	case line, ok := <-t.lines:
		if !ok {
			return proto.No(), io.EOF
		}
		return ParseAnswer(line), nil
	case <-abort:
		t.printf("\n")
		return proto.No(), ErrAskAborted
	case <-ctx.Done():
		return proto.No(), ctx.Err()
	}
}

// UpdateAsk prints approval state changes of tool asks. Partial content updates are not echoed.
func (t *Terminal) UpdateAsk(_ context.Context, kind proto.AskKind, payload proto.AskPayload, ts int64) error {
	if kind != proto.AskTool || payload.Tool == nil {
		return nil
	}

	t.mu.Lock()
	prev := t.lastState[ts]
	if payload.Tool.ApprovalState.IsTerminal() {
		// A terminal ask is never updated again.
		delete(t.lastState, ts)
	} else {
		t.lastState[ts] = payload.Tool.ApprovalState
	}
	t.mu.Unlock()

	if prev == payload.Tool.ApprovalState {
		return nil
	}
	switch payload.Tool.ApprovalState {
	case proto.ApprovalLoading:
		t.printf("%s %s...\n", t.paint("33", "⏳"), payload.Tool.Name)
	case proto.ApprovalApproved:
		t.printf("%s %s\n", t.paint("32", "✅"), payload.Tool.Name)
	case proto.ApprovalRejected:
		t.printf("%s %s rejected\n", t.paint("31", "🚫"), payload.Tool.Name)
	case proto.ApprovalError:
		t.printf("%s %s failed\n", t.paint("31", "❌"), payload.Tool.Name)
	}
	return nil
}

// AbortPendingAsks unblocks every outstanding Ask.
func (t *Terminal) AbortPendingAsks() {
	t.mu.Lock()
	defer t.mu.Unlock()
	close(t.abort)
	t.abort = make(chan struct{})
}

// Say prints a notification.
func (t *Terminal) Say(_ context.Context, kind proto.SayKind, text string, images []string, opts proto.SayOptions) (int64, error) {
	prefix := ""
	if opts.SubAgent {
		prefix = "  ↳ "
	}
	switch kind {
	case proto.SayText, proto.SayCompletion:
		t.printf("%s%s\n", prefix, text)
	case proto.SayError, proto.SayUnauthorized, proto.SayPaymentRequired:
		t.printf("%s%s %s\n", prefix, t.paint("31", "❌"), text)
	case proto.SayAPIReqStarted, proto.SayAPIReqRetried:
		logx.Debug(context.Background(), "host", "%s: %s", kind, text)
	default:
		t.printf("%s%s\n", prefix, t.paint("90", text))
	}
	if len(images) > 0 {
		t.printf("%s(%d image(s) attached)\n", prefix, len(images))
	}
	return opts.Ts, nil
}

// UpdateSay prints request metrics once a request has finished.
func (t *Terminal) UpdateSay(_ context.Context, kind proto.SayKind, text string, _ int64) error {
	if kind == proto.SayAPIReqStarted && text != "" {
		t.printf("%s\n", t.paint("90", text))
	}
	return nil
}

func (t *Terminal) printAsk(kind proto.AskKind, payload proto.AskPayload) {
	switch {
	case payload.Tool != nil:
		t.printf("\n%s %s\n", t.paint("35", "🔧 Tool request:"), payload.Tool.Name)
		for k, v := range payload.Tool.Params {
			if k == "content" {
				continue
			}
			t.printf("  %s: %s\n", k, v)
		}
		if payload.Diff != "" {
			t.printf("%s\n", payload.Diff)
		}
	case payload.Question != "":
		t.printf("\n%s %s\n", t.paint("35", "❓"), payload.Question)
	default:
		t.printf("\n%s %s\n", t.paint("35", "❓"), kind)
	}
}

func (t *Terminal) printf(format string, args ...any) {
	fmt.Fprintf(t.out, format, args...)
}

func (t *Terminal) paint(code, s string) string {
	if !t.color {
		return s
	}
	return "\x1b[" + code + "m" + s + "\x1b[0m"
}

// ParseAnswer maps a typed line to a response: empty or y/yes approve, n/no decline,
// anything else is a message.
func ParseAnswer(line string) proto.AskResponse {
	trimmed := strings.TrimSpace(line)
	switch strings.ToLower(trimmed) {
	case "", "y", "yes":
		return proto.Yes()
	case "n", "no":
		return proto.No()
	default:
		return proto.Message(trimmed)
	}
}
