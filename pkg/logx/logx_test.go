package logx

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(nil) })
	return &buf
}

func TestLogFormat(t *testing.T) {
	buf := captureLogs(t)

	logger := NewLogger("task-1234")
	logger.Info("Test message with %s", "formatting")

	output := buf.String()
	for _, want := range []string{"[task-1234]", "INFO", "Test message with formatting"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %q in output, got: %s", want, output)
		}
	}
	if !strings.HasPrefix(output, "[20") {
		t.Errorf("Expected timestamp prefix, got: %s", output)
	}
}

func TestDebugGatedByConfig(t *testing.T) {
	buf := captureLogs(t)
	SetDebug(false)
	t.Cleanup(func() { SetDebug(false) })

	logger := NewLogger("engine")
	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("Expected no debug output when disabled, got: %s", buf.String())
	}

	SetDebug(true)
	logger.Debug("shown")
	if !strings.Contains(buf.String(), "DEBUG: shown") {
		t.Errorf("Expected debug output, got: %s", buf.String())
	}
}

func TestDomainFiltering(t *testing.T) {
	buf := captureLogs(t)
	SetDebug(true)
	SetDebugDomains([]string{"stream"})
	t.Cleanup(func() {
		SetDebug(false)
		SetDebugDomains(nil)
	})

	ctx := WithTaskID(context.Background(), "task-abc")
	Debug(ctx, "tools", "filtered out")
	Debug(ctx, "stream", "chunk %d", 3)

	output := buf.String()
	if strings.Contains(output, "filtered out") {
		t.Errorf("Expected tools domain to be filtered, got: %s", output)
	}
	if !strings.Contains(output, "[task-abc]") || !strings.Contains(output, "[stream] chunk 3") {
		t.Errorf("Expected stream debug line with task id, got: %s", output)
	}

	if !IsDebugEnabledForDomain("stream") || IsDebugEnabledForDomain("tools") {
		t.Error("Domain enablement does not match configuration")
	}
}

func TestTaskIDFromDefaults(t *testing.T) {
	if got := TaskIDFrom(context.Background()); got != "unknown" {
		t.Errorf("Expected unknown, got %s", got)
	}
}

func TestErrorfLogsAndWraps(t *testing.T) {
	buf := captureLogs(t)

	base := errors.New("boom")
	err := Errorf("open db: %w", base)
	if !errors.Is(err, base) {
		t.Errorf("Expected wrapped error to match base")
	}
	if err.Error() != "open db: boom" {
		t.Errorf("Unexpected message: %s", err.Error())
	}
	if !strings.Contains(buf.String(), "ERROR: open db: boom") {
		t.Errorf("Expected error line, got: %s", buf.String())
	}
}
