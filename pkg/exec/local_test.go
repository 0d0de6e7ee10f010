package exec

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLocalExecBasicCommand(t *testing.T) {
	executor := NewLocalExec()

	result, err := executor.Run(context.Background(), ShellCommand("echo hello"), nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %d", result.ExitCode)
	}
	if strings.TrimSpace(result.Stdout) != "hello" {
		t.Errorf("Expected stdout 'hello', got %q", result.Stdout)
	}
}

func TestLocalExecNonZeroExitIsNotAnError(t *testing.T) {
	executor := NewLocalExec()

	result, err := executor.Run(context.Background(), ShellCommand("echo oops >&2; exit 3"), nil)
	if err != nil {
		t.Fatalf("Expected no error for non-zero exit, got %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", result.ExitCode)
	}
	if !strings.Contains(result.Stderr, "oops") {
		t.Errorf("Expected stderr to contain 'oops', got %q", result.Stderr)
	}
}

func TestLocalExecWorkDirAndEnv(t *testing.T) {
	executor := NewLocalExec()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	opts := DefaultOpts(dir)
	opts.Env = []string{"CODER_TEST_VALUE=42"}
	result, err := executor.Run(context.Background(), ShellCommand("ls; echo $CODER_TEST_VALUE"), &opts)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.Contains(result.Stdout, "marker.txt") || !strings.Contains(result.Stdout, "42") {
		t.Errorf("Unexpected stdout %q", result.Stdout)
	}
}

func TestLocalExecMissingWorkDir(t *testing.T) {
	executor := NewLocalExec()
	opts := DefaultOpts("/definitely/not/here")
	if _, err := executor.Run(context.Background(), ShellCommand("true"), &opts); err == nil {
		t.Error("Expected error for missing working directory")
	}
}

func TestLocalExecTimeout(t *testing.T) {
	executor := NewLocalExec()
	opts := Opts{Timeout: 50 * time.Millisecond}

	result, err := executor.Run(context.Background(), ShellCommand("sleep 5"), &opts)
	if err == nil {
		t.Fatal("Expected timeout error")
	}
	if result.ExitCode != -1 {
		t.Errorf("Expected exit code -1, got %d", result.ExitCode)
	}
}

func TestLocalExecTruncatesOutput(t *testing.T) {
	executor := NewLocalExec()
	opts := Opts{MaxOutputBytes: 10}

	result, err := executor.Run(context.Background(), ShellCommand("printf 'abcdefghijklmnopqrstuvwxyz'"), &opts)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.Stdout != "abcdefghij" || !result.Truncated {
		t.Errorf("Expected truncated output, got %q truncated=%v", result.Stdout, result.Truncated)
	}
}

func TestLocalExecEmptyCommand(t *testing.T) {
	if _, err := NewLocalExec().Run(context.Background(), nil, nil); err == nil {
		t.Error("Expected error for empty command")
	}
}
