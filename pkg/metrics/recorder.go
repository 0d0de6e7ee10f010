// Package metrics provides Prometheus metrics for model requests and tool outcomes, and a query
// service that reads per-task totals back from a Prometheus server.
package metrics

import (
	"time"

	"github.com/jasonkneen/claude-coder/pkg/proto"
)

// Request outcome labels.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// RequestObservation describes one finished model request.
type RequestObservation struct {
	Usage     *proto.Usage
	Model     string
	TaskID    string
	Status    string // StatusSuccess, StatusError or StatusCancelled
	ErrorKind string // llmerrors kind name, empty on success
	Duration  time.Duration
}

// Recorder defines the interface for recording engine metrics.
type Recorder interface {
	// ObserveRequest records metrics for a finished model request.
	ObserveRequest(obs RequestObservation)

	// ObserveCompaction counts a history compaction triggered by a context overflow.
	ObserveCompaction(model, taskID string)

	// ObserveTool records the outcome of one tool invocation.
	ObserveTool(tool string, status proto.ToolStatus, duration time.Duration)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveRequest does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveRequest(RequestObservation) {}

// ObserveCompaction does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveCompaction(_, _ string) {}

// ObserveTool does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveTool(string, proto.ToolStatus, time.Duration) {}
