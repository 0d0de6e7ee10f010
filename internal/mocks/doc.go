// Package mocks provides shared mock implementations for testing.
//
// This package contains scripted stand-ins for the engine's external collaborators
// (the model stream and the user-facing host) that can be used by any package's tests.
//
// # Usage
//
//	import "github.com/jasonkneen/claude-coder/internal/mocks"
//
//	func TestSomething(t *testing.T) {
//	    model := mocks.NewMockModelClient()
//	    model.StreamText("Let me look.", "<read_file><path>a.ts</path></read_file>")
//
//	    h := mocks.NewMockHost()
//	    h.Answer(proto.AskTool, proto.Yes())
//	    // Use model and h in test...
//	}
//
// # Available Mocks
//
//   - MockModelClient: Mock for pkg/llm.Client
//   - MockHost: Mock for pkg/host.Host
package mocks
