package orchestrator

import (
	"context"

	"github.com/ShayCichocki/autopilot/internal/router"
	"github.com/ShayCichocki/autopilot/pkg/models"
)

// ExecutionRequest is one dispatch handed to the execution backend.
type ExecutionRequest struct {
	Task  *models.Task
	Agent models.Agent
	Lease *router.Lease
	// Research asks the backend to explore before changing anything.
	Research      bool
	CorrelationID string
}

// ExecutionResult is what the backend reports for one dispatch.
type ExecutionResult struct {
	Success bool
	Summary string
	// Detail is raw diagnostic output, recorded with failures.
	Detail    string
	TokensIn  int64
	TokensOut int64
}

// Executor runs a task on the execution backend. Returning an error means
// the backend could not be reached or refused the call; a completed call
// that did not accomplish the task returns a result with Success false.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	return f(ctx, req)
}
