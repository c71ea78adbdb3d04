// Package executor defines the contract between the job worker and the code
// that performs plugin operations.
//
// Executors receive a context that is cancelled when the job's cancellation
// is requested. An executor that never checks its context cannot be
// cancelled; the worker does not interrupt it.
package executor

import (
	"context"
	"fmt"
	"plugin-jobs/internal/models"
	"sort"
)

// NoPercent marks a progress message that carries no percentage
const NoPercent = -1

// ProgressFunc reports progress during execution. percent is 0-100, or
// NoPercent for a plain log line.
type ProgressFunc func(message string, percent int)

// Request carries the action-specific parameters of a job
type Request struct {
	PluginName string
	URL        string
	Options    map[string]any
}

// Executor performs one plugin action
type Executor interface {
	Execute(ctx context.Context, action models.Action, req Request, progress ProgressFunc) (map[string]any, error)
}

// HandlerFunc performs a single action
type HandlerFunc func(ctx context.Context, req Request, progress ProgressFunc) (map[string]any, error)

// Error is a structured executor failure. Code ends up in the job's error.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds an Error with a formatted message
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Registry maps actions to handlers
type Registry struct {
	handlers map[models.Action]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.Action]HandlerFunc)}
}

func (r *Registry) Register(action models.Action, h HandlerFunc) {
	r.handlers[action] = h
}

// Actions returns the registered actions in sorted order
func (r *Registry) Actions() []models.Action {
	actions := make([]models.Action, 0, len(r.handlers))
	for a := range r.handlers {
		actions = append(actions, a)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })
	return actions
}

// Execute dispatches to the handler registered for action
func (r *Registry) Execute(ctx context.Context, action models.Action, req Request, progress ProgressFunc) (map[string]any, error) {
	h, ok := r.handlers[action]
	if !ok {
		return nil, Errorf("unsupported_action", "no handler registered for %q (supported: %v)", action, r.Actions())
	}
	if progress == nil {
		progress = func(string, int) {}
	}
	return h(ctx, req, progress)
}
