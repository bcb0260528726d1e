// Package mock provides an in-memory test double for the [tools.Host]
// interface.
//
// [Host] records every method call for assertion in tests and exposes
// exported fields that control what the mock returns. It is safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	h := &mock.Host{NavigateResult: "Navigating to studio."}
//	d := tools.New(h)
//	d.Dispatch(ctx, live.FunctionCall{Name: "navigateTo", Args: []byte(`{"page":"studio"}`)})
//
//	if got := h.CallCount("Navigate"); got != 1 {
//	    t.Errorf("expected 1 Navigate call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/kineo-ai/kineo/internal/tools"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Host is a configurable test double for [tools.Host].
type Host struct {
	mu sync.Mutex

	calls []Call

	// ──── Navigate ─────────────────────────────────────────────────────────

	// NavigateResult is returned by [Host.Navigate].
	NavigateResult string

	// NavigateErr is returned by [Host.Navigate] when non-nil.
	NavigateErr error

	// ──── CreateProject ────────────────────────────────────────────────────

	// CreateProjectResult is returned by [Host.CreateProject].
	CreateProjectResult string

	// CreateProjectErr is returned by [Host.CreateProject] when non-nil.
	CreateProjectErr error

	// ──── StartVideoForProject ─────────────────────────────────────────────

	// StartVideoResult is returned by [Host.StartVideoForProject].
	StartVideoResult string

	// StartVideoErr is returned by [Host.StartVideoForProject] when non-nil.
	StartVideoErr error

	// PanicWith, when non-nil, makes every method panic with this value.
	PanicWith any
}

var _ tools.Host = (*Host)(nil)

// Navigate records the call.
func (h *Host) Navigate(_ context.Context, page string) (string, error) {
	h.record("Navigate", page)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.PanicWith != nil {
		panic(h.PanicWith)
	}
	return h.NavigateResult, h.NavigateErr
}

// CreateProject records the call.
func (h *Host) CreateProject(_ context.Context, args tools.CreateProjectArgs) (string, error) {
	h.record("CreateProject", args)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.PanicWith != nil {
		panic(h.PanicWith)
	}
	return h.CreateProjectResult, h.CreateProjectErr
}

// StartVideoForProject records the call.
func (h *Host) StartVideoForProject(_ context.Context, projectName string) (string, error) {
	h.record("StartVideoForProject", projectName)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.PanicWith != nil {
		panic(h.PanicWith)
	}
	return h.StartVideoResult, h.StartVideoErr
}

// Calls returns a copy of all recorded method invocations.
func (h *Host) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Call(nil), h.calls...)
}

// CallCount returns how many times method was invoked.
func (h *Host) CallCount(method string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (h *Host) record(method string, args ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Method: method, Args: args})
}
