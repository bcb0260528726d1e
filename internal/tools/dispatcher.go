package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kineo-ai/kineo/internal/observe"
	"github.com/kineo-ai/kineo/pkg/provider/live"
)

// Stats is the per-tool call accounting kept by the dispatcher.
type Stats struct {
	Calls  int64
	Errors int64
	// Last is the duration of the most recent execution.
	Last time.Duration
}

// Dispatcher routes function calls to registered tools. It is safe for
// concurrent use.
type Dispatcher struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
	stats map[string]*Stats

	metrics *observe.Metrics
	logger  *slog.Logger
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithMetrics records tool call counters and latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the logger used for failed calls.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New returns a Dispatcher with the built-in tool set bound to host.
func New(host Host, opts ...Option) *Dispatcher {
	d := NewEmpty(opts...)
	for _, t := range Builtins(host) {
		// Builtins are statically valid.
		_ = d.Register(t)
	}
	return d
}

// NewEmpty returns a Dispatcher with no tools registered.
func NewEmpty(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		tools:  make(map[string]Tool),
		stats:  make(map[string]*Stats),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Register adds t, replacing any tool of the same name while keeping its
// position in the declaration order.
func (d *Dispatcher) Register(t Tool) error {
	if t.Declaration.Name == "" {
		return fmt.Errorf("tools: register: tool must have a non-empty name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: register: tool %q must have a non-nil handler", t.Declaration.Name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.tools[t.Declaration.Name]; !exists {
		d.order = append(d.order, t.Declaration.Name)
		d.stats[t.Declaration.Name] = &Stats{}
	}
	d.tools[t.Declaration.Name] = t
	return nil
}

// Declarations returns the model-facing declarations in registration order.
func (d *Dispatcher) Declarations() []live.FunctionDeclaration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]live.FunctionDeclaration, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.tools[name].Declaration)
	}
	return out
}

// Stats returns a snapshot of the accounting for name.
func (d *Dispatcher) Stats(name string) (Stats, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.stats[name]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}

// Dispatch executes call and returns its result. It never fails: any error
// is logged and replaced by [FailureText]. The returned result always
// carries the call's ID and Name.
func (d *Dispatcher) Dispatch(ctx context.Context, call live.FunctionCall) live.ToolResult {
	ctx, span := observe.StartSpan(ctx, "tools.dispatch",
		trace.WithAttributes(
			attribute.String("tool", call.Name),
			attribute.String("call_id", call.ID),
		),
	)

	start := time.Now()
	text, err := d.execute(ctx, call)
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
		text = FailureText
		d.logger.Warn("tool call failed",
			"tool", call.Name,
			"call_id", call.ID,
			"err", err,
		)
	}
	d.account(call.Name, elapsed, err != nil)
	d.metrics.RecordToolCall(ctx, call.Name, status, elapsed.Seconds())
	observe.EndSpan(span, err)

	return live.ToolResult{ID: call.ID, Name: call.Name, Result: text}
}

// DispatchAll runs calls sequentially in order, returning one result per
// call.
func (d *Dispatcher) DispatchAll(ctx context.Context, calls []live.FunctionCall) []live.ToolResult {
	results := make([]live.ToolResult, 0, len(calls))
	for _, c := range calls {
		results = append(results, d.Dispatch(ctx, c))
	}
	return results
}

func (d *Dispatcher) execute(ctx context.Context, call live.FunctionCall) (text string, err error) {
	d.mu.RLock()
	t, ok := d.tools[call.Name]
	d.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tools: %s panicked: %v", call.Name, r)
		}
	}()
	return t.Handler(ctx, call.Args)
}

func (d *Dispatcher) account(name string, elapsed time.Duration, failed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.stats[name]
	if !ok {
		return
	}
	s.Calls++
	if failed {
		s.Errors++
	}
	s.Last = elapsed
}
