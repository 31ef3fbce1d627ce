// Package guardrail runs an execution unit under timeout and tool-call limits.
//
// Limits are enforced through a ToolInvoker installed for one run only. The
// unit itself is never modified, so a unit borrowed from the cache is clean
// for the next execution whatever the outcome of this one.
package guardrail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"AgentForge/internal/blueprint"
	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/unit"
	"AgentForge/pkg/logger"
)

// Kind names the guardrail that fired. The values are what callers see in
// guardrails_triggered.
type Kind string

const (
	KindTimeout      Kind = "timeout_seconds"
	KindMaxToolCalls Kind = "max_tool_calls"
)

const (
	DefaultMaxToolCalls = 10
	DefaultTimeout      = 120 * time.Second
	previewLength       = 200
)

// Violation reports a guardrail that stopped the run.
type Violation struct {
	Kind  Kind
	Limit string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("guardrail %s exceeded (limit %s)", v.Kind, v.Limit)
}

// Halt marks the violation as run-terminating for the unit runtime.
func (v *Violation) Halt() bool { return true }

// Is lets errors.Is match any violation against the guardrail error code.
func (v *Violation) Is(target error) bool {
	var coded *xerrors.Error
	return errors.As(target, &coded) && coded.Code() == xerrors.CodeGuardrailViolation
}

// AsViolation extracts a Violation from err.
func AsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// ToolCallLog records one tool invocation.
type ToolCallLog struct {
	ToolName      string             `json:"tool_name"`
	ToolType      blueprint.ToolType `json:"tool_type"`
	Args          map[string]any     `json:"args,omitempty"`
	DurationMs    int64              `json:"duration_ms"`
	Success       bool               `json:"success"`
	ResultPreview string             `json:"result_preview,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// Limits bounds one run. Zero fields fall back to the enforcer defaults.
type Limits struct {
	MaxToolCalls int
	Timeout      time.Duration
}

// Run is the outcome of a guarded execution.
type Run struct {
	Output    *unit.Output
	ToolCalls []ToolCallLog
}

// Response returns the final text, empty when the run failed.
func (r *Run) Response() string {
	if r == nil || r.Output == nil {
		return ""
	}
	return r.Output.Response
}

// Enforcer applies guardrails around unit runs. It is safe for concurrent use.
type Enforcer struct {
	defaults Limits
	log      *slog.Logger
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithDefaults sets the limits used when a run does not specify its own.
func WithDefaults(limits Limits) Option {
	return func(e *Enforcer) {
		if limits.MaxToolCalls > 0 {
			e.defaults.MaxToolCalls = limits.MaxToolCalls
		}
		if limits.Timeout > 0 {
			e.defaults.Timeout = limits.Timeout
		}
	}
}

// New creates an Enforcer.
func New(opts ...Option) *Enforcer {
	e := &Enforcer{
		defaults: Limits{MaxToolCalls: DefaultMaxToolCalls, Timeout: DefaultTimeout},
		log:      logger.Named("guardrail"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Resolve fills zero fields of limits from the defaults.
func (e *Enforcer) Resolve(limits Limits) Limits {
	if limits.MaxToolCalls <= 0 {
		limits.MaxToolCalls = e.defaults.MaxToolCalls
	}
	if limits.Timeout <= 0 {
		limits.Timeout = e.defaults.Timeout
	}
	return limits
}

// RunGuarded runs u with in, rejecting tool call N+1 and abandoning the run at
// the deadline. onCall, when set, receives every completed ToolCallLog in
// order; it is not called for calls that complete after a timeout.
//
// On a max_tool_calls violation the returned Run carries exactly the N logs
// that were allowed. On timeout the partial logs are discarded and Run is nil.
func (e *Enforcer) RunGuarded(ctx context.Context, u unit.Unit, in unit.Input, limits Limits, onCall func(ToolCallLog)) (*Run, error) {
	limits = e.Resolve(limits)

	ctx, span := otel.Tracer("AgentForge/guardrail").Start(ctx, "guardrail.Run")
	defer span.End()
	span.SetAttributes(
		attribute.Int("guardrail.max_tool_calls", limits.MaxToolCalls),
		attribute.Float64("guardrail.timeout_seconds", limits.Timeout.Seconds()),
	)

	g := &guard{max: limits.MaxToolCalls, inner: in.Invoker, onCall: onCall}
	if g.inner == nil {
		g.inner = unit.Direct
	}
	in.Invoker = g

	runCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	type result struct {
		out *unit.Output
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: xerrors.Newf(xerrors.CodeUnexpected, "unit panicked: %v", r)}
			}
		}()
		out, err := u.Run(runCtx, in)
		done <- result{out: out, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-runCtx.Done():
		g.seal()
		if ctx.Err() != nil {
			span.SetStatus(codes.Error, "cancelled")
			return nil, ctx.Err()
		}
		return nil, e.timeout(span, limits)
	}

	logs, exceeded := g.finish()
	if v, ok := AsViolation(res.err); ok {
		if v.Kind == KindTimeout {
			return nil, e.timeout(span, limits)
		}
		e.recordViolation(span, v)
		return &Run{ToolCalls: logs}, v
	}
	if res.err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, e.timeout(span, limits)
	}
	if exceeded || len(logs) > limits.MaxToolCalls {
		if len(logs) > limits.MaxToolCalls {
			logs = logs[:limits.MaxToolCalls]
		}
		v := &Violation{Kind: KindMaxToolCalls, Limit: fmt.Sprint(limits.MaxToolCalls)}
		e.recordViolation(span, v)
		return &Run{ToolCalls: logs}, v
	}
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		return &Run{ToolCalls: logs}, res.err
	}
	span.SetAttributes(attribute.Int("guardrail.tool_calls", len(logs)))
	return &Run{Output: res.out, ToolCalls: logs}, nil
}

func (e *Enforcer) timeout(span trace.Span, limits Limits) error {
	v := &Violation{Kind: KindTimeout, Limit: limits.Timeout.String()}
	e.recordViolation(span, v)
	return v
}

func (e *Enforcer) recordViolation(span trace.Span, v *Violation) {
	span.SetStatus(codes.Error, string(v.Kind))
	span.SetAttributes(attribute.String("guardrail.violation", string(v.Kind)))
	e.log.Warn("guardrail triggered", slog.String("kind", string(v.Kind)), slog.String("limit", v.Limit))
}

// guard is the per-run ToolInvoker that counts, times and logs tool calls.
type guard struct {
	inner  unit.ToolInvoker
	onCall func(ToolCallLog)
	max    int

	mu       sync.Mutex
	attempts int
	exceeded bool
	sealed   bool
	logs     []ToolCallLog
}

func (g *guard) Invoke(ctx context.Context, tool unit.Tool, args map[string]any) (string, error) {
	g.mu.Lock()
	if g.sealed {
		g.mu.Unlock()
		return "", &Violation{Kind: KindTimeout, Limit: "run abandoned"}
	}
	g.attempts++
	if g.attempts > g.max {
		g.exceeded = true
		g.mu.Unlock()
		return "", &Violation{Kind: KindMaxToolCalls, Limit: fmt.Sprint(g.max)}
	}
	g.mu.Unlock()

	start := time.Now()
	result, err := g.inner.Invoke(ctx, tool, args)
	entry := ToolCallLog{
		ToolName:   tool.Name(),
		ToolType:   tool.Type(),
		Args:       args,
		DurationMs: time.Since(start).Milliseconds(),
		Success:    err == nil,
	}
	if err != nil {
		entry.Error = xerrors.Summary(err)
	} else {
		entry.ResultPreview = preview(result)
	}

	g.mu.Lock()
	if g.sealed {
		g.mu.Unlock()
		return result, err
	}
	g.logs = append(g.logs, entry)
	g.mu.Unlock()

	if g.onCall != nil {
		g.onCall(entry)
	}
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeToolError, err, fmt.Sprintf("tool %s failed", tool.Name()))
	}
	return result, nil
}

func (g *guard) seal() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sealed = true
	g.logs = nil
}

func (g *guard) finish() ([]ToolCallLog, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sealed = true
	return append([]ToolCallLog(nil), g.logs...), g.exceeded
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewLength {
		return s
	}
	return string(r[:previewLength]) + "…"
}
