// Package orchestrator 负责一次智能体执行的完整生命周期：解析凭据、预检余额、
// 取得执行计划、绑定会话、在护栏下运行、结算积分并记录审计活动。
//
// Execute 从不向调用方返回错误，所有失败都折叠进 Result。
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"AgentForge/internal/activity"
	"AgentForge/internal/blueprint"
	"AgentForge/internal/cache"
	"AgentForge/internal/compiler"
	"AgentForge/internal/credits"
	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/guardrail"
	"AgentForge/internal/llm"
	"AgentForge/internal/observability/alerting"
	"AgentForge/internal/observability/metrics"
	"AgentForge/internal/secrets"
	"AgentForge/internal/session"
	"AgentForge/internal/unit"
	"AgentForge/pkg/logger"
)

// DefaultMinimumEstimate 是执行前要求的最低余额。
const DefaultMinimumEstimate int64 = 10

const defaultProvider = "openai"

// 账本暂时性故障（如死锁）时的结算重试次数与退避基数。
const (
	commitAttempts       = 3
	defaultCommitBackoff = 100 * time.Millisecond
)

// 执行结果分类，用于指标。
const (
	outcomeSuccess   = "success"
	outcomeGuardrail = "guardrail"
	outcomeFailure   = "failure"
)

// Request 是一次执行请求。Credentials 为空时使用编排器配置的凭据源。
type Request struct {
	Description *blueprint.Description
	Message     string
	SessionID   string
	UserID      string
	Credentials secrets.Source
}

// Result 是一次执行的结果。GuardrailsTriggered 非空时 Success 必为 false。
type Result struct {
	Success             bool                    `json:"success"`
	Response            string                  `json:"response,omitempty"`
	Error               string                  `json:"error,omitempty"`
	ErrorCode           xerrors.Code            `json:"error_code,omitempty"`
	SessionID           string                  `json:"session_id"`
	ToolCalls           []guardrail.ToolCallLog `json:"tool_calls"`
	GuardrailsTriggered []string                `json:"guardrails_triggered"`
	TotalLatencyMs      int64                   `json:"total_latency_ms"`
	CreditsCharged      int                     `json:"credits_charged"`
	BillingError        string                  `json:"billing_error,omitempty"`
}

// Orchestrator 串联编译、缓存、会话、护栏与计费。它可被多个请求并发使用，
// 每次执行的 Tracker 与工作副本都是独占的。
type Orchestrator struct {
	builder         compiler.Builder
	sessions        session.Store
	cache           *cache.Cache
	cacheTTL        time.Duration
	enforcer        *guardrail.Enforcer
	ledger          credits.Ledger
	secrets         secrets.Source
	defaults        secrets.Defaults
	activity        activity.Recorder
	alerts          alerting.Dispatcher
	metrics         *metrics.Collector
	minimumEstimate int64
	commitBackoff   time.Duration
	now             func() time.Time
	log             *slog.Logger
}

// Option 配置 Orchestrator。
type Option func(*Orchestrator)

// WithCache 设置执行计划缓存与写入 TTL。
func WithCache(c *cache.Cache, ttl time.Duration) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.cache = c
		}
		o.cacheTTL = ttl
	}
}

// WithEnforcer 替换护栏执行器。
func WithEnforcer(e *guardrail.Enforcer) Option {
	return func(o *Orchestrator) {
		if e != nil {
			o.enforcer = e
		}
	}
}

// WithLedger 设置积分账本。未设置时跳过余额预检与结算。
func WithLedger(l credits.Ledger) Option {
	return func(o *Orchestrator) {
		o.ledger = l
	}
}

// WithSecrets 设置用户凭据源与进程级默认凭据。
func WithSecrets(src secrets.Source, defaults secrets.Defaults) Option {
	return func(o *Orchestrator) {
		o.secrets = src
		o.defaults = defaults
	}
}

// WithActivity 设置审计活动记录器。
func WithActivity(r activity.Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.activity = r
		}
	}
}

// WithAlerts 设置结算失败时的告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.alerts = d
	}
}

// WithMetrics 替换指标收集器。
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.metrics = c
		}
	}
}

// WithMinimumEstimate 设置执行前的最低余额要求。
func WithMinimumEstimate(n int64) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.minimumEstimate = n
		}
	}
}

// WithClock 替换时间源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New 创建 Orchestrator。
func New(builder compiler.Builder, sessions session.Store, opts ...Option) (*Orchestrator, error) {
	if builder == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排器缺少编译器")
	}
	if sessions == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排器缺少会话存储")
	}
	o := &Orchestrator{
		builder:         builder,
		sessions:        sessions,
		cache:           cache.Disabled(),
		cacheTTL:        cache.DefaultTTL,
		enforcer:        guardrail.New(),
		activity:        activity.LogRecorder{},
		metrics:         metrics.Default(),
		minimumEstimate: DefaultMinimumEstimate,
		commitBackoff:   defaultCommitBackoff,
		now:             time.Now,
		log:             logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// execution 保存单次执行的可变状态，只在一个 Execute 调用内使用。
type execution struct {
	req     Request
	work    *blueprint.Description
	key     *secrets.Buffer
	plan    *unit.Plan
	sess    *session.Session
	tracker *credits.Tracker
	result  *Result
	span    trace.Span
	log     *slog.Logger
}

// Execute 执行一次请求。无论在哪一步失败，返回的 Result 都带有 SessionID，
// 注入到工作副本中的密钥都会在返回前被清除。
func (o *Orchestrator) Execute(ctx context.Context, req Request) (result *Result) {
	start := o.now()
	ctx, span := otel.Tracer("AgentForge/orchestrator").Start(ctx, "orchestrator.Execute")
	defer span.End()

	ex := &execution{
		req:     req,
		tracker: credits.NewTracker(),
		result: &Result{
			SessionID:           strings.TrimSpace(req.SessionID),
			ToolCalls:           []guardrail.ToolCallLog{},
			GuardrailsTriggered: []string{},
		},
		span: span,
		log:  o.log.With(slog.String("user_id", req.UserID)),
	}
	result = ex.result

	defer func() {
		if r := recover(); r != nil {
			ex.log.Error("execution panicked", slog.Any("panic", r))
			o.fail(ctx, ex, xerrors.New(xerrors.CodeUnexpected, fmt.Sprintf("unexpected error: %v", r)))
		}
		ex.scrub()
		if result.SessionID == "" {
			result.SessionID = session.NewID()
		}
		elapsed := o.now().Sub(start)
		result.TotalLatencyMs = elapsed.Milliseconds()

		outcome := outcomeSuccess
		switch {
		case len(result.GuardrailsTriggered) > 0:
			outcome = outcomeGuardrail
		case !result.Success:
			outcome = outcomeFailure
		}
		mode := string(blueprint.ModeSingleAgent)
		if ex.plan != nil {
			mode = string(ex.plan.Kind)
		}
		o.metrics.ObserveExecution(mode, outcome, elapsed)
		span.SetAttributes(
			attribute.String("session.id", result.SessionID),
			attribute.String("execution.outcome", outcome),
			attribute.Int("execution.tool_calls", len(result.ToolCalls)),
		)
		if !result.Success {
			span.SetStatus(codes.Error, result.Error)
		}
	}()

	if req.Description == nil {
		o.fail(ctx, ex, xerrors.New(xerrors.CodeInvalidArgument, "description is required"))
		return result
	}
	ex.work = req.Description.Clone()
	ex.work.Normalize()
	span.SetAttributes(
		attribute.String("description.id", ex.work.ID),
		attribute.Int("description.version", ex.work.Version),
	)
	ex.log = ex.log.With(slog.String("description_id", ex.work.ID))

	if err := o.resolveCredentials(ctx, ex); err != nil {
		o.fail(ctx, ex, err)
		return result
	}
	if err := o.preflight(ctx, ex); err != nil {
		o.fail(ctx, ex, err)
		return result
	}

	plan, err := o.resolvePlan(ctx, ex.work)
	if err != nil {
		o.fail(ctx, ex, err)
		return result
	}
	ex.plan = plan

	u, err := o.builder.Instantiate(ctx, plan, compiler.Credentials{Provider: plan.Provider, Key: ex.key})
	if err != nil {
		o.fail(ctx, ex, err)
		return result
	}

	if err := o.bindSession(ctx, ex); err != nil {
		o.fail(ctx, ex, err)
		return result
	}

	o.run(ctx, ex, u)
	return result
}

// resolveCredentials 依次尝试工作副本上显式携带的密钥、用户凭据与进程级默认凭据。
func (o *Orchestrator) resolveCredentials(ctx context.Context, ex *execution) error {
	if ex.work.APIKey != "" {
		buf, err := secrets.NewBuffer([]byte(ex.work.APIKey))
		if err != nil {
			return xerrors.Wrap(xerrors.CodeConfiguration, err, "无法保存凭据")
		}
		ex.key = buf
		return nil
	}
	src := ex.req.Credentials
	if src == nil {
		src = o.secrets
	}
	buf, err := secrets.Resolve(ctx, src, o.defaults, ex.req.UserID, providerOf(ex.work))
	if err != nil {
		return err
	}
	ex.key = buf
	return nil
}

// preflight 在产生任何编译或运行成本之前检查余额。
func (o *Orchestrator) preflight(ctx context.Context, ex *execution) error {
	if ex.req.UserID == "" || o.ledger == nil {
		return nil
	}
	balance, err := o.ledger.Balance(ctx, ex.req.UserID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeLedgerFailure, err, "查询积分余额失败")
	}
	if balance < o.minimumEstimate {
		return xerrors.New(xerrors.CodeInsufficientCredits,
			fmt.Sprintf("insufficient credits: balance %d, at least %d required", balance, o.minimumEstimate),
			xerrors.WithMetadata("user_id", ex.req.UserID))
	}
	return nil
}

// resolvePlan 优先读取缓存，未命中时编译并写回。编译失败不写缓存。
func (o *Orchestrator) resolvePlan(ctx context.Context, desc *blueprint.Description) (*unit.Plan, error) {
	key := cache.Key{DescriptionID: desc.ID, Version: desc.Version}
	if plan, ok := o.cache.Get(ctx, key); ok {
		return plan, nil
	}
	plan, err := o.builder.Compile(ctx, desc)
	if err != nil {
		return nil, err
	}
	if err := o.cache.Set(ctx, key, plan, o.cacheTTL); err != nil {
		o.log.Warn("cache write failed", slog.String("description_id", desc.ID), slog.Any("error", err))
	}
	return plan, nil
}

// bindSession 取得或创建会话，并记录执行开始事件。
func (o *Orchestrator) bindSession(ctx context.Context, ex *execution) error {
	sess, err := o.sessions.GetOrCreate(ctx, ex.req.SessionID)
	if err != nil {
		return err
	}
	ex.sess = sess
	ex.result.SessionID = sess.ID
	ex.log = ex.log.With(slog.String("session_id", sess.ID))
	o.appendLog(ctx, ex, session.EventExecutionStarted, "execution started", map[string]any{
		"description_id": ex.plan.DescriptionID,
		"version":        ex.plan.Version,
		"mode":           string(ex.plan.Kind),
	})
	return nil
}

// conversationID 将会话与用户绑定，同一会话上的多次调用共享历史。
func (ex *execution) conversationID() string {
	owner := ex.req.UserID
	if owner == "" {
		owner = ex.sess.ID
	}
	return owner + ":" + ex.sess.ID
}

func (o *Orchestrator) run(ctx context.Context, ex *execution, u unit.Unit) {
	ex.tracker.TrackExecutionMode(ex.plan.Kind, ex.plan.AgentsCount())

	onCall := func(call guardrail.ToolCallLog) {
		ex.tracker.TrackToolCall(call.ToolType, call.ToolName, call.DurationMs, call.Success)
		o.metrics.ObserveToolCall(string(call.ToolType), call.Success)
		details := map[string]any{
			"tool":        call.ToolName,
			"type":        string(call.ToolType),
			"duration_ms": call.DurationMs,
			"success":     call.Success,
		}
		if call.Error != "" {
			details["error"] = call.Error
		}
		o.appendLog(ctx, ex, session.EventToolCall, "tool "+call.ToolName, details)
	}

	limits := guardrail.Limits{
		MaxToolCalls: ex.work.Guardrails.MaxToolCalls,
		Timeout:      time.Duration(ex.work.Guardrails.TimeoutSeconds) * time.Second,
	}
	in := unit.Input{
		Message:        ex.req.Message,
		History:        history(ex.sess),
		ConversationID: ex.conversationID(),
	}

	run, err := o.enforcer.RunGuarded(ctx, u, in, limits, onCall)
	if run != nil && run.ToolCalls != nil {
		ex.result.ToolCalls = run.ToolCalls
	}
	if v, ok := guardrail.AsViolation(err); ok {
		o.guardrailTriggered(ctx, ex, v)
		return
	}
	if err == nil && (run == nil || run.Output == nil) {
		err = xerrors.Wrap(xerrors.CodeUnexpected, unit.ErrNoResponse, "执行没有产生结果")
	}
	if err != nil {
		o.fail(ctx, ex, err)
		return
	}
	o.succeed(ctx, ex, run)
}

func (o *Orchestrator) succeed(ctx context.Context, ex *execution, run *guardrail.Run) {
	toolTypes := make([]blueprint.ToolType, 0, len(run.ToolCalls))
	for _, call := range run.ToolCalls {
		toolTypes = append(toolTypes, call.ToolType)
	}
	model := run.Output.Model
	if model == "" {
		model = ex.plan.Model.Name
	}
	ex.tracker.TrackLLMCall(model, run.Output.Usage, toolTypes)

	ex.result.Success = true
	ex.result.Response = run.Response()
	o.commit(ctx, ex)

	now := o.now().UTC()
	o.appendMessage(ctx, ex, session.Message{Role: string(llm.RoleUser), Content: ex.req.Message, Timestamp: now})
	o.appendMessage(ctx, ex, session.Message{Role: string(llm.RoleAssistant), Content: ex.result.Response, Timestamp: now})
	o.appendLog(ctx, ex, session.EventExecutionCompleted, "execution completed", map[string]any{
		"tool_calls":      len(ex.result.ToolCalls),
		"credits":         ex.tracker.GetTotal(),
		"credits_charged": ex.result.CreditsCharged,
		"total_tokens":    run.Output.Usage.Total(),
	})
	o.recordActivity(ctx, ex, activity.TypeAgentExecuted, fmt.Sprintf("executed %s", ex.plan.DescriptionID))
	ex.log.Info("execution completed",
		slog.Int("tool_calls", len(ex.result.ToolCalls)),
		slog.Int("credits", ex.tracker.GetTotal()))
}

// guardrailTriggered 只结算已经记录的执行模式与工具费用。
func (o *Orchestrator) guardrailTriggered(ctx context.Context, ex *execution, v *guardrail.Violation) {
	ex.result.Success = false
	ex.result.Error = v.Error()
	ex.result.ErrorCode = xerrors.CodeGuardrailViolation
	ex.result.GuardrailsTriggered = []string{string(v.Kind)}
	o.metrics.ObserveGuardrail(string(v.Kind))

	o.commit(ctx, ex)
	o.appendLog(ctx, ex, session.EventGuardrailTriggered, v.Error(), map[string]any{
		"kind":       string(v.Kind),
		"limit":      v.Limit,
		"tool_calls": len(ex.result.ToolCalls),
	})
	o.recordActivity(ctx, ex, activity.TypeAgentGuardrailTriggered,
		fmt.Sprintf("guardrail %s triggered on %s", v.Kind, ex.plan.DescriptionID))
	ex.log.Warn("guardrail triggered", slog.String("kind", string(v.Kind)), slog.String("limit", v.Limit))
}

// fail 把任意错误折叠为失败结果。
func (o *Orchestrator) fail(ctx context.Context, ex *execution, err error) {
	code := xerrors.CodeOf(err)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeUnexpected
	}
	ex.result.Success = false
	ex.result.Response = ""
	ex.result.Error = xerrors.Summary(err)
	ex.result.ErrorCode = code

	if ex.sess != nil {
		o.appendLog(ctx, ex, session.EventExecutionFailed, ex.result.Error, map[string]any{"code": string(code)})
	}
	if ex.plan != nil {
		o.recordActivity(ctx, ex, activity.TypeAgentExecutionFailed,
			fmt.Sprintf("execution of %s failed: %s", ex.plan.DescriptionID, ex.result.Error))
	}
	ex.span.RecordError(err)
	ex.log.Warn("execution failed", slog.String("code", string(code)), slog.String("error", ex.result.Error))
}

// commit 结算积分。结算失败不改变执行结果，只设置 BillingError 并发出告警。
func (o *Orchestrator) commit(ctx context.Context, ex *execution) {
	if ex.req.UserID == "" || o.ledger == nil {
		return
	}
	sessionID := ex.result.SessionID
	billingCtx := context.WithoutCancel(ctx)
	total := ex.tracker.GetTotal()
	tx, err := ex.tracker.Commit(billingCtx, o.ledger, ex.req.UserID, sessionID)
	for attempt := 1; err != nil && attempt < commitAttempts && xerrors.RetryableError(err); attempt++ {
		ex.log.Warn("credit commit retrying", slog.Int("attempt", attempt), slog.Any("error", err))
		time.Sleep(time.Duration(attempt) * o.commitBackoff)
		tx, err = ex.tracker.Commit(billingCtx, o.ledger, ex.req.UserID, sessionID)
	}
	if err != nil {
		ex.result.BillingError = xerrors.Summary(err)
		o.metrics.ObserveCommitFailure()
		ex.log.Error("credit commit failed", slog.Int("amount", total), slog.Any("error", err))
		if o.alerts != nil && xerrors.ShouldAlert(err) {
			event := alerting.EventFromError(err, ex.req.UserID, sessionID, total)
			if alertErr := o.alerts.Notify(billingCtx, event); alertErr != nil {
				ex.log.Error("alert dispatch failed", slog.Any("error", alertErr))
			}
		}
		return
	}
	ex.result.CreditsCharged = int(-tx.Amount)
	o.metrics.AddCredits(ex.result.CreditsCharged)
}

func (o *Orchestrator) recordActivity(ctx context.Context, ex *execution, typ, summary string) {
	if ex.req.UserID == "" || o.activity == nil {
		return
	}
	metadata := map[string]any{
		"session_id":     ex.result.SessionID,
		"description_id": ex.plan.DescriptionID,
		"version":        ex.plan.Version,
		"mode":           string(ex.plan.Kind),
		"tool_calls":     len(ex.result.ToolCalls),
		"credits":        ex.tracker.GetTotal(),
	}
	if len(ex.result.GuardrailsTriggered) > 0 {
		metadata["guardrails_triggered"] = ex.result.GuardrailsTriggered
	}
	err := o.activity.LogActivity(context.WithoutCancel(ctx), activity.Activity{
		UserID:     ex.req.UserID,
		Type:       typ,
		Summary:    summary,
		Metadata:   metadata,
		OccurredAt: o.now().UTC(),
	})
	if err != nil {
		ex.log.Warn("activity record failed", slog.String("type", typ), slog.Any("error", err))
	}
}

func (o *Orchestrator) appendLog(ctx context.Context, ex *execution, eventType, message string, details map[string]any) {
	if ex.sess == nil {
		return
	}
	err := o.sessions.AppendLog(context.WithoutCancel(ctx), ex.sess.ID, session.LogEvent{
		SessionID: ex.sess.ID,
		Timestamp: o.now().UTC(),
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
	if err != nil {
		ex.log.Warn("session log append failed", slog.String("event", eventType), slog.Any("error", err))
	}
}

func (o *Orchestrator) appendMessage(ctx context.Context, ex *execution, msg session.Message) {
	if err := o.sessions.AppendMessage(context.WithoutCancel(ctx), ex.sess.ID, msg); err != nil {
		ex.log.Warn("session message append failed", slog.Any("error", err))
	}
}

// scrub 清除工作副本与密钥缓冲区。
func (ex *execution) scrub() {
	if ex.work != nil {
		ex.work.ScrubSecret()
		ex.work = nil
	}
	if ex.key != nil {
		_ = ex.key.Close()
		ex.key = nil
	}
}

func providerOf(desc *blueprint.Description) string {
	if p := strings.TrimSpace(desc.Provider); p != "" {
		return p
	}
	for i := range desc.Members {
		if p := strings.TrimSpace(desc.Members[i].Provider); p != "" {
			return p
		}
	}
	return defaultProvider
}

func history(sess *session.Session) []llm.Message {
	if sess == nil || len(sess.Messages) == 0 {
		return nil
	}
	out := make([]llm.Message, 0, len(sess.Messages))
	for _, m := range sess.Messages {
		out = append(out, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
	}
	return out
}
