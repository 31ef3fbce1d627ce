// Package activity 记录面向审计的用户活动。
//
// 每次执行结束都会产生一条活动记录：成功、护栏触发或失败。记录可以写入审计
// 日志、投递到 RabbitMQ，或者通过 Multi 同时写入多个目标。
package activity

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"AgentForge/pkg/logger"
)

// 活动类型。
const (
	TypeAgentExecuted           = "agent_executed"
	TypeAgentGuardrailTriggered = "agent_guardrail_triggered"
	TypeAgentExecutionFailed    = "agent_execution_failed"
)

// Activity 是一条审计活动。
type Activity struct {
	UserID     string         `json:"user_id,omitempty"`
	Type       string         `json:"type"`
	Summary    string         `json:"summary"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Recorder 持久化活动记录。
type Recorder interface {
	LogActivity(ctx context.Context, activity Activity) error
}

// LogRecorder 将活动写入审计日志流。
type LogRecorder struct{}

// LogActivity 实现 Recorder。
func (LogRecorder) LogActivity(_ context.Context, a Activity) error {
	attrs := []any{
		slog.String("type", a.Type),
		slog.String("user_id", a.UserID),
		slog.Time("occurred_at", stamp(a.OccurredAt)),
	}
	if len(a.Metadata) > 0 {
		attrs = append(attrs, slog.Any("metadata", a.Metadata))
	}
	logger.Audit().Info(a.Summary, attrs...)
	return nil
}

// Multi 依次写入所有 Recorder，任何一个失败都不会阻止后续写入。
type Multi []Recorder

// LogActivity 实现 Recorder，返回所有失败的合并错误。
func (m Multi) LogActivity(ctx context.Context, a Activity) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.LogActivity(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
