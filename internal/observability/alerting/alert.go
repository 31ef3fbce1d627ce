// Package alerting 向运维渠道发送需要人工介入的事件，例如积分结算失败后的对账提醒。
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	xerrors "AgentForge/internal/errors"
	"AgentForge/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// ChannelLog 将告警写入错误日志与审计流。
const ChannelLog Channel = "log"

// Event 描述一次需要告警的事件。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	UserID     string
	SessionID  string
	Amount     int
	Metadata   map[string]string
	OccurredAt time.Time
}

// EventFromError 根据统一错误构造告警事件。
func EventFromError(err error, userID, sessionID string, amount int) Event {
	event := Event{
		Code:       xerrors.CodeOf(err),
		Message:    xerrors.Summary(err),
		Severity:   xerrors.SeverityOf(err),
		UserID:     userID,
		SessionID:  sessionID,
		Amount:     amount,
		OccurredAt: time.Now().UTC(),
	}
	if coded, ok := xerrors.From(err); ok {
		event.Metadata = coded.Metadata()
	}
	return event
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。同一渠道后注册的覆盖先注册的。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	channels := make([]string, 0, len(d.notifiers))
	for ch := range d.notifiers {
		channels = append(channels, string(ch))
	}
	sort.Strings(channels)

	var errs []error
	for _, ch := range channels {
		notifier := d.notifiers[Channel(ch)]
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier 将告警写入应用日志（错误级别）与审计流，便于对账脚本检索。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (LogNotifier) Channel() Channel { return ChannelLog }

// Notify 写日志。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("user_id", event.UserID),
		slog.String("session_id", event.SessionID),
		slog.Int("amount", event.Amount),
		slog.Time("occurred_at", event.OccurredAt),
	}
	if len(event.Metadata) > 0 {
		attrs = append(attrs, slog.Any("metadata", event.Metadata))
	}
	logger.Named("alerting").Error(event.Message, attrs...)
	logger.Audit().Warn("reconciliation_required", attrs...)
	return nil
}
