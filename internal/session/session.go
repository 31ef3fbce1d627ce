// Package session 提供执行会话及其事件日志的存储。
//
// 会话只有"存在/不存在"两种状态；日志只追加、按插入顺序返回。对不存在的会话
// 调用 GetLogs 返回空列表而不是错误，调用方需要区分"还没有日志"与"会话不存在"
// 时应使用 Exists。
package session

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentForge/internal/errors"
)

// 事件类型。
const (
	EventExecutionStarted   = "execution_started"
	EventToolCall           = "tool_call"
	EventGuardrailTriggered = "guardrail_triggered"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
)

// Message 是会话中的一条对话消息。
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session 是一个逻辑上的对话线程。
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Messages  []Message `json:"messages"`
}

// LogEvent 是会话内的一条执行事件。
type LogEvent struct {
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// Store 定义会话存储的生命周期操作。
type Store interface {
	// GetOrCreate 返回已存在的会话；id 为空或会话不存在时创建新会话。
	GetOrCreate(ctx context.Context, id string) (*Session, error)
	Exists(ctx context.Context, id string) (bool, error)
	AppendMessage(ctx context.Context, id string, msg Message) error
	AppendLog(ctx context.Context, id string, event LogEvent) error
	GetLogs(ctx context.Context, id string) ([]LogEvent, error)
	Delete(ctx context.Context, id string) error
}

// NewID 生成新的会话 ID。
func NewID() string {
	return uuid.NewString()
}

// ErrNotFound 表示会话不存在。
var ErrNotFound = xerrors.New(xerrors.CodeNotFound, "会话不存在")

func normalizeID(id string) string {
	return strings.TrimSpace(id)
}
