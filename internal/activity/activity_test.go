package activity

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentForge/pkg/logger"
)

type fakePublisher struct {
	exchange, key string
	msg           amqp.Publishing
	err           error
	closed        bool
}

func (f *fakePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return f.err
}

func (f *fakePublisher) Close() error {
	f.closed = true
	return nil
}

type memRecorder struct {
	got []Activity
	err error
}

func (m *memRecorder) LogActivity(_ context.Context, a Activity) error {
	m.got = append(m.got, a)
	return m.err
}

func TestAMQPRecorderPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	r := newAMQPRecorder(nil, pub, "agentforge.activity", "")
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	err := r.LogActivity(context.Background(), Activity{
		UserID: "u1", Type: TypeAgentExecuted, Summary: "ran agent",
		Metadata: map[string]any{"credits": 2}, OccurredAt: at,
	})
	require.NoError(t, err)
	assert.Equal(t, "agentforge.activity", pub.exchange)
	assert.Equal(t, "activity.agent_executed", pub.key)
	assert.Equal(t, "application/json", pub.msg.ContentType)
	assert.Equal(t, at, pub.msg.Timestamp)

	var decoded Activity
	require.NoError(t, json.Unmarshal(pub.msg.Body, &decoded))
	assert.Equal(t, "u1", decoded.UserID)
	assert.Equal(t, float64(2), decoded.Metadata["credits"])

	require.NoError(t, r.Close())
	assert.True(t, pub.closed)
}

func TestAMQPRecorderPublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("channel closed")}
	r := newAMQPRecorder(nil, pub, "x", "fixed.key")
	err := r.LogActivity(context.Background(), Activity{Type: TypeAgentExecutionFailed})
	require.ErrorContains(t, err, "channel closed")
	assert.Equal(t, "fixed.key", pub.key)
}

func TestNewAMQPRecorderRequiresURL(t *testing.T) {
	_, err := NewAMQPRecorder(AMQPConfig{})
	require.Error(t, err)
}

func TestMultiContinuesAfterFailure(t *testing.T) {
	first := &memRecorder{err: errors.New("down")}
	second := &memRecorder{}
	err := Multi{first, nil, second}.LogActivity(context.Background(), Activity{Type: TypeAgentGuardrailTriggered})
	require.ErrorContains(t, err, "down")
	assert.Len(t, first.got, 1)
	assert.Len(t, second.got, 1)
}

func TestLogRecorderWritesAuditStream(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.log")
	require.NoError(t, logger.Init(logger.Config{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{filepath.Join(dir, "app.log")},
		Audit:       logger.AuditConfig{Enabled: true, Path: auditPath},
	}))
	t.Cleanup(func() { _ = logger.Sync() })

	require.NoError(t, LogRecorder{}.LogActivity(context.Background(), Activity{
		UserID: "u1", Type: TypeAgentExecuted, Summary: "agent executed",
	}))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	assert.Contains(t, line, `"msg":"agent executed"`)
	assert.Contains(t, line, `"type":"agent_executed"`)
}
