package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig 描述活动投递的 RabbitMQ 参数。
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPRecorder 将活动以 JSON 投递到 RabbitMQ topic exchange。
type AMQPRecorder struct {
	conn       io.Closer
	ch         publisher
	exchange   string
	routingKey string
}

// NewAMQPRecorder 建立连接并声明 exchange。
func NewAMQPRecorder(cfg AMQPConfig) (*AMQPRecorder, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "agentforge.activity"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ exchange 失败: %w", err)
	}
	return newAMQPRecorder(conn, ch, exchange, cfg.RoutingKey), nil
}

func newAMQPRecorder(conn io.Closer, ch publisher, exchange, routingKey string) *AMQPRecorder {
	return &AMQPRecorder{conn: conn, ch: ch, exchange: exchange, routingKey: routingKey}
}

// LogActivity 实现 Recorder。未配置 routing key 时使用活动类型作为 routing key。
func (r *AMQPRecorder) LogActivity(ctx context.Context, a Activity) error {
	if r == nil || r.ch == nil {
		return errors.New("RabbitMQ 活动投递未初始化")
	}
	a.OccurredAt = stamp(a.OccurredAt)
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("序列化活动失败: %w", err)
	}
	key := r.routingKey
	if key == "" {
		key = "activity." + a.Type
	}
	if err := r.ch.PublishWithContext(ctx, r.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    a.OccurredAt,
		Type:         a.Type,
		Body:         body,
	}); err != nil {
		return fmt.Errorf("投递活动失败: %w", err)
	}
	return nil
}

// Close 关闭 RabbitMQ 连接。
func (r *AMQPRecorder) Close() error {
	if r == nil {
		return nil
	}
	if r.ch != nil {
		_ = r.ch.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
