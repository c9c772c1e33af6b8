package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hitoshi/newtifi/internal/model"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultQueue は監査イベントを配信するキュー名。
const DefaultQueue = "newtifi.audit"

// amqpChannel はAMQPチャネルのうち使用する操作。
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher はRabbitMQのキューへ監査イベントを配信するPublisher。
// 接続とチャネルはプロセスの生存期間中保持する。
type AMQPPublisher struct {
	conn  *amqp.Connection
	queue string

	mu sync.Mutex
	ch amqpChannel
}

// eventMessage はキューに送信するJSONの形式。パスワードハッシュ等は含めない。
type eventMessage struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	AccountID string    `json:"account_id,omitempty"`
	Email     string    `json:"email,omitempty"`
	Method    string    `json:"method,omitempty"`
	ActorID   string    `json:"actor_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewAMQPPublisher はRabbitMQに接続し、キューを宣言したPublisherを返す。
func NewAMQPPublisher(url, queue string) (*AMQPPublisher, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare amqp queue: %w", err)
	}
	return &AMQPPublisher{conn: conn, queue: queue, ch: ch}, nil
}

// Publish は監査イベントを永続メッセージとして配信する。
func (p *AMQPPublisher) Publish(ctx context.Context, event *model.AuditEvent) error {
	body, err := encodeEvent(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Type:         string(event.Kind),
		Timestamp:    event.CreatedAt.UTC(),
		Body:         body,
	}); err != nil {
		return fmt.Errorf("failed to publish audit event: %w", err)
	}
	return nil
}

// Close はチャネルと接続を閉じる。
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func encodeEvent(event *model.AuditEvent) ([]byte, error) {
	body, err := json.Marshal(eventMessage{
		ID:        event.ID,
		Kind:      string(event.Kind),
		AccountID: event.AccountID,
		Email:     event.Email,
		Method:    string(event.Method),
		ActorID:   event.ActorID,
		Detail:    event.Detail,
		CreatedAt: event.CreatedAt.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit event: %w", err)
	}
	return body, nil
}

// compile-time interface check
var _ Publisher = (*AMQPPublisher)(nil)
