// Package amqp publishes transaction events to a RabbitMQ topic exchange
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/baely/monzo/internal/monzo"
	"github.com/baely/monzo/internal/webhook"
)

// PublishTimeout bounds a single publish
const PublishTimeout = 5 * time.Second

// TransactionMessage is the body published for every transaction event
type TransactionMessage struct {
	Type        string            `json:"type"`
	AccountID   string            `json:"account_id"`
	Transaction monzo.Transaction `json:"transaction"`
	Timestamp   time.Time         `json:"timestamp"`
}

// NewTransactionMessage creates the message for an event
func NewTransactionMessage(event webhook.Event) *TransactionMessage {
	return &TransactionMessage{
		Type:        string(event.Type),
		AccountID:   event.AccountID(),
		Transaction: event.Transaction,
		Timestamp:   time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *TransactionMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// RoutingKey returns the topic an event is published under, for example
// transaction.created.acc_00009
func RoutingKey(event webhook.Event) string {
	return fmt.Sprintf("%s.%s", event.Type, event.AccountID())
}

// channel is the subset of *amqp091.Channel the publisher uses
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher forwards transaction events to an exchange. It implements
// webhook.TransactionEventHandler.
type Publisher struct {
	conn     *amqp091.Connection
	exchange string
	logger   *slog.Logger

	mutex   sync.Mutex
	channel channel
}

// NewPublisher dials url and declares a durable topic exchange
func NewPublisher(url, exchange string, logger *slog.Logger) (*Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	p, err := newPublisher(ch, exchange, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, exchange string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &Publisher{
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}, nil
}

// HandleEvent publishes the event as a persistent JSON message
func (p *Publisher) HandleEvent(event webhook.Event) error {
	return p.Publish(context.Background(), event)
}

// Publish sends one event to the exchange
func (p *Publisher) Publish(ctx context.Context, event webhook.Event) error {
	body, err := NewTransactionMessage(event).ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, PublishTimeout)
	defer cancel()

	key := RoutingKey(event)

	p.mutex.Lock()
	err = p.channel.PublishWithContext(
		ctx,
		p.exchange, // exchange
		key,        // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    event.Transaction.ID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	p.mutex.Unlock()
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	p.logger.InfoContext(ctx, "Published transaction event",
		"transaction_id", event.Transaction.ID,
		"exchange", p.exchange,
		"routing_key", key)

	return nil
}

// Close closes the channel and connection
func (p *Publisher) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Publisher) String() string {
	return "amqp:" + p.exchange
}
