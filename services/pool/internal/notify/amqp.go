package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQP publishes notifications to a durable topic exchange with publisher
// confirms; the subject is the routing key.
type AMQP struct {
	conn     *amqp.Connection
	mu       sync.Mutex
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
	exchange string
}

func NewAMQP(url, exchange string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	return &AMQP{
		conn:     conn,
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		exchange: exchange,
	}, nil
}

func (a *AMQP) Notify(ctx context.Context, subject string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	err = a.ch.PublishWithContext(ctx, a.exchange, subject, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         subject,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	select {
	case c, ok := <-a.confirms:
		if !ok {
			return fmt.Errorf("publish %s: channel closed", subject)
		}
		if !c.Ack {
			return fmt.Errorf("publish %s: broker nacked", subject)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *AMQP) Close() error {
	if a == nil {
		return nil
	}
	_ = a.ch.Close()
	return a.conn.Close()
}
