package events

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mmeshcher/storage-rental/internal/model"
)

// DefaultExchange задаёт topic-exchange для доменных событий.
const DefaultExchange = "storage-rental.events"

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPDispatcher публикует события в topic-exchange RabbitMQ; ключом маршрутизации служит имя события.
type AMQPDispatcher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	pub      publisher
	exchange string
}

// NewAMQPDispatcher подключается к брокеру и объявляет exchange.
func NewAMQPDispatcher(url, exchange string) (*AMQPDispatcher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPDispatcher{conn: conn, ch: ch, pub: ch, exchange: exchange}, nil
}

func (d *AMQPDispatcher) Dispatch(ctx context.Context, events []model.Event) error {
	for _, e := range events {
		body, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", e.Name, err)
		}
		msg := amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Type:         string(e.Name),
			Timestamp:    e.OccurredAt,
			MessageId:    fmt.Sprintf("%s:%s:%d", e.Name, e.AggregateID, e.OccurredAt.UnixNano()),
			Body:         body,
		}
		if err := d.pub.PublishWithContext(ctx, d.exchange, string(e.Name), false, false, msg); err != nil {
			return fmt.Errorf("publish event %s: %w", e.Name, err)
		}
	}
	return nil
}

// Close закрывает канал и соединение с брокером.
func (d *AMQPDispatcher) Close() error {
	if d.ch != nil {
		_ = d.ch.Close()
	}
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}
