// amqp.go — зеркалирование событий в topic exchange RabbitMQ
// для других экземпляров UI. Routing key — тип события.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPPublisher — публикация событий в RabbitMQ.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *slog.Logger
}

// NewAMQPPublisher подключается к RabbitMQ и объявляет durable topic exchange.
func NewAMQPPublisher(url, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("подключение к RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("открытие канала RabbitMQ: %w", err)
	}

	if err := channel.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("объявление exchange %s: %w", exchange, err)
	}

	logger.Info("Зеркалирование событий в RabbitMQ включено",
		slog.String("exchange", exchange),
	)

	return &AMQPPublisher{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
		logger:   logger.With(slog.String("component", "amqp_publisher")),
	}, nil
}

// Publish реализует Mirror.
func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("сериализация события: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, p.exchange, string(ev.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    ev.ID,
		Timestamp:    ev.CreatedAt,
		DeliveryMode: amqp.Transient,
		Headers:      amqp.Table{"user_id": ev.UserID},
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("публикация в exchange %s: %w", p.exchange, err)
	}
	return nil
}

// CheckReady проверяет, что соединение с RabbitMQ открыто.
func (p *AMQPPublisher) CheckReady() (status string, message string) {
	if p.conn.IsClosed() {
		return "fail", "соединение с RabbitMQ закрыто"
	}
	return "ok", "соединение установлено"
}

// Close закрывает канал и соединение.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.channel.Close(); err != nil {
		p.conn.Close()
		return fmt.Errorf("закрытие канала RabbitMQ: %w", err)
	}
	if err := p.conn.Close(); err != nil {
		return fmt.Errorf("закрытие соединения RabbitMQ: %w", err)
	}
	return nil
}
