package rabbitmq

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the part of *amqp.Channel used to declare and publish.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type Publisher struct {
	conn  *amqp.Connection
	ch    Channel
	queue string
}

// PushMessage is the body of a queued push job.
type PushMessage struct {
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt,omitempty"`
}

// RetryQueue and DeadLetterQueue name the side queues of queue.
func RetryQueue(queue string) string      { return queue + ".retry" }
func DeadLetterQueue(queue string) string { return queue + ".dlq" }

// DeclareQueues declares queue with its retry and dead-letter queues. The
// publisher and the worker both call it so their arguments always match.
func DeclareQueues(ch Channel, queue string) error {
	// DLQ
	if _, err := ch.QueueDeclare(
		DeadLetterQueue(queue),
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		return err
	}

	// Retry queue: message TTL -> dead-letter back to main queue
	if _, err := ch.QueueDeclare(
		RetryQueue(queue),
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": queue,
		},
	); err != nil {
		return err
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	_, err := ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": DeadLetterQueue(queue),
		},
	)
	return err
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareQueues(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

// NewChannelPublisher publishes on an already open channel.
func NewChannelPublisher(ch Channel, queue string) *Publisher {
	return &Publisher{ch: ch, queue: queue}
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Publisher) PublishJob(ctx context.Context, jobID string) error {
	return p.publish(ctx, p.queue, PushMessage{JobID: jobID}, nil)
}

// PublishRetry parks m on the retry queue; it returns to the main queue
// once delay has passed.
func (p *Publisher) PublishRetry(ctx context.Context, m PushMessage, delay time.Duration) error {
	return p.publish(ctx, RetryQueue(p.queue), m, &delay)
}

func (p *Publisher) publish(ctx context.Context, key string, m PushMessage, delay *time.Duration) error {
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
	}
	if delay != nil {
		msg.Expiration = formatExpiration(*delay)
	}
	return p.ch.PublishWithContext(cctx,
		"",  // default exchange
		key, // routing key = queue
		false,
		false,
		msg,
	)
}

// formatExpiration renders a per-message TTL in milliseconds.
func formatExpiration(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return strconv.FormatInt(ms, 10)
}
