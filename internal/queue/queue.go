package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type QueueName string

const (
	// QueueCollectionEvents carries structured notification events for the
	// external alerting/administration service.
	QueueCollectionEvents QueueName = "collection-events"
)

type Config struct {
	URL               string
	ReconnectInterval time.Duration
	ConnectTimeout    time.Duration
}

type Queue struct {
	config *Config
	conn   *amqp.Connection
	mu     sync.Mutex
	log    *slog.Logger
}

func New(config *Config) *Queue {
	return &Queue{
		config: config,
		log:    slog.With("component", "queue"),
	}
}

// Start keeps the connection alive, redialing whenever the broker closes it.
func (q *Queue) Start(ctx context.Context) error {
	q.log.Info("starting the queue manager")
	defer q.log.Info("stopping the queue manager")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		q.log.Info("connecting to RabbitMQ...")
		if err := q.connect(); err != nil {
			q.log.Error("connection to RabbitMQ failed", "error", err)
			time.Sleep(q.config.ReconnectInterval)
			continue
		}

		q.log.Info("connected to RabbitMQ")

		if err := q.EnsureQueueExists(QueueCollectionEvents); err != nil {
			q.log.Error("queue declaration failed", "error", err)
			time.Sleep(q.config.ReconnectInterval)
			continue
		}

		connErrors := make(chan *amqp.Error, 1)
		q.conn.NotifyClose(connErrors)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-connErrors:
			q.log.Error("RabbitMQ connection closed", "error", err)
		}

		time.Sleep(q.config.ReconnectInterval)
	}
}

func (q *Queue) connect() error {
	conn, err := amqp.DialConfig(q.config.URL, amqp.Config{
		Dial: amqp.DefaultDial(q.config.ConnectTimeout),
	})
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.conn = conn
	q.mu.Unlock()

	return nil
}

// EnsureQueueExists declares the queue durably so messages survive a broker
// restart.
func (q *Queue) EnsureQueueExists(queueName QueueName) error {
	q.mu.Lock()
	conn := q.conn
	q.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("connection is not open yet")
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("couldn't open channel: %w", err)
	}
	defer ch.Close()

	_, err = ch.QueueDeclare(
		string(queueName), // name
		true,              // durable
		false,             // autoDelete
		false,             // exclusive
		false,             // noWait
		nil,               // args
	)

	return err
}

func (q *Queue) Publish(queueName QueueName, message []byte) error {
	q.mu.Lock()
	conn := q.conn
	q.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("connection is not open yet")
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("couldn't open channel: %w", err)
	}
	defer ch.Close()

	err = ch.Publish(
		"",                // exchange, empty means default (direct to queue)
		string(queueName), // routing key = queue name
		false,             // mandatory
		false,             // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        message,
		},
	)
	if err != nil {
		q.log.Error("failed to publish", "queue", queueName, "error", err)
		return err
	}

	return nil
}
