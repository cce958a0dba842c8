package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/quillpost/api/internal/model"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// AMQPQueue publishes and consumes import tasks on a durable RabbitMQ queue
type AMQPQueue struct {
	conn  *amqp.Connection
	pub   *amqp.Channel
	queue string

	mu sync.Mutex
}

func NewAMQPQueue(url, queue string) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	return &AMQPQueue{
		conn:  conn,
		pub:   ch,
		queue: queue,
	}, nil
}

func (q *AMQPQueue) Enqueue(ctx context.Context, task model.QueueTask) error {
	payload, err := encodeTask(task)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	err = q.pub.PublishWithContext(ctx,
		"",
		q.queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Type:         TaskTypeImportCSV,
			MessageId:    task.JobID,
			Body:         payload,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish task: %w", err)
	}
	return nil
}

// Consume delivers tasks to h until ctx is done. At most concurrency tasks run
// at once. Every decoded delivery is acked after h returns: the job record
// already carries the outcome and reruns are manual.
func (q *AMQPQueue) Consume(ctx context.Context, concurrency int, h Handler, log logrus.FieldLogger) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	msgs, err := ch.Consume(
		q.queue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.queue, err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	sem := make(chan struct{}, concurrency)
	for {
		select {
		case <-ctx.Done():
			log.Info("AMQP consumer shutting down")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}

			task, err := decodeTask(msg.Body)
			if err != nil {
				log.WithError(err).Warn("dropping undecodable import task")
				msg.Nack(false, false)
				continue
			}

			sem <- struct{}{}
			wg.Add(1)
			go func(task model.QueueTask, msg amqp.Delivery) {
				defer wg.Done()
				defer func() { <-sem }()

				if err := h(ctx, task); err != nil {
					log.WithError(err).WithField("job_id", task.JobID).Error("import task failed")
				}
				msg.Ack(false)
			}(task, msg)
		}
	}
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.pub.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		q.conn.Close()
		return err
	}
	return q.conn.Close()
}
