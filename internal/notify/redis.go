package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/quillpost/api/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Channel carries progress events from worker processes to API processes.
const Channel = "import:progress"

const publishTimeout = 2 * time.Second

// Sink receives progress events, usually the websocket hub
type Sink interface {
	NotifyProgress(event model.ProgressEvent)
}

// RedisPublisher publishes progress events on Channel
type RedisPublisher struct {
	rdb *redis.Client
	log logrus.FieldLogger
}

func NewRedisPublisher(rdb *redis.Client, log logrus.FieldLogger) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, log: log.WithField("component", "progress_publisher")}
}

// NotifyProgress publishes one event. Failures are logged and dropped.
func (p *RedisPublisher) NotifyProgress(event model.ProgressEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		p.log.WithError(err).Warn("Failed to marshal progress event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.rdb.Publish(ctx, Channel, data).Err(); err != nil {
		p.log.WithError(err).WithField("job_id", event.JobID).Warn("Failed to publish progress event")
	}
}

// RedisRelay forwards events published on Channel to a local sink
type RedisRelay struct {
	rdb  *redis.Client
	sink Sink
	log  logrus.FieldLogger
}

func NewRedisRelay(rdb *redis.Client, sink Sink, log logrus.FieldLogger) *RedisRelay {
	return &RedisRelay{rdb: rdb, sink: sink, log: log.WithField("component", "progress_relay")}
}

// Run relays events until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, Channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	r.log.WithField("channel", Channel).Info("Progress relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.forward(msg.Payload)
		}
	}
}

func (r *RedisRelay) forward(payload string) {
	var event model.ProgressEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		r.log.WithError(err).Warn("Dropping malformed progress event")
		return
	}
	if event.JobID == "" {
		return
	}
	r.sink.NotifyProgress(event)
}
