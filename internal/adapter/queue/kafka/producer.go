// Package kafka carries sheet sync tasks between the API process and
// worker processes. Records are keyed by connection id so one connection's
// tasks stay ordered on a single partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"

	"github.com/sellsight/sellsight/internal/adapter/observability"
	"github.com/sellsight/sellsight/internal/domain"
)

// Producer publishes sync tasks. It covers the enqueue side of
// domain.SyncQueue plus a lag probe, which is all the API process needs.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer connects to the brokers and ensures the topic exists.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=kafka.NewProducer: no seed brokers provided")
	}
	tracer := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer()))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
		kgo.WithHooks(tracer.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.NewProducer: %w", err)
	}
	if err := createTopicIfNotExists(context.Background(), client, topic, 3, 1); err != nil {
		slog.Warn("topic bootstrap failed", slog.String("topic", topic), slog.Any("error", err))
	}
	return &Producer{client: client, topic: topic}, nil
}

// Enqueue publishes one task and waits for broker acknowledgement.
func (p *Producer) Enqueue(ctx domain.Context, task domain.SyncTask) error {
	b, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("op=kafka.Enqueue: marshal: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(task.ConnectionID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "connection_id", Value: []byte(task.ConnectionID)},
			{Key: "user_id", Value: []byte(task.UserID)},
		},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=kafka.Enqueue: produce: %w", err)
	}
	observability.SyncTasksEnqueuedTotal.Inc()
	slog.Debug("sync task enqueued",
		slog.String("connection_id", task.ConnectionID),
		slog.Int("retry_count", task.RetryCount))
	return nil
}

// Len reports the worker group's outstanding lag. The server process uses
// this for readiness without joining the consumer group.
func (p *Producer) Len(ctx domain.Context) (int64, error) {
	lags, err := kadm.NewClient(p.client).Lag(ctx, ConsumerGroup)
	if err != nil {
		return 0, fmt.Errorf("op=kafka.Len: %w", err)
	}
	var total int64
	for _, gl := range lags {
		if gl.Error() != nil {
			return 0, fmt.Errorf("op=kafka.Len: group=%s: %w", gl.Group, gl.Error())
		}
		for _, partitions := range gl.Lag {
			for _, ml := range partitions {
				if ml.Lag > 0 {
					total += ml.Lag
				}
			}
		}
	}
	return total, nil
}

// Close flushes and closes the underlying client.
func (p *Producer) Close() {
	if p.client != nil {
		p.client.Close()
	}
}
