package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"

	"github.com/sellsight/sellsight/internal/domain"
)

// DefaultPollTimeout bounds one Dequeue attempt.
const DefaultPollTimeout = 5 * time.Second

// ConsumerGroup is the worker fleet's shared group id.
const ConsumerGroup = "sheet-sync-workers"

// Consumer receives sync tasks with manual commits: a task is redelivered
// after a rebalance or crash until its ack commits the offset.
type Consumer struct {
	client      *kgo.Client
	admin       *kadm.Client
	topic       string
	group       string
	pollTimeout time.Duration

	pending []*kgo.Record
}

// NewConsumer joins the worker consumer group.
func NewConsumer(brokers []string, topic string) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=kafka.NewConsumer: no seed brokers provided")
	}
	tracer := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer()))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(ConsumerGroup),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
		kgo.WithHooks(tracer.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.NewConsumer: %w", err)
	}
	if err := createTopicIfNotExists(context.Background(), client, topic, 3, 1); err != nil {
		slog.Warn("topic bootstrap failed", slog.String("topic", topic), slog.Any("error", err))
	}
	return &Consumer{
		client:      client,
		admin:       kadm.NewClient(client),
		topic:       topic,
		group:       ConsumerGroup,
		pollTimeout: DefaultPollTimeout,
	}, nil
}

// Dequeue returns the next task, or ok=false when the poll timeout passes
// with nothing to do. The returned ack commits the record's offset and
// must be called exactly once after the task reaches a terminal outcome.
func (c *Consumer) Dequeue(ctx domain.Context) (domain.SyncTask, func(domain.Context) error, bool, error) {
	rec, ok, err := c.nextRecord(ctx)
	if err != nil || !ok {
		return domain.SyncTask{}, nil, false, err
	}

	var task domain.SyncTask
	if err := json.Unmarshal(rec.Value, &task); err != nil {
		// A poison record would redeliver forever; commit it and move on.
		slog.Error("dropping malformed sync task",
			slog.String("topic", rec.Topic),
			slog.Int64("offset", rec.Offset),
			slog.Any("error", err))
		if commitErr := c.client.CommitRecords(ctx, rec); commitErr != nil {
			return domain.SyncTask{}, nil, false, fmt.Errorf("op=kafka.Dequeue: commit poison record: %w", commitErr)
		}
		return domain.SyncTask{}, nil, false, nil
	}

	ack := func(ctx domain.Context) error {
		if err := c.client.CommitRecords(ctx, rec); err != nil {
			return fmt.Errorf("op=kafka.Dequeue: commit: %w", err)
		}
		return nil
	}
	return task, ack, true, nil
}

func (c *Consumer) nextRecord(ctx domain.Context) (*kgo.Record, bool, error) {
	if len(c.pending) > 0 {
		rec := c.pending[0]
		c.pending = c.pending[1:]
		return rec, true, nil
	}

	pollCtx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()
	fetches := c.client.PollFetches(pollCtx)
	if err := fetches.Err0(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, false, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, kgo.ErrClientClosed) {
			return nil, false, fmt.Errorf("op=kafka.Dequeue: %w", err)
		}
	}
	fetches.EachError(func(topic string, partition int32, err error) {
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			slog.Error("fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.Any("error", err))
		}
	})
	c.pending = fetches.Records()
	if len(c.pending) == 0 {
		return nil, false, nil
	}
	rec := c.pending[0]
	c.pending = c.pending[1:]
	return rec, true, nil
}

// Len reports outstanding tasks as the consumer group's total lag.
func (c *Consumer) Len(ctx domain.Context) (int64, error) {
	lags, err := c.admin.Lag(ctx, c.group)
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

// Close leaves the group and closes the client.
func (c *Consumer) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

// Queue combines a Producer and Consumer into the full domain.SyncQueue.
// Workers use all three operations; the API process enqueues only.
type Queue struct {
	*Producer
	*Consumer
}

func NewQueue(p *Producer, c *Consumer) *Queue { return &Queue{Producer: p, Consumer: c} }

// Len resolves to the consumer side, which reads lag from its own admin client.
func (q *Queue) Len(ctx domain.Context) (int64, error) { return q.Consumer.Len(ctx) }

// Close closes both sides.
func (q *Queue) Close() {
	q.Producer.Close()
	q.Consumer.Close()
}

var _ domain.SyncQueue = (*Queue)(nil)
