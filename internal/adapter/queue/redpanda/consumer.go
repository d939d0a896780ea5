package redpanda

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/srirohitha/job-queue/internal/adapter/observability"
)

// JobExecutor runs one dispatched job; the background runner satisfies
// this.
type JobExecutor interface {
	Execute(ctx context.Context, jobID string) error
}

// Consumer pulls dispatches from the topic and hands them to the
// executor through a bounded worker pool. Handling errors cause
// redelivery with an attempt header; past maxDeliveries the message is
// parked on the DLQ topic for operator inspection.
type Consumer struct {
	client      *kgo.Client
	exec        JobExecutor
	topic       string
	concurrency int
}

// NewConsumer joins the consumer group on the dispatch topic.
func NewConsumer(brokers []string, groupID, topic string, exec JobExecutor, concurrency int) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}
	if concurrency < 1 {
		concurrency = 1
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.AutoCommitMarks(),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda consumer client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ensureTopic(ctx, client, topic, 8, 1); err != nil {
		slog.Warn("ensure topic", slog.String("topic", topic), slog.Any("error", err))
	}

	slog.Info("redpanda consumer ready",
		slog.Any("brokers", brokers),
		slog.String("group_id", groupID),
		slog.String("topic", topic),
		slog.Int("concurrency", concurrency))
	return &Consumer{client: client, exec: exec, topic: topic, concurrency: concurrency}, nil
}

// Run polls until ctx is cancelled. Records are processed concurrently
// up to the configured pool size; each is marked for commit only after
// its handler returns.
func (c *Consumer) Run(ctx context.Context) error {
	sem := make(chan struct{}, c.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			slog.Info("consumer stopping")
			return ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.Any("error", err))
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				c.handle(ctx, rec)
				c.client.MarkCommitRecords(rec)
			}()
		})
	}
}

// handle processes one record end to end, including redelivery and DLQ
// routing on failure.
func (c *Consumer) handle(ctx context.Context, rec *kgo.Record) {
	msg, err := decodeJobMessage(rec.Value)
	if err != nil {
		// Undecodable messages can never succeed; park them immediately.
		slog.Error("dropping malformed dispatch", slog.Any("error", err))
		c.park(ctx, rec)
		return
	}

	observability.JobsRunning.Inc()
	defer observability.JobsRunning.Dec()

	if err := c.exec.Execute(ctx, msg.JobID); err != nil {
		c.redeliver(ctx, rec, msg.JobID, err)
	}
}

// redeliver re-produces the record with a bumped attempt count, or
// parks it once the delivery budget is spent. The job row itself is
// untouched; the reconciler owns its lifecycle.
func (c *Consumer) redeliver(ctx context.Context, rec *kgo.Record, jobID string, cause error) {
	attempts := deliveryAttempts(rec)
	if attempts >= maxDeliveries {
		slog.Error("dispatch exhausted deliveries",
			slog.String("job_id", jobID),
			slog.Int("attempts", attempts),
			slog.Any("error", cause))
		c.park(ctx, rec)
		return
	}
	next := &kgo.Record{
		Topic:   c.topic,
		Key:     rec.Key,
		Value:   rec.Value,
		Headers: withAttempts(rec, attempts+1),
	}
	if err := c.client.ProduceSync(ctx, next).FirstErr(); err != nil {
		slog.Error("redeliver failed", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	slog.Warn("dispatch redelivered",
		slog.String("job_id", jobID),
		slog.Int("attempt", attempts+1),
		slog.Any("error", cause))
}

// park copies the record to the DLQ topic.
func (c *Consumer) park(ctx context.Context, rec *kgo.Record) {
	dlq := &kgo.Record{
		Topic:   dlqTopicFor(c.topic),
		Key:     rec.Key,
		Value:   rec.Value,
		Headers: rec.Headers,
	}
	if err := c.client.ProduceSync(ctx, dlq).FirstErr(); err != nil {
		slog.Error("park to dlq failed", slog.Any("error", err))
		return
	}
	observability.JobsDLQTotal.Inc()
}

// Ping checks broker connectivity; used by readiness probes.
func (c *Consumer) Ping(ctx context.Context) error {
	return c.client.Ping(ctx)
}

// Close leaves the group and releases the client.
func (c *Consumer) Close() {
	c.client.Close()
}
