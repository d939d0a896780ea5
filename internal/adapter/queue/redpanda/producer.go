package redpanda

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/srirohitha/job-queue/internal/domain"
)

// Producer publishes job dispatches and implements domain.Queue.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer connects to the brokers and ensures the dispatch topic
// and its DLQ companion exist.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1<<20),
		kgo.DialTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, t := range []string{topic, dlqTopicFor(topic)} {
		if err := ensureTopic(ctx, client, t, 8, 1); err != nil {
			// Tolerated: the broker may race another process creating it,
			// or deny topic creation to this principal.
			slog.Warn("ensure topic", slog.String("topic", t), slog.Any("error", err))
		}
	}

	slog.Info("redpanda producer ready", slog.Any("brokers", brokers), slog.String("topic", topic))
	return &Producer{client: client, topic: topic}, nil
}

// EnqueueJob publishes a dispatch for the job id, keyed by it so all
// deliveries for one job land on the same partition.
func (p *Producer) EnqueueJob(ctx domain.Context, jobID string) error {
	b, err := encodeJobMessage(jobMessage{JobID: jobID, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	rec := &kgo.Record{Topic: p.topic, Key: []byte(jobID), Value: b}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("op=redpanda.enqueue job_id=%s: %w", jobID, err)
	}
	slog.Debug("job enqueued", slog.String("job_id", jobID), slog.String("topic", p.topic))
	return nil
}

// Ping checks broker connectivity; used by readiness probes.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes and releases the client.
func (p *Producer) Close() {
	p.client.Close()
}
