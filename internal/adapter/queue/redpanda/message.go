// Package redpanda provides the Redpanda/Kafka dispatch queue. The
// producer publishes one message per scheduled job run; the consumer
// feeds those ids to the background runner with bounded concurrency.
// Delivery is at-least-once; the runner tolerates duplicates because it
// re-checks runnability under a row lock.
package redpanda

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// maxDeliveries bounds redelivery of a message whose handling keeps
// erroring before it is parked on the DLQ topic.
const maxDeliveries = 5

// attemptsHeader carries the delivery attempt count across redeliveries.
const attemptsHeader = "delivery-attempts"

// jobMessage is the wire format of one dispatch. Only the id travels;
// all job state lives in the store.
type jobMessage struct {
	JobID      string    `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func encodeJobMessage(m jobMessage) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.encode: %w", err)
	}
	return b, nil
}

func decodeJobMessage(b []byte) (jobMessage, error) {
	var m jobMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return jobMessage{}, fmt.Errorf("op=redpanda.decode: %w", err)
	}
	if m.JobID == "" {
		return jobMessage{}, fmt.Errorf("op=redpanda.decode: missing job_id")
	}
	return m, nil
}

// deliveryAttempts reads the attempt count from the record headers.
// A record produced by the API server carries no header and counts as
// the first delivery.
func deliveryAttempts(rec *kgo.Record) int {
	for _, h := range rec.Headers {
		if h.Key == attemptsHeader {
			n, err := strconv.Atoi(string(h.Value))
			if err != nil || n < 1 {
				return 1
			}
			return n
		}
	}
	return 1
}

// withAttempts returns headers carrying the given attempt count,
// preserving any unrelated headers on the record.
func withAttempts(rec *kgo.Record, attempts int) []kgo.RecordHeader {
	headers := make([]kgo.RecordHeader, 0, len(rec.Headers)+1)
	for _, h := range rec.Headers {
		if h.Key == attemptsHeader {
			continue
		}
		headers = append(headers, h)
	}
	return append(headers, kgo.RecordHeader{
		Key:   attemptsHeader,
		Value: []byte(strconv.Itoa(attempts)),
	})
}

// dlqTopicFor names the parking topic for a dispatch topic.
func dlqTopicFor(topic string) string { return topic + ".dlq" }
