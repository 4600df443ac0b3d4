// Package redpanda publishes job lifecycle events to a Redpanda/Kafka topic.
// The feed is best-effort: a broker outage degrades tenant notifications, it
// never blocks or fails the job pipeline.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/genmedia/gateway/internal/domain"
)

// Producer implements domain.EventSink on a franz-go client. Records are
// keyed by job id so every consumer sees one job's transitions in order.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer connects to the brokers and ensures the topic exists. Topic
// creation failure is logged and tolerated; the broker may have it already
// or auto-create enabled.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=events.new: no seed brokers")
	}

	kotelTracer := kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)
	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotelTracer),
	)

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.RequestRetries(10),
		kgo.DialTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=events.new: client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ensureTopic(ctx, client, topic, 1, 1); err != nil {
		slog.Warn("event topic creation failed, continuing",
			slog.String("topic", topic),
			slog.Any("error", err))
	}

	slog.Info("event producer ready", slog.Any("brokers", brokers), slog.String("topic", topic))
	return &Producer{client: client, topic: topic}, nil
}

// Publish emits one lifecycle event. Delivery is asynchronous; failures are
// logged when the broker acknowledges (or refuses) the batch.
func (p *Producer) Publish(ctx domain.Context, ev domain.JobEvent) {
	if p == nil || p.client == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Error("event encode failed", slog.String("job_id", ev.JobID), slog.Any("error", err))
		return
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.JobID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "tenant_id", Value: []byte(ev.TenantID)},
			{Key: "status", Value: []byte(ev.Status)},
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}
	p.client.Produce(ctx, record, func(r *kgo.Record, err error) {
		if err != nil {
			slog.Warn("event publish failed",
				slog.String("job_id", string(r.Key)),
				slog.String("topic", r.Topic),
				slog.Any("error", err))
		}
	})
}

// Close flushes buffered records and releases the client.
func (p *Producer) Close() {
	if p == nil || p.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		slog.Warn("event flush on close failed", slog.Any("error", err))
	}
	p.client.Close()
}
