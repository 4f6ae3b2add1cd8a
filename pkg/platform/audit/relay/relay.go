// Package relay publishes audit outbox rows to Kafka.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"trustledger/pkg/platform/audit/store/postgres"
)

const (
	defaultBatchSize = 100
	defaultInterval  = time.Second
)

// Outbox is the subset of the postgres audit store the relay drains.
type Outbox interface {
	FetchUnpublished(ctx context.Context, limit int) ([]postgres.OutboxEntry, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID) error
}

// Producer is satisfied by *kgo.Client.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Relay polls the outbox and produces each row keyed by its aggregate id,
// so events for one identity or loan stay ordered within a partition.
type Relay struct {
	outbox    Outbox
	producer  Producer
	topic     string
	batchSize int
	interval  time.Duration
	logger    *slog.Logger
}

type Option func(*Relay)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

func New(outbox Outbox, producer Producer, topic string, opts ...Option) *Relay {
	r := &Relay{
		outbox:    outbox,
		producer:  producer,
		topic:     topic,
		batchSize: defaultBatchSize,
		interval:  defaultInterval,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drains the outbox until ctx is cancelled. Produce failures are logged
// and retried on the next tick; rows are only marked after a successful ack.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.WarnContext(ctx, "audit relay batch failed", "error", err)
			}
		}
	}
}

// RunOnce publishes one batch and returns how many rows were marked published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	entries, err := r.outbox.FetchUnpublished(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	records := make([]*kgo.Record, 0, len(entries))
	for _, e := range entries {
		records = append(records, &kgo.Record{
			Topic: r.topic,
			Key:   []byte(e.AggregateID),
			Value: e.Payload,
			Headers: []kgo.RecordHeader{
				{Key: "event_type", Value: []byte(e.EventType)},
				{Key: "outbox_id", Value: []byte(e.ID.String())},
			},
		})
	}

	results := r.producer.ProduceSync(ctx, records...)

	// Records of one batch are acked in order per partition; mark only the
	// prefix that succeeded so a partial failure never skips a row.
	published := make([]uuid.UUID, 0, len(entries))
	var produceErr error
	for i, res := range results {
		if res.Err != nil {
			produceErr = fmt.Errorf("produce outbox entry %s: %w", entries[i].ID, res.Err)
			break
		}
		published = append(published, entries[i].ID)
	}

	if err := r.outbox.MarkPublished(ctx, published); err != nil {
		return 0, err
	}
	return len(published), produceErr
}

// EnsureTopic creates the audit topic if the cluster does not have it yet.
func EnsureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32) error {
	admin := kadm.NewClient(client)
	resp, err := admin.CreateTopic(ctx, partitions, -1, nil, topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", topic, resp.Err)
	}
	return nil
}
