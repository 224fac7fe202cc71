package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/tapewire/tapewire/errs"
	"github.com/tapewire/tapewire/internal/cache"
	"github.com/tapewire/tapewire/internal/hub"
	"github.com/tapewire/tapewire/internal/observability"
	"github.com/tapewire/tapewire/internal/telemetry"
)

const consumerComponent = "ingest/consumer"

// ConsumerConfig identifies the upstream topics and the poison allowance.
type ConsumerConfig struct {
	Brokers         []string
	Group           string
	OrdersTopic     string
	ExecutionsTopic string
	PoisonAllowance int
	PoisonWindow    time.Duration
}

// Consumer runs one upstream consumption session. Auto-commit is disabled
// entirely: an offset is committed only after its record has been decoded,
// placed in the replay ring, and handed to the hub. Duplicates from redelivery
// are covered by downstream dedup.
type Consumer struct {
	cfg     ConsumerConfig
	hub     *hub.Hub
	cache   *cache.Cache
	machine *Machine
	decoder *Decoder
	gate    *poisonGate

	recordCounter metric.Int64Counter
	poisonCounter metric.Int64Counter
	commitCounter metric.Int64Counter
	batchSize     metric.Int64Histogram
}

// NewConsumer wires a consumer to the hub, the key cache, and the shared
// state machine.
func NewConsumer(cfg ConsumerConfig, h *hub.Hub, c *cache.Cache, m *Machine) *Consumer {
	consumer := &Consumer{
		cfg:     cfg,
		hub:     h,
		cache:   c,
		machine: m,
		decoder: NewDecoder(cfg.OrdersTopic, cfg.ExecutionsTopic),
		gate:    newPoisonGate(cfg.PoisonAllowance, cfg.PoisonWindow),
	}

	meter := otel.Meter("tapewire/ingest")
	consumer.recordCounter, _ = meter.Int64Counter("ingest.records",
		metric.WithDescription("Records consumed from the upstream topics"),
		metric.WithUnit("{record}"))
	consumer.poisonCounter, _ = meter.Int64Counter("ingest.poison",
		metric.WithDescription("Records skipped because they could not be decoded"),
		metric.WithUnit("{record}"))
	consumer.commitCounter, _ = meter.Int64Counter("ingest.commits",
		metric.WithDescription("Offset commits issued after hub hand-off"),
		metric.WithUnit("{commit}"))
	consumer.batchSize, _ = meter.Int64Histogram("ingest.batch.size",
		metric.WithDescription("Ingest poll batch size"),
		metric.WithUnit("1"))
	return consumer
}

// Run owns one connection lifetime: STARTING through RUNNING until either a
// fatal error (returned, supervisor moves to BACKOFF) or context cancellation
// (drains, flushes commits, returns nil). The caller drives the state
// machine transitions around Run.
func (c *Consumer) Run(ctx context.Context) error {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(c.cfg.Brokers...),
		kgo.ConsumerGroup(c.cfg.Group),
		kgo.ConsumeTopics(c.cfg.OrdersTopic, c.cfg.ExecutionsTopic),
		kgo.ClientID("tapewire"),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	)
	if err != nil {
		return errs.New(consumerComponent, errs.CodeNetwork,
			errs.WithCause(err), errs.WithMessage("create upstream client"))
	}
	defer client.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = client.Ping(pingCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errs.New(consumerComponent, errs.CodeUnavailable,
			errs.WithCause(err), errs.WithMessage("upstream unreachable"))
	}

	c.machine.To(StateRunning)
	observability.Log().Info("upstream consumer running",
		observability.Field{Key: "group", Value: c.cfg.Group},
		observability.Field{Key: "topics", Value: c.cfg.OrdersTopic + "," + c.cfg.ExecutionsTopic})

	for {
		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil {
			// Drain whatever the final poll returned, flush, and leave.
			c.drainFinal(client, fetches)
			return nil
		}
		if fetchErrs := fetches.Errors(); len(fetchErrs) > 0 {
			return errs.New(consumerComponent, errs.CodeNetwork,
				errs.WithCause(fmt.Errorf("poll: %v", fetchErrs)),
				errs.WithMessage("fetch errors from upstream"))
		}

		records := make([]*kgo.Record, 0, fetches.NumRecords())
		iter := fetches.RecordIter()
		for !iter.Done() {
			records = append(records, iter.Next())
		}
		if c.batchSize != nil && len(records) > 0 {
			c.batchSize.Record(ctx, int64(len(records)))
		}

		commit, err := c.process(ctx, records)
		if len(commit) > 0 {
			if commitErr := client.CommitRecords(context.WithoutCancel(ctx), commit...); commitErr != nil {
				return errs.New(consumerComponent, errs.CodeNetwork,
					errs.WithCause(commitErr), errs.WithMessage("offset commit failed"))
			}
			if c.commitCounter != nil {
				c.commitCounter.Add(ctx, int64(len(commit)))
			}
		}
		if err != nil {
			return err
		}
		client.AllowRebalance()
	}
}

// process decodes and publishes records in order, returning the records that
// are safe to commit. A poison record is skipped while the allowance lasts;
// beyond it the remaining batch is abandoned (uncommitted) and the error
// trips the consumer into backoff.
func (c *Consumer) process(ctx context.Context, records []*kgo.Record) ([]*kgo.Record, error) {
	commit := make([]*kgo.Record, 0, len(records))
	for _, record := range records {
		evt, err := c.decoder.Decode(record.Topic, record.Value)
		if err != nil {
			if c.poisonCounter != nil {
				c.poisonCounter.Add(ctx, 1, metric.WithAttributes(
					telemetry.TopicAttributes(telemetry.Environment(), record.Topic)...))
			}
			observability.Log().Warn("poison record skipped",
				observability.Field{Key: "topic", Value: record.Topic},
				observability.Field{Key: "partition", Value: int(record.Partition)},
				observability.Field{Key: "offset", Value: record.Offset},
				observability.Field{Key: "error", Value: err})
			if !c.gate.admit() {
				return commit, errs.New(consumerComponent, errs.CodeExhausted,
					errs.WithKind(errs.KindUpstreamPoison),
					errs.WithCause(err),
					errs.WithMessage("poison threshold breached"))
			}
			// Skipped deliberately: commit so the record is not redelivered.
			commit = append(commit, record)
			continue
		}

		if err := c.hub.Publish(ctx, evt); err != nil {
			return commit, err
		}
		c.cache.Put(ctx, evt)
		if c.recordCounter != nil {
			c.recordCounter.Add(ctx, 1, metric.WithAttributes(
				telemetry.TopicAttributes(telemetry.Environment(), record.Topic)...))
		}
		commit = append(commit, record)
	}
	return commit, nil
}

// drainFinal processes the records of the last poll during shutdown and
// flushes their offsets with a fresh context.
func (c *Consumer) drainFinal(client *kgo.Client, fetches kgo.Fetches) {
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(fetches.Errors()) == 0 {
		records := make([]*kgo.Record, 0, fetches.NumRecords())
		iter := fetches.RecordIter()
		for !iter.Done() {
			records = append(records, iter.Next())
		}
		commit, _ := c.process(flushCtx, records)
		if len(commit) > 0 {
			if err := client.CommitRecords(flushCtx, commit...); err != nil &&
				!errors.Is(err, context.DeadlineExceeded) {
				observability.Log().Error("final offset flush failed",
					observability.Field{Key: "error", Value: err})
			}
		}
	}
	observability.Log().Info("upstream consumer drained")
}
