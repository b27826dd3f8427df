package redisstream

import (
	"context"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-webhook-pipeline/core"
)

// autoClaimStart always rescans the PEL from the beginning; each reclaim
// pass is independent and bounded by count.
const autoClaimStart = "0-0"

// Client is the subset of the go-redis command surface the broker uses.
// *redis.Client and *redis.ClusterClient both satisfy it.
type Client interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Broker implements core.StreamBroker on a Redis stream consumer group.
type Broker struct {
	client   Client
	stream   string
	group    string
	consumer string
}

func New(client Client, cfg core.ConsumerConfig) (*Broker, error) {
	if client == nil {
		return nil, goerrors.New("redisstream: client is required", goerrors.CategoryBadInput).
			WithTextCode(core.PipelineErrorBadInput)
	}
	if strings.TrimSpace(cfg.Stream) == "" || strings.TrimSpace(cfg.Group) == "" || strings.TrimSpace(cfg.Consumer) == "" {
		return nil, goerrors.New("redisstream: stream, group, and consumer are required", goerrors.CategoryBadInput).
			WithTextCode(core.PipelineErrorBadInput)
	}
	return &Broker{
		client:   client,
		stream:   cfg.Stream,
		group:    cfg.Group,
		consumer: cfg.Consumer,
	}, nil
}

// EnsureGroup creates the consumer group, creating the stream alongside it
// when absent. An already existing group is not an error.
func (b *Broker) EnsureGroup(ctx context.Context) error {
	err := b.client.XGroupCreateMkStream(ctx, b.stream, b.group, "0").Err()
	if err == nil || isBusyGroup(err) {
		return nil
	}
	return brokerError("create group", err)
}

// ReadBatch blocks up to block for new entries assigned to this consumer.
// A timeout with no entries returns an empty slice.
func (b *Broker) ReadBatch(ctx context.Context, count int64, block time.Duration) ([]core.StreamEntry, error) {
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group,
		Consumer: b.consumer,
		Streams:  []string{b.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, brokerError("read group", err)
	}

	var entries []core.StreamEntry
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			entries = append(entries, toEntry(msg))
		}
	}
	return entries, nil
}

// Claim transfers up to count entries that have sat unacknowledged in the
// group longer than minIdle over to this consumer.
func (b *Broker) Claim(ctx context.Context, minIdle time.Duration, count int64) ([]core.StreamEntry, error) {
	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   b.stream,
		Group:    b.group,
		Consumer: b.consumer,
		MinIdle:  minIdle,
		Start:    autoClaimStart,
		Count:    count,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, brokerError("auto claim", err)
	}

	entries := make([]core.StreamEntry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, toEntry(msg))
	}
	return entries, nil
}

func (b *Broker) Ack(ctx context.Context, entryID string) error {
	if err := b.client.XAck(ctx, b.stream, b.group, entryID).Err(); err != nil {
		return brokerError("ack", err)
	}
	return nil
}

// Publish appends an entry to the stream and returns its generated id.
func (b *Broker) Publish(ctx context.Context, fields map[string]any) (string, error) {
	if len(fields) == 0 {
		return "", goerrors.New("redisstream: publish requires at least one field", goerrors.CategoryBadInput).
			WithTextCode(core.PipelineErrorBadInput)
	}
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: fields,
	}).Result()
	if err != nil {
		return "", brokerError("publish", err)
	}
	return id, nil
}

func toEntry(msg redis.XMessage) core.StreamEntry {
	fields := make(map[string]string, len(msg.Values))
	for key, value := range msg.Values {
		fields[key] = stringifyValue(value)
	}
	return core.StreamEntry{ID: msg.ID, Fields: fields}
}

func stringifyValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func brokerError(op string, err error) error {
	return goerrors.Wrap(err, goerrors.CategoryExternal, "redisstream: "+op).
		WithTextCode(core.PipelineErrorBrokerFailed)
}
