// Package eventbus implements the durable lifecycle event bus (spec.md
// §4.3), grounded on original_source's LifecycleStreamConsumer: a Redis
// Stream at the {mas}:lifecycle key, written with an approximate MAXLEN so
// the stream self-trims, and read by one or more named consumer groups with
// at-least-once delivery via XREADGROUP/XACK and pending-entry recovery.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/intelligencedev/memoryd/internal/apperr"
	"github.com/intelligencedev/memoryd/internal/namespace"
	"github.com/intelligencedev/memoryd/internal/observability"
)

// EventType names a lifecycle event kind.
type EventType string

const (
	EventPromotion         EventType = "promotion"
	EventFactPromoted      EventType = "fact_promoted"
	EventSignificanceScore EventType = "significance_scored"
	EventConsolidation     EventType = "consolidation"
	EventTierAccess        EventType = "tier_access"
	EventSessionEnd        EventType = "session_end"
	EventPromotionFailed   EventType = "promotion_failed"
)

// defaultMaxLen is the approximate cap on the lifecycle stream, matching
// original_source's publish_lifecycle_event default of 50000.
const defaultMaxLen = 50000

// Event is one lifecycle event as published to the stream.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Publisher writes lifecycle events. session_end is published synchronously
// by the caller awaiting Publish's return (resolved Open Question: every
// other event type is fire-and-forget at the call site, but Publisher itself
// never distinguishes — the caller decides whether to await the error).
type Publisher struct {
	rdb    redis.UniversalClient
	maxLen int64
	kafka  *kafka.Writer
}

// NewPublisher returns a Publisher bound to rdb with the default approximate
// MAXLEN.
func NewPublisher(rdb redis.UniversalClient) *Publisher {
	return &Publisher{rdb: rdb, maxLen: defaultMaxLen}
}

// WithKafkaFanOut adds a secondary best-effort fan-out of every published
// event to a Kafka topic, for external consumers (analytics, audit) that
// should not share the Redis consumer-group's at-least-once guarantees or
// its trim policy. Grounded on the teacher's internal/tools/kafka producer:
// a kafka.Writer addressed at brokers with a LeastBytes balancer. Optional —
// cmd/memoryd only calls this when KAFKA_BROKERS is configured.
func (p *Publisher) WithKafkaFanOut(brokers []string, topic string) *Publisher {
	p.kafka = &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
	return p
}

// Close releases the Kafka writer's connections, if fan-out is enabled.
func (p *Publisher) Close() error {
	if p.kafka == nil {
		return nil
	}
	return p.kafka.Close()
}

// Publish XADDs event to the lifecycle stream. On failure it logs and
// returns the error rather than panicking, matching original_source's
// catch-and-return-empty-string behavior for non-critical events; callers
// publishing session_end should treat a non-nil error as fatal to the
// shutdown path.
func (p *Publisher) Publish(ctx context.Context, event Event) (string, error) {
	payload, err := json.Marshal(event.Data)
	if err != nil {
		return "", apperr.New(apperr.KindInternal, "eventbus", err)
	}
	values := map[string]any{
		"type":       string(event.Type),
		"session_id": event.SessionID,
		"timestamp":  event.Timestamp.UTC().Format(time.RFC3339Nano),
		"data":       string(payload),
	}
	id, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: namespace.LifecycleStream(),
		MaxLen: p.maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().
			Err(err).
			Str("event_type", string(event.Type)).
			Msg("lifecycle event publish failed")
		return "", apperr.Unavailable("eventbus", err)
	}
	if p.kafka != nil {
		if kerr := p.kafka.WriteMessages(ctx, kafka.Message{
			Key:   []byte(event.SessionID),
			Value: payload,
			Headers: []kafka.Header{
				{Key: "type", Value: []byte(event.Type)},
			},
		}); kerr != nil {
			observability.LoggerWithTrace(ctx).Warn().
				Err(kerr).Str("event_type", string(event.Type)).
				Msg("lifecycle event kafka fan-out failed")
		}
	}
	return id, nil
}

// Handler processes one delivered event. Returning an error leaves the
// message pending for redelivery.
type Handler func(ctx context.Context, event Event) error

// Consumer reads the lifecycle stream as part of a named consumer group,
// dispatching to registered handlers by event type.
type Consumer struct {
	rdb      redis.UniversalClient
	group    string
	name     string
	blockMs  time.Duration
	batch    int64
	handlers map[EventType]Handler
}

// NewConsumer returns a Consumer in group, identified as name, reading in
// batches of batchSize with a blocking read timeout of blockMs.
func NewConsumer(rdb redis.UniversalClient, group, name string, blockMs time.Duration, batchSize int64) *Consumer {
	return &Consumer{
		rdb:      rdb,
		group:    group,
		name:     name,
		blockMs:  blockMs,
		batch:    batchSize,
		handlers: make(map[EventType]Handler),
	}
}

// On registers handler for eventType. Registering twice for the same type
// replaces the handler.
func (c *Consumer) On(eventType EventType, handler Handler) {
	c.handlers[eventType] = handler
}

// Initialize idempotently creates the consumer group at the stream, creating
// the stream itself with MKSTREAM if it does not yet exist.
func (c *Consumer) Initialize(ctx context.Context) error {
	stream := namespace.LifecycleStream()
	err := c.rdb.XGroupCreateMkStream(ctx, stream, c.group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return apperr.Unavailable("eventbus", err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= len("BUSYGROUP") && err.Error()[:len("BUSYGROUP")] == "BUSYGROUP"
}

// Run blocks, reading and dispatching events until ctx is canceled. It first
// drains this consumer's own pending entries (crash recovery), then enters
// the live XREADGROUP loop.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.recoverPending(ctx); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("lifecycle pending recovery failed")
	}
	stream := namespace.LifecycleStream()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{stream, ">"},
			Count:    c.batch,
			Block:    c.blockMs,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			observability.LoggerWithTrace(ctx).Error().Err(err).Msg("lifecycle read failed")
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				c.dispatch(ctx, stream, msg)
			}
		}
	}
}

// recoverPending reclaims and redispatches this consumer's own unacked
// entries from a prior crash, reading them by explicit ID rather than ">"
// per original_source's recovery pass.
func (c *Consumer) recoverPending(ctx context.Context) error {
	stream := namespace.LifecycleStream()
	start := "0"
	for {
		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{stream, start},
			Count:    c.batch,
		}).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return apperr.Unavailable("eventbus", err)
		}
		read := 0
		for _, s := range streams {
			for _, msg := range s.Messages {
				c.dispatch(ctx, stream, msg)
				start = msg.ID
				read++
			}
		}
		if read == 0 {
			return nil
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, stream string, msg redis.XMessage) {
	event, err := decodeMessage(msg)
	if err != nil {
		observability.LoggerWithTrace(ctx).Error().Err(err).Str("message_id", msg.ID).Msg("lifecycle decode failed")
		c.rdb.XAck(ctx, stream, c.group, msg.ID)
		return
	}
	handler, ok := c.handlers[event.Type]
	if !ok {
		c.rdb.XAck(ctx, stream, c.group, msg.ID)
		return
	}
	if err := handler(ctx, event); err != nil {
		observability.LoggerWithTrace(ctx).Error().
			Err(err).Str("event_type", string(event.Type)).Str("message_id", msg.ID).
			Msg("lifecycle handler failed, leaving pending for redelivery")
		return
	}
	c.rdb.XAck(ctx, stream, c.group, msg.ID)
}

func decodeMessage(msg redis.XMessage) (Event, error) {
	typ, _ := msg.Values["type"].(string)
	sessionID, _ := msg.Values["session_id"].(string)
	tsRaw, _ := msg.Values["timestamp"].(string)
	dataRaw, _ := msg.Values["data"].(string)

	ts, err := time.Parse(time.RFC3339Nano, tsRaw)
	if err != nil {
		ts = time.Time{}
	}
	var data map[string]any
	if dataRaw != "" {
		if err := json.Unmarshal([]byte(dataRaw), &data); err != nil {
			return Event{}, fmt.Errorf("decode lifecycle event data: %w", err)
		}
	}
	return Event{
		Type:      EventType(typ),
		SessionID: sessionID,
		Timestamp: ts,
		Data:      data,
	}, nil
}

// Pending reports the number of undelivered-or-unacked entries for group,
// used by the health check / admin surface.
func (c *Consumer) Pending(ctx context.Context) (int64, error) {
	stream := namespace.LifecycleStream()
	summary, err := c.rdb.XPending(ctx, stream, c.group).Result()
	if err != nil {
		return 0, apperr.Unavailable("eventbus", err)
	}
	return summary.Count, nil
}
