// Package events publishes task lifecycle transitions to Redis. Downstream
// consumers (billing, broadcast, sub-task orchestration) subscribe here
// instead of the store firing side effects on their behalf.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event types appended to the stream.
const (
	TypeClaimed   = "task.claimed"
	TypeReclaimed = "task.reclaimed"
	TypeCompleted = "task.completed"
	TypeFailed    = "task.failed"
)

// Event describes one task transition.
type Event struct {
	Type     string    `json:"type"`
	TaskID   string    `json:"task_id"`
	OwnerID  string    `json:"owner_id"`
	Venue    string    `json:"venue"`
	WorkerID string    `json:"worker_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher appends events to a capped Redis stream for durable consumers and
// mirrors them on a pub/sub channel for live listeners.
type Publisher struct {
	client  *redis.Client
	stream  string
	channel string
	maxLen  int64
}

// NewPublisher builds a publisher on an existing Redis client.
func NewPublisher(client *redis.Client, stream, channel string) *Publisher {
	return &Publisher{
		client:  client,
		stream:  stream,
		channel: channel,
		maxLen:  10000,
	}
}

// Publish appends the event to the stream and notifies the channel in one
// pipeline round trip.
func (p *Publisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	pipe := p.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{"event": payload},
	})
	pipe.Publish(ctx, p.channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Recent reads up to count of the latest events from the stream, newest first.
// Operational inspection only.
func (p *Publisher) Recent(ctx context.Context, count int64) ([]Event, error) {
	msgs, err := p.client.XRevRangeN(ctx, p.stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	out := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["event"].(string)
		if !ok {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
