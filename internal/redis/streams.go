package redisx

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rishansujesh/jobsched/internal/progress"
)

const DefaultEventStream = "jobsched:events"

func XAddJSON(ctx context.Context, rdb redis.Cmdable, stream string, maxLen int64, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: maxLen > 0,
		ID:     "*",
		Values: map[string]any{"data": string(b)},
	}).Result()
}

// EventPublisher forwards progress events to a Redis stream. Observe never
// blocks; events are dropped when the buffer is full.
type EventPublisher struct {
	rdb     redis.Cmdable
	stream  string
	maxLen  int64
	ch      chan progress.Event
	dropped atomic.Int64
	log     zerolog.Logger
}

func NewEventPublisher(rdb redis.Cmdable, stream string, maxLen int64, log zerolog.Logger) *EventPublisher {
	if stream == "" {
		stream = DefaultEventStream
	}
	return &EventPublisher{
		rdb:    rdb,
		stream: stream,
		maxLen: maxLen,
		ch:     make(chan progress.Event, 1024),
		log:    log.With().Str("component", "events").Logger(),
	}
}

func (p *EventPublisher) Observe(ev progress.Event) {
	select {
	case p.ch <- ev:
	default:
		p.dropped.Add(1)
	}
}

func (p *EventPublisher) Dropped() int64 { return p.dropped.Load() }

// Run publishes buffered events until ctx ends.
func (p *EventPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.ch:
			if _, err := XAddJSON(ctx, p.rdb, p.stream, p.maxLen, ev); err != nil && ctx.Err() == nil {
				p.log.Warn().Err(err).Str("job_id", ev.JobID).Str("kind", string(ev.Kind)).Msg("publish event")
			}
		}
	}
}

type StreamEvent struct {
	ID    string
	Event progress.Event
}

// RecentEvents returns up to count events, newest first.
func RecentEvents(ctx context.Context, rdb redis.Cmdable, stream string, count int64) ([]StreamEvent, error) {
	msgs, err := rdb.XRevRangeN(ctx, stream, "+", "-", count).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read events")
	}
	return decodeEvents(msgs), nil
}

// FollowEvents calls fn for every event appended after it starts, until ctx
// ends or fn returns an error.
func FollowEvents(ctx context.Context, rdb redis.Cmdable, stream string, fn func(StreamEvent) error) error {
	last := "$"
	for {
		res, err := rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, last},
			Count:   100,
			Block:   2 * time.Second,
		}).Result()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, redis.Nil) {
			return errors.Wrap(err, "follow events")
		}
		for _, s := range res {
			for _, ev := range decodeEvents(s.Messages) {
				if err := fn(ev); err != nil {
					return err
				}
				last = ev.ID
			}
		}
	}
}

func decodeEvents(msgs []redis.XMessage) []StreamEvent {
	out := make([]StreamEvent, 0, len(msgs))
	for _, m := range msgs {
		var ev progress.Event
		if raw, ok := m.Values["data"].(string); ok && raw != "" {
			_ = json.Unmarshal([]byte(raw), &ev)
		}
		out = append(out, StreamEvent{ID: m.ID, Event: ev})
	}
	return out
}
