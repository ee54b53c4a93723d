// Package activity records non-authoritative trade activity. Recording is
// fire-and-forget: a failed write never affects the trade that produced it.
package activity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Event kinds
const (
	TradeCreated   = "trade_created"
	TradeConfirmed = "trade_confirmed"
	TradeCompleted = "trade_completed"
	TradeCanceled  = "trade_canceled"
)

// Event is one activity record
type Event struct {
	ID        string
	Kind      string
	UserID    int64
	TradeID   int64
	ListingID int64
	At        time.Time
}

// NewEvent stamps an event with a fresh id and the current time
func NewEvent(kind string, userID, tradeID, listingID int64) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		UserID:    userID,
		TradeID:   tradeID,
		ListingID: listingID,
		At:        time.Now().UTC(),
	}
}

// Recorder accepts activity events
type Recorder interface {
	Record(ctx context.Context, e Event) error
}

// Nop discards every event
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }

// Stream appends events to a capped Redis stream
type Stream struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// NewStream creates a recorder writing to the named stream, trimmed to roughly maxLen entries
func NewStream(client redis.Cmdable, stream string, maxLen int64) *Stream {
	return &Stream{client: client, stream: stream, maxLen: maxLen}
}

// Record appends the event with XADD
func (s *Stream) Record(ctx context.Context, e Event) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: []interface{}{
			"id", e.ID,
			"kind", e.Kind,
			"user_id", strconv.FormatInt(e.UserID, 10),
			"trade_id", strconv.FormatInt(e.TradeID, 10),
			"listing_id", strconv.FormatInt(e.ListingID, 10),
			"at", e.At.Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to record %s activity: %w", e.Kind, err)
	}
	return nil
}

// NewRedisClient parses a redis:// url, falling back to a plain address
func NewRedisClient(url string) *redis.Client {
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	opts.PoolSize = 20
	opts.MaxRetries = 3
	return redis.NewClient(opts)
}
