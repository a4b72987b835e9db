package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-appointments/internal/booking"
)

const DefaultChannel = "clinic:booking-events"

// Message is the JSON document published for every booking event.
type Message struct {
	EventID   int64           `json:"eventId"`
	Type      string          `json:"type"`
	BookingID string          `json:"bookingId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

func NewMessage(ev booking.Event) Message {
	msg := Message{
		EventID:   ev.ID,
		Type:      ev.Type,
		BookingID: ev.BookingID.String(),
		CreatedAt: ev.CreatedAt.UTC(),
	}
	if json.Valid(ev.Payload) {
		msg.Payload = json.RawMessage(ev.Payload)
	}
	return msg
}

type Publisher interface {
	Publish(ctx context.Context, ev booking.Event) error
}

// RedisPublisher fans booking events out on a Redis pub/sub channel so
// reminder and mailer processes can subscribe without touching Postgres.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev booking.Event) error {
	data, err := json.Marshal(NewMessage(ev))
	if err != nil {
		return fmt.Errorf("encode event %d: %w", ev.ID, err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event %d: %w", ev.ID, err)
	}
	return nil
}

func (p *RedisPublisher) Channel() string {
	return p.channel
}
