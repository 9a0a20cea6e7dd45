package redisclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// EventStream is the stream notification and reporting consumers read with
// XREAD/consumer groups. This service only ever appends.
const EventStream = "appointments:events"

// maxStreamLen caps the stream so an absent consumer cannot grow it without
// bound. Trimming is approximate (XADD MAXLEN ~).
const maxStreamLen = 100_000

type StreamPublisher struct {
	client *redis.Client
}

// NewStreamPublisher creates a publisher that appends lifecycle events to a
// capped Redis stream.
func NewStreamPublisher(client *redis.Client) *StreamPublisher {
	return &StreamPublisher{client: client}
}

func (p *StreamPublisher) Publish(ctx context.Context, eventType string, appointmentID uuid.UUID, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: EventStream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]any{
			"event_type":     eventType,
			"appointment_id": appointmentID.String(),
			"payload":        string(body),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", EventStream, err)
	}

	return nil
}
