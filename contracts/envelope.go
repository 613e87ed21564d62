package contracts

import (
	"time"

	"github.com/google/uuid"
)

// ContentTypeJSON is the content type stamped on every envelope built from a domain object.
const ContentTypeJSON = "application/json"

// Envelope wraps a serialized payload for transport
type Envelope struct {
	MessageID            string
	Payload              []byte
	ContentType          string
	ScheduledEnqueueTime *time.Time
	TimeToLive           *time.Duration
	Properties           map[string]string
}

// NewJSONEnvelope creates an envelope for a JSON payload with a fresh message ID
func NewJSONEnvelope(payload []byte) Envelope {
	return Envelope{
		MessageID:   uuid.New().String(),
		Payload:     payload,
		ContentType: ContentTypeJSON,
	}
}

// IsScheduledAfter reports whether the envelope must stay invisible at now.
func (e Envelope) IsScheduledAfter(now time.Time) bool {
	return e.ScheduledEnqueueTime != nil && e.ScheduledEnqueueTime.After(now)
}

// ExpiresAt returns the absolute expiry for a message enqueued at enqueuedAt.
// The second return value is false when the envelope has no time-to-live.
func (e Envelope) ExpiresAt(enqueuedAt time.Time) (time.Time, bool) {
	if e.TimeToLive == nil || *e.TimeToLive <= 0 {
		return time.Time{}, false
	}
	return enqueuedAt.Add(*e.TimeToLive), true
}
