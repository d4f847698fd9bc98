package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/chainpass/wcsap/audit"
)

// AuditTopic is the topic the audit stream is published on. External SIEM
// and log-shipping collaborators subscribe to it read-only.
const AuditTopic = "wcsap.audit"

// WatermillSink publishes audit events on a Watermill stream. It implements
// audit.Sink and is called only from the dispatcher's worker goroutine.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
}

// NewWatermillSink creates a sink on the given publisher.
func NewWatermillSink(publisher message.Publisher) *WatermillSink {
	return &WatermillSink{
		publisher: publisher,
		topic:     AuditTopic,
	}
}

// Emit serializes the event and publishes it keyed by event id.
func (s *WatermillSink) Emit(_ context.Context, event audit.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	msg := message.NewMessage(event.ID, payload)
	msg.Metadata.Set("event_type", string(event.Type))
	msg.Metadata.Set("severity", event.Severity.String())

	if err := s.publisher.Publish(s.topic, msg); err != nil {
		return fmt.Errorf("failed to publish audit event: %w", err)
	}

	return nil
}
