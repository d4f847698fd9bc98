// Package audit provides the append-only security event trail. Events are
// buffered and delivered to sinks off the request path; a full buffer
// increments a dropped-event counter instead of blocking authentication.
package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/chainpass/wcsap/core"
)

// EventType identifies a security-relevant state transition.
type EventType string

const (
	EventChallengeIssued    EventType = "challenge.issued"
	EventChallengeConsumed  EventType = "challenge.consumed"
	EventVerificationFailed EventType = "verification.failed"
	EventSessionIssued      EventType = "session.issued"
	EventSessionRefreshed   EventType = "session.refreshed"
	EventReuseDetected      EventType = "session.reuse_detected"
	EventSessionRevoked     EventType = "session.revoked"
	EventRateLimited        EventType = "rate.limited"
	EventRiskDenied         EventType = "risk.denied"
	EventStepUpRequired     EventType = "risk.step_up"
	EventDPoPRejected       EventType = "dpop.rejected"
)

// Severity follows syslog levels so the stream maps directly onto SIEM
// ingestion.
type Severity int

const (
	SeverityAlert   Severity = 1
	SeverityWarning Severity = 4
	SeverityNotice  Severity = 5
	SeverityInfo    Severity = 6
)

func (s Severity) String() string {
	switch s {
	case SeverityAlert:
		return "ALERT"
	case SeverityWarning:
		return "WARNING"
	case SeverityNotice:
		return "NOTICE"
	case SeverityInfo:
		return "INFO"
	default:
		return "UNKNOWN"
	}
}

var severityMap = map[EventType]Severity{
	EventChallengeIssued:    SeverityInfo,
	EventChallengeConsumed:  SeverityInfo,
	EventVerificationFailed: SeverityWarning,
	EventSessionIssued:      SeverityNotice,
	EventSessionRefreshed:   SeverityInfo,
	EventReuseDetected:      SeverityAlert,
	EventSessionRevoked:     SeverityNotice,
	EventRateLimited:        SeverityInfo,
	EventRiskDenied:         SeverityWarning,
	EventStepUpRequired:     SeverityNotice,
	EventDPoPRejected:       SeverityWarning,
}

// SeverityFor returns the severity for an event type. Unknown types are
// treated as warnings.
func SeverityFor(et EventType) Severity {
	if s, ok := severityMap[et]; ok {
		return s
	}
	return SeverityWarning
}

// Event is a single immutable audit record.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Severity  Severity    `json:"severity"`
	Timestamp time.Time   `json:"timestamp"`
	Address   string      `json:"address,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Outcome   string      `json:"outcome"`
	Reason    string      `json:"reason,omitempty"`
	Origin    core.Origin `json:"origin"`
}

// NewEvent builds an event with a fresh id and the type's severity. The
// timestamp is supplied by the caller so events share the clock of the
// operation they record.
func NewEvent(et EventType, at time.Time, address, sessionID, outcome, reason string, origin core.Origin) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      et,
		Severity:  SeverityFor(et),
		Timestamp: at,
		Address:   address,
		SessionID: sessionID,
		Outcome:   outcome,
		Reason:    reason,
		Origin:    origin,
	}
}
