package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventKind enumerates the event classes flowing through realtime channels.
type EventKind string

const (
	// EventKindInsert represents a row inserted into a remote table.
	EventKindInsert EventKind = "insert"
	// EventKindPresence represents a presence transition on a
	// presence-flavored channel.
	EventKindPresence EventKind = "presence"
	// EventKindMalformed marks a wire payload that failed to decode. It is
	// produced at the channel boundary and never delivered to handlers;
	// consumers log and drop it.
	EventKindMalformed EventKind = "malformed"
)

// PresenceEventType enumerates the presence protocol's three event kinds.
type PresenceEventType string

const (
	// PresenceSync replaces the entire online map with the remote state.
	PresenceSync PresenceEventType = "sync"
	// PresenceJoin marks a single peer coming online.
	PresenceJoin PresenceEventType = "join"
	// PresenceLeave marks a single peer going offline.
	PresenceLeave PresenceEventType = "leave"
)

// ErrMalformedEvent wraps wire payloads that could not be decoded into a
// typed event.
var ErrMalformedEvent = errors.New("malformed realtime event")

// Event is the typed representation delivered to subscribers. Exactly one of
// the payload pointers matching Kind is populated.
type Event struct {
	Kind       EventKind      `json:"kind"`
	Insert     *InsertEvent   `json:"insert,omitempty"`
	Presence   *PresenceEvent `json:"presence,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`

	// Raw holds the undecodable wire payload for malformed events.
	Raw []byte `json:"-"`
}

// InsertEvent describes a row-insert notification scoped to a schema and
// table. Row carries the inserted record; consumers decode the columns they
// understand and treat failures as malformed payloads.
type InsertEvent struct {
	Schema string          `json:"schema"`
	Table  string          `json:"table"`
	Row    json.RawMessage `json:"row"`
}

// PresenceEvent describes a presence transition. Peer is set for join/leave;
// Peers carries the authoritative roster for sync.
type PresenceEvent struct {
	Type  PresenceEventType `json:"type"`
	Peer  string            `json:"peer,omitempty"`
	Peers []string          `json:"peers,omitempty"`
}

// EncodeEvent renders an event for the wire.
func EncodeEvent(event Event) ([]byte, error) {
	if event.Kind == "" {
		return nil, errors.New("event kind is required")
	}
	return json.Marshal(event)
}

// DecodeEvent parses a wire payload into a typed event. Failures return an
// error wrapping ErrMalformedEvent so boundaries can branch on it without
// string matching.
func DecodeEvent(payload []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := validateEvent(event); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return event, nil
}

func validateEvent(event Event) error {
	switch event.Kind {
	case EventKindInsert:
		if event.Insert == nil {
			return errors.New("insert payload missing")
		}
		if event.Insert.Table == "" {
			return errors.New("insert table missing")
		}
	case EventKindPresence:
		if event.Presence == nil {
			return errors.New("presence payload missing")
		}
		switch event.Presence.Type {
		case PresenceSync:
		case PresenceJoin, PresenceLeave:
			if event.Presence.Peer == "" {
				return errors.New("presence peer missing")
			}
		default:
			return fmt.Errorf("unsupported presence type %q", event.Presence.Type)
		}
	default:
		return fmt.Errorf("unsupported event kind %q", event.Kind)
	}
	return nil
}

// MessageRow is the subset of an inserted message row the chat synchronizer
// depends on. Additional columns on the wire are ignored.
type MessageRow struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
}

// DecodeMessageRow extracts the message columns from an insert event's row.
func DecodeMessageRow(insert *InsertEvent) (MessageRow, error) {
	if insert == nil || len(insert.Row) == 0 {
		return MessageRow{}, fmt.Errorf("%w: empty insert row", ErrMalformedEvent)
	}
	var row MessageRow
	if err := json.Unmarshal(insert.Row, &row); err != nil {
		return MessageRow{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if row.ConversationID == "" {
		return MessageRow{}, fmt.Errorf("%w: conversation_id missing", ErrMalformedEvent)
	}
	return row, nil
}
