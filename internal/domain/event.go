package domain

import (
	"strings"
	"time"
)

// EventAction is the raw mutation kind captured from the source table.
type EventAction string

const (
	EventInsert EventAction = "INSERT"
	EventUpdate EventAction = "UPDATE"
	EventDelete EventAction = "DELETE"
)

// ParseEventAction normalizes a feed action string.
func ParseEventAction(raw string) (EventAction, error) {
	switch EventAction(strings.ToUpper(strings.TrimSpace(raw))) {
	case EventInsert:
		return EventInsert, nil
	case EventUpdate:
		return EventUpdate, nil
	case EventDelete:
		return EventDelete, nil
	default:
		return "", NewConfigurationError("unknown event action %q", raw)
	}
}

// ChangeEvent is one captured mutation of the source table: the action, the
// affected business key, the attribute values at that instant (absent for
// deletes), and the event timestamp. Feeds must deliver events for one key
// in non-decreasing timestamp order.
type ChangeEvent struct {
	Action      EventAction    `json:"action"`
	BusinessKey string         `json:"business_key"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	At          time.Time      `json:"at"`
}

// Record views the event payload as a source record.
func (e ChangeEvent) Record() SourceRecord {
	return SourceRecord{BusinessKey: e.BusinessKey, Attributes: e.Attributes}
}
