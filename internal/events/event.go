package events

import (
	"encoding/json"
	"time"

	"deal-aggregation-core/internal/models"
)

// Event types published in this system.
const (
	TypeDealCreated         = "deal.created"
	TypeDealUpdated         = "deal.updated"
	TypeDealExpired         = "deal.expired"
	TypeDealVerified        = "deal.verified"
	TypeVerificationQueued  = "deal.verification_queued"
	TypeDealUserReport      = "deal.user_report"
	TypeDealAutoExpired     = "deal.auto_expired"
	TypeDealTested          = "deal.tested"
	TypeDealViewed          = "deal.view"
	TypeDealClicked         = "deal.click"
	TypeDealRedeemed        = "deal.redemption"
	TypeNotificationSent    = "notification.sent"
)

// VersionV1 is the only schema version currently defined. The registry
// mechanism exists so additive versions can be introduced without breaking
// existing consumers.
const VersionV1 = "v1"

// Event is the versioned envelope carried on the bus. Type-specific fields
// live in Fields; the wire shape flattens them next to version, type and an
// epoch-millisecond timestamp. Deal, when set, gives subscribers the parsed
// record without re-decoding Fields.
type Event struct {
	Version     string
	Type        string
	Fields      map[string]any
	Deal        *models.Deal
	Timestamp   time.Time
	PublishedAt time.Time
}

// New builds a v1 event.
func New(eventType string, fields map[string]any, ts time.Time) Event {
	if fields == nil {
		fields = map[string]any{}
	}
	return Event{
		Version:   VersionV1,
		Type:      eventType,
		Fields:    fields,
		Timestamp: ts,
	}
}

// Field returns a type-specific field, nil if absent.
func (e Event) Field(key string) any {
	return e.Fields[key]
}

// StringField returns a field as a string, "" if absent or not a string.
func (e Event) StringField(key string) string {
	s, _ := e.Fields[key].(string)
	return s
}

// StringSliceField returns a field as a string slice, accepting both the
// native form and the []any produced by JSON decoding.
func (e Event) StringSliceField(key string) []string {
	switch v := e.Fields[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// HasChange reports whether a deal.updated event lists the given change.
func (e Event) HasChange(change string) bool {
	for _, c := range e.StringSliceField("changes") {
		if c == change {
			return true
		}
	}
	return false
}

// MarshalJSON flattens the envelope: version, type and millisecond
// timestamps sit next to the type-specific fields.
func (e Event) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(e.Fields)+4)
	for k, v := range e.Fields {
		flat[k] = v
	}
	flat["version"] = e.Version
	flat["type"] = e.Type
	flat["timestamp"] = e.Timestamp.UnixMilli()
	if !e.PublishedAt.IsZero() {
		flat["published_at"] = e.PublishedAt.UnixMilli()
	}
	if e.Deal != nil {
		flat["deal"] = e.Deal
	}
	return json.Marshal(flat)
}

// UnmarshalJSON reverses MarshalJSON. The embedded deal, when present, is
// re-parsed into a typed record.
func (e *Event) UnmarshalJSON(data []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}

	out := Event{Fields: map[string]any{}}

	for k, raw := range flat {
		switch k {
		case "version":
			if err := json.Unmarshal(raw, &out.Version); err != nil {
				return err
			}
		case "type":
			if err := json.Unmarshal(raw, &out.Type); err != nil {
				return err
			}
		case "timestamp":
			var ms int64
			if err := json.Unmarshal(raw, &ms); err != nil {
				return err
			}
			out.Timestamp = time.UnixMilli(ms).UTC()
		case "published_at":
			var ms int64
			if err := json.Unmarshal(raw, &ms); err != nil {
				return err
			}
			out.PublishedAt = time.UnixMilli(ms).UTC()
		case "deal":
			var deal models.Deal
			if err := json.Unmarshal(raw, &deal); err != nil {
				return err
			}
			out.Deal = &deal
		default:
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			out.Fields[k] = v
		}
	}

	*e = out
	return nil
}
