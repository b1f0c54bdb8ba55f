package events

import (
	"fmt"
)

// Schema lists the fields an event type must and may carry.
type Schema struct {
	Required []string
	Optional []string
}

// Registry maps version -> event type -> schema. Events are validated
// against it before publication.
type Registry struct {
	schemas map[string]map[string]Schema
}

// NewRegistry returns a registry preloaded with the v1 schemas for every
// event type this system publishes.
func NewRegistry() *Registry {
	return &Registry{
		schemas: map[string]map[string]Schema{
			VersionV1: {
				TypeDealCreated: {
					Required: []string{"id", "merchant", "discount", "source", "timestamp"},
					Optional: []string{"terms", "expiry", "category", "verification_score"},
				},
				TypeDealUpdated: {
					Required: []string{"id", "changes", "timestamp"},
					Optional: []string{"previous_values", "reason"},
				},
				TypeDealExpired: {
					Required: []string{"id", "timestamp"},
					Optional: []string{"reason", "replacement"},
				},
				TypeDealVerified: {
					Required: []string{"id", "verification_score", "timestamp"},
					Optional: []string{"verifier", "comments"},
				},
				TypeVerificationQueued: {
					Required: []string{"deal_id", "reason", "timestamp"},
					Optional: []string{"priority"},
				},
				TypeDealUserReport: {
					Required: []string{"deal_id", "user_id", "status", "timestamp"},
					Optional: []string{"comments"},
				},
				TypeDealAutoExpired: {
					Required: []string{"deal_id", "reason", "timestamp"},
					Optional: []string{"stats"},
				},
				TypeDealTested: {
					Required: []string{"deal_id", "result", "timestamp"},
					Optional: []string{"details"},
				},
				TypeDealViewed: {
					Required: []string{"deal_id", "user_id", "timestamp"},
					Optional: []string{"context"},
				},
				TypeDealClicked: {
					Required: []string{"deal_id", "user_id", "timestamp"},
					Optional: []string{"context"},
				},
				TypeDealRedeemed: {
					Required: []string{"deal_id", "user_id", "timestamp"},
					Optional: []string{"context"},
				},
				TypeNotificationSent: {
					Required: []string{"user_id", "notification_type", "items", "timestamp"},
					Optional: nil,
				},
			},
		},
	}
}

// Register adds or replaces a schema. Intended for additive versions.
func (r *Registry) Register(version, eventType string, schema Schema) {
	if r.schemas[version] == nil {
		r.schemas[version] = map[string]Schema{}
	}
	r.schemas[version][eventType] = schema
}

// Validate checks the event against the schema registered for its
// (version, type) pair. Unknown pairs and missing required fields fail.
func (r *Registry) Validate(e Event) error {
	schema, ok := r.schemas[e.Version][e.Type]
	if !ok {
		return fmt.Errorf("unknown event schema %s/%s", e.Version, e.Type)
	}

	for _, field := range schema.Required {
		if field == "timestamp" {
			if e.Timestamp.IsZero() {
				return fmt.Errorf("event %s missing required field %q", e.Type, field)
			}
			continue
		}
		if _, present := e.Fields[field]; !present {
			return fmt.Errorf("event %s missing required field %q", e.Type, field)
		}
	}

	return nil
}

// Transform rewrites the event to the target version and re-validates. A
// no-op when already at the target; fails if the result does not satisfy
// the target schema.
func (r *Registry) Transform(e Event, targetVersion string) (Event, error) {
	if e.Version == targetVersion {
		return e, nil
	}

	transformed := e
	transformed.Fields = make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		transformed.Fields[k] = v
	}
	transformed.Version = targetVersion

	if err := r.Validate(transformed); err != nil {
		return Event{}, fmt.Errorf("transform to %s produced invalid event: %w", targetVersion, err)
	}

	return transformed, nil
}
