package domain

import "time"

// EventType classifies observability events emitted by the sync core.
type EventType string

const (
	EventCircuitStateChanged   EventType = "circuit_state_changed"
	EventRateLimitRejected     EventType = "rate_limit_rejected"
	EventReconstructionAnomaly EventType = "reconstruction_anomaly"
	EventSyncCompleted         EventType = "sync_completed"
	EventProviderFallback      EventType = "provider_fallback"
)

// Event is a structured record handed to the observability sink.
type Event struct {
	Type      EventType              `json:"type"`
	Provider  string                 `json:"provider,omitempty"`
	Scope     string                 `json:"scope,omitempty"`
	AccountID string                 `json:"account_id,omitempty"`
	Symbol    string                 `json:"symbol,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	At        time.Time              `json:"at"`
}
