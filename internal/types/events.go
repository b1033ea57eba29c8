package types

import (
	"encoding/json"
	"time"
)

// EventKind names one append-only event log entry type.
type EventKind string

const (
	EventRequestHandled      EventKind = "request_handled"
	EventConversationEvicted EventKind = "conversation_evicted"
	EventPatternReinforced   EventKind = "pattern_reinforced"
	EventPatternLearned      EventKind = "pattern_learned"
	EventPatternConsolidated EventKind = "pattern_consolidated"
	EventPatternDecayed      EventKind = "pattern_decayed"
	EventAnomalyDetected     EventKind = "anomaly_detected"
	EventFeedbackRecorded    EventKind = "feedback_recorded"
	EventRouteSuccess        EventKind = "route_success"
	EventRouteFailure        EventKind = "route_failure"
	EventFileEdited          EventKind = "file_edited"
	EventUserCorrected       EventKind = "user_corrected"
	EventSessionComplete     EventKind = "session_complete"
	EventLearningRun         EventKind = "learning_run"
)

// Event is one immutable row of the event log. Payload is canonical
// JSON so replay is deterministic.
type Event struct {
	ID        int64           `json:"id"`
	EmittedAt time.Time       `json:"emitted_at"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// DecodePayload unmarshals the payload into v.
func (e *Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// RequestHandledPayload is emitted once per committed request.
type RequestHandledPayload struct {
	TraceID        string  `json:"trace_id"`
	Intent         Intent  `json:"intent"`
	Agent          string  `json:"agent"`
	Trigger        string  `json:"trigger"`
	Origin         string  `json:"origin"`
	Confidence     float64 `json:"confidence"`
	Success        bool    `json:"success"`
	ConversationID string  `json:"conversation_id"`
	DurationMS     int64   `json:"duration_ms"`
}

// RouteOutcomePayload backs route_success / route_failure events.
type RouteOutcomePayload struct {
	TraceID   string  `json:"trace_id"`
	PatternID string  `json:"pattern_id"`
	Intent    Intent  `json:"intent"`
	Score     float64 `json:"score"`
}

// FileEditedPayload records one file touched during a request.
type FileEditedPayload struct {
	TraceID string `json:"trace_id"`
	Path    string `json:"path"`
	Change  string `json:"change"` // created, modified, deleted
}

// UserCorrectedPayload records a user overriding engine output.
type UserCorrectedPayload struct {
	TraceID     string `json:"trace_id"`
	MistakeType string `json:"mistake_type"`
	Correction  string `json:"correction"`
	Context     string `json:"context,omitempty"`
}
