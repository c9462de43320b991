package events

import (
	"encoding/json"
	"time"
)

// KeyTransition marks a fact recording a transition the engine has already
// applied. Its value is {"from": ..., "to": ...}.
const KeyTransition = "transition"

type Payload map[string]any

// Event is an immutable fact. ID is the append sequence; ordering within a
// correlation id follows it.
type Event struct {
	ID            int64     `json:"id"`
	Type          string    `json:"type"`
	CorrelationID string    `json:"correlation_id"`
	OccurredAt    time.Time `json:"occurred_at"`
	Payload       Payload   `json:"payload"`
	CausationID   *int64    `json:"causation_id,omitempty"`
	RequestID     string    `json:"request_id,omitempty"`
}

// Transition returns the from/to pair when the event records an applied
// transition.
func (e Event) Transition() (from, to string, ok bool) {
	raw, found := e.Payload[KeyTransition]
	if !found {
		return "", "", false
	}
	switch v := raw.(type) {
	case map[string]any:
		from, _ = v["from"].(string)
		to, _ = v["to"].(string)
	case map[string]string:
		from, to = v["from"], v["to"]
	default:
		return "", "", false
	}
	return from, to, to != ""
}

// String returns a payload value as a string, or "" when absent.
func (e Event) String(key string) string {
	if e.Payload == nil {
		return ""
	}
	switch v := e.Payload[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// CausedBy links the event to the one that triggered it.
func (e Event) CausedBy(cause Event) Event {
	if cause.ID > 0 {
		id := cause.ID
		e.CausationID = &id
	}
	return e
}

// TransitionPayload builds a payload for an engine-applied transition, merged
// with extra.
func TransitionPayload(from, to string, extra Payload) Payload {
	p := Payload{KeyTransition: map[string]any{"from": from, "to": to}}
	for k, v := range extra {
		if k == KeyTransition {
			continue
		}
		p[k] = v
	}
	return p
}
