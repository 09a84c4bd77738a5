package wire

import (
	"encoding/json"
	"strings"
)

// Well-known event types the client treats specially. Anything else flows
// through opaquely; servers add event types without coordination.
const (
	TypeSessionStatus      = "session.status"
	TypeMessageUpdated     = "message.updated"
	TypeMessagePartUpdated = "message.part.updated"
	TypeSessionIdle        = "session.idle"
	TypeSessionError       = "session.error"
	TypeSessionActivity    = "opencode-studio:session-activity"
	TypePatchBatch         = "patch-batch"

	TypeUpstreamDisconnected = "opencode-studio:upstream-disconnected"
	TypeReplayGap            = "opencode-studio:replay-gap"
)

// Event is the normalized form of one feed event. Type is the discriminant;
// fields the normalizer does not understand are preserved in Raw so consumers
// can forward-compat decode them.
type Event struct {
	Type       string
	Directory  string
	Properties map[string]any

	// Raw is the full decoded wire object the event was normalized from.
	Raw map[string]any
}

// SessionID extracts the session identifier from the event's properties,
// tolerating the casing variants the upstream has shipped over time.
func (e *Event) SessionID() string {
	return readSessionID(e.Properties)
}

func readSessionID(m map[string]any) string {
	if m == nil {
		return ""
	}
	for _, k := range []string{"sessionID", "sessionId", "session_id"} {
		if v, ok := m[k].(string); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

// Normalize decodes one wire payload into an Event. Three shapes are
// accepted:
//
//   - a flat object already carrying "type"
//   - an envelope {directory, payload: {type, ...}} (directory injected)
//   - an ops batch {ops: [...], seq?, ts?} (synthesized as a patch-batch)
//
// ok is false when the payload is not valid JSON or no event type can be
// resolved; such payloads are dropped by callers.
func Normalize(data []byte) (Event, bool) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, false
	}
	return NormalizeObject(raw)
}

// NormalizeObject is Normalize for an already-decoded object.
func NormalizeObject(raw map[string]any) (Event, bool) {
	if raw == nil {
		return Event{}, false
	}

	if ops, ok := raw["ops"].([]any); ok {
		props := map[string]any{"ops": ops}
		if seq, ok := raw["seq"]; ok {
			props["seq"] = seq
		}
		if ts, ok := raw["ts"]; ok {
			props["ts"] = ts
		}
		return Event{Type: TypePatchBatch, Properties: props, Raw: raw}, true
	}

	dir, _ := raw["directory"].(string)

	obj := raw
	if typeOf(obj) == "" {
		payload, ok := raw["payload"].(map[string]any)
		if !ok || typeOf(payload) == "" {
			return Event{}, false
		}
		obj = payload
	}

	props, _ := obj["properties"].(map[string]any)
	return Event{
		Type:       typeOf(obj),
		Directory:  dir,
		Properties: props,
		Raw:        obj,
	}, true
}

func typeOf(m map[string]any) string {
	t, _ := m["type"].(string)
	return t
}
