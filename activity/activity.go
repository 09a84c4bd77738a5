// Package activity derives coarse per-session activity phases from feed
// events. The relay injects the derived phase as a synthetic event so
// sidebars and dashboards can show busy/idle state without understanding
// every upstream event type.
package activity

import (
	"strings"

	"github.com/opencode-studio/eventstream-go/wire"
)

// Phase is the coarse activity state of one session.
type Phase string

const (
	PhaseBusy     Phase = "busy"
	PhaseIdle     Phase = "idle"
	PhaseCooldown Phase = "cooldown"
)

// Derive maps an event to a (sessionID, phase) pair, or ok=false when the
// event says nothing about session activity.
//
//   - session.status: busy and retry mean busy, anything else idle
//   - message.updated / message.part.updated with an assistant message
//     finishing with "stop" means cooldown
//   - session.idle means idle
//   - session.error means idle (errors are terminal for the current run;
//     avoid leaving the UI stuck busy)
func Derive(e *wire.Event) (string, Phase, bool) {
	switch e.Type {
	case wire.TypeSessionStatus:
		sid := e.SessionID()
		status, _ := e.Properties["status"].(map[string]any)
		statusType, _ := status["type"].(string)
		if sid == "" || statusType == "" {
			return "", "", false
		}
		if statusType == "busy" || statusType == "retry" {
			return sid, PhaseBusy, true
		}
		return sid, PhaseIdle, true

	case wire.TypeMessageUpdated, wire.TypeMessagePartUpdated:
		info, _ := e.Properties["info"].(map[string]any)
		sid := sessionIDFrom(info)
		if sid == "" {
			sid = e.SessionID()
		}
		role, _ := info["role"].(string)
		finish, _ := info["finish"].(string)
		if sid != "" && role == "assistant" && finish == "stop" {
			return sid, PhaseCooldown, true
		}
		return "", "", false

	case wire.TypeSessionIdle, wire.TypeSessionError:
		if sid := e.SessionID(); sid != "" {
			return sid, PhaseIdle, true
		}
		return "", "", false
	}
	return "", "", false
}

func sessionIDFrom(m map[string]any) string {
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
