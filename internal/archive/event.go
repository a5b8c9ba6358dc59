package archive

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Canonical event types. Legacy aliases are normalized to
// these on append.
const (
	TypeAuthorMessage     = "author_message"
	TypeAssistantMessage  = "assistant_message"
	TypeSystemEvent       = "system_event"
	TypeIdentityCheck     = "identity_check"
	TypeHeartbeat         = "heartbeat"
	TypeWorldAction       = "world_action"
	TypeSensorData        = "sensor_data"
	TypeCompilationEvent  = "compilation_event"
	TypeReflectionEvent   = "reflection_event"
	TypeCirculationAbort  = "circulation_aborted"
)

// legacyAliases maps deprecated event-type spellings to their canonical
// form. Normalizing on append means readers never have to special-case
// history.
var legacyAliases = map[string]string{
	"user_message": TypeAuthorMessage,
	"ai_message":   TypeAssistantMessage,
	"bot_message":  TypeAssistantMessage,
	"presence":     TypeIdentityCheck,
}

// NormalizeEventType maps a legacy alias to its canonical spelling,
// returning the input unchanged if it is not a known alias.
func NormalizeEventType(t string) string {
	if canonical, ok := legacyAliases[t]; ok {
		return canonical
	}
	return t
}

var canonicalTypes = map[string]bool{
	TypeAuthorMessage:    true,
	TypeAssistantMessage: true,
	TypeSystemEvent:      true,
	TypeIdentityCheck:    true,
	TypeHeartbeat:        true,
	TypeWorldAction:      true,
	TypeSensorData:       true,
	TypeCompilationEvent: true,
	TypeReflectionEvent:  true,
	TypeCirculationAbort: true,
}

// IsCanonicalType reports whether t (after normalization) is a known
// event type.
func IsCanonicalType(t string) bool {
	return canonicalTypes[NormalizeEventType(t)]
}

// Event is one Archive entry.
type Event struct {
	EventHash   string          `json:"eventHash"`
	ParentHash  *string         `json:"parentHash"`
	Timestamp   string          `json:"timestamp"` // ISO-8601 UTC
	SessionKey  string          `json:"sessionKey"`
	EventType   string          `json:"eventType"`
	AgentID     string          `json:"agentId"`
	Model       *string         `json:"model,omitempty"`
	Channel     *string         `json:"channel,omitempty"`
	Peer        *string         `json:"peer,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	PayloadFile string          `json:"-"`
	PayloadLine int64           `json:"-"`
}

// CanonicalJSON re-encodes raw with sorted object keys and no
// insignificant whitespace. encoding/json already sorts map keys when
// marshaling a generic map[string]any, recursively — decoding raw into
// `any` and re-marshaling it is sufficient to canonicalize it.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("unmarshal for canonicalization: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical form: %w", err)
	}
	return out, nil
}

// ComputeHash implements the event hash rule:
//
//	event_hash = SHA-256( parent_hash || timestamp || event_type || agent_id || canonical_json(payload) )
//
// parent_hash is the empty string when nil.
func ComputeHash(parentHash *string, timestamp, eventType, agentID string, payload json.RawMessage) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}

	parent := ""
	if parentHash != nil {
		parent = *parentHash
	}

	var buf bytes.Buffer
	buf.WriteString(parent)
	buf.WriteString(timestamp)
	buf.WriteString(eventType)
	buf.WriteString(agentID)
	buf.Write(canonical)

	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// Recompute returns the hash recomputed from e's own fields, so a
// reader can verify it against the stored event_hash.
func (e Event) Recompute() (string, error) {
	return ComputeHash(e.ParentHash, e.Timestamp, e.EventType, e.AgentID, e.Payload)
}

// worldActionPayload is the minimal shape checked for gating.
type worldActionPayload struct {
	ApprovalID string `json:"approvalId"`
	Approved   bool   `json:"approved"`
}

// CheckWorldActionGate rejects a world_action payload that does not
// carry a non-empty approvalId and approved:true.
func CheckWorldActionGate(eventType string, payload json.RawMessage) error {
	if NormalizeEventType(eventType) != TypeWorldAction {
		return nil
	}
	var p worldActionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("world_action payload: %w", err)
	}
	if p.ApprovalID == "" || !p.Approved {
		return fmt.Errorf("world_action requires approvalId and approved:true")
	}
	return nil
}

// DayPartition returns the "YYYY-MM-DD" calendar-day partition key for
// an ISO-8601 UTC timestamp string.
func DayPartition(timestamp string) (string, error) {
	if len(timestamp) < 10 {
		return "", fmt.Errorf("timestamp %q too short to derive day partition", timestamp)
	}
	return timestamp[:10], nil
}
