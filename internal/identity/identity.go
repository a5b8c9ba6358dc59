// Package identity generates ULIDs and validates the session-key
// grammar used to partition events into conversations.
package identity

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// sessionKeyPrefix is the fixed first segment of every session key.
const sessionKeyPrefix = "lmtlss"

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a new, monotonically-ordered ULID string for the
// given instant. Monotonic entropy is serialized: ulid.Monotonic is not
// safe for concurrent use, and Archive/Lattice writers are single-writer
// per process anyway.
func NewULID(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), entropy).String()
}

// NewSessionKey builds a session key of the form "lmtlss:<agent_id>:<ULID>".
func NewSessionKey(agentID string, at time.Time) string {
	return fmt.Sprintf("%s:%s:%s", sessionKeyPrefix, agentID, NewULID(at))
}

// ValidateSessionKey rejects empty segments or any segment containing
// ":" beyond the three colon-delimited fields the grammar allows.
func ValidateSessionKey(key string) error {
	parts := strings.Split(key, ":")
	if len(parts) != 3 {
		return fmt.Errorf("session key %q: expected 3 colon-delimited segments, got %d", key, len(parts))
	}
	for i, p := range parts {
		if p == "" {
			return fmt.Errorf("session key %q: segment %d is empty", key, i)
		}
	}
	if parts[0] != sessionKeyPrefix {
		return fmt.Errorf("session key %q: expected prefix %q, got %q", key, sessionKeyPrefix, parts[0])
	}
	return nil
}

// AgentIDFromSessionKey extracts the agent_id segment of a validated
// session key.
func AgentIDFromSessionKey(key string) (string, error) {
	if err := ValidateSessionKey(key); err != nil {
		return "", err
	}
	return strings.Split(key, ":")[1], nil
}
