package identity_test

import (
	"testing"
	"time"

	"github.com/lmtlss/soulmemory/internal/identity"
)

func TestNewSessionKeyRoundTrips(t *testing.T) {
	key := identity.NewSessionKey("author_1", time.Now())
	if err := identity.ValidateSessionKey(key); err != nil {
		t.Fatalf("ValidateSessionKey(%q) = %v, want nil", key, err)
	}
	agent, err := identity.AgentIDFromSessionKey(key)
	if err != nil {
		t.Fatalf("AgentIDFromSessionKey: %v", err)
	}
	if agent != "author_1" {
		t.Errorf("agent = %q, want author_1", agent)
	}
}

func TestValidateSessionKeyRejectsEmptySegment(t *testing.T) {
	if err := identity.ValidateSessionKey("lmtlss::01ARZ"); err == nil {
		t.Error("expected error for empty segment")
	}
}

func TestValidateSessionKeyRejectsWrongSegmentCount(t *testing.T) {
	if err := identity.ValidateSessionKey("lmtlss:agent"); err == nil {
		t.Error("expected error for missing segment")
	}
	if err := identity.ValidateSessionKey("lmtlss:agent:ulid:extra"); err == nil {
		t.Error("expected error for extra segment")
	}
}

func TestNewULIDIsMonotonicallySortable(t *testing.T) {
	now := time.Now()
	a := identity.NewULID(now)
	b := identity.NewULID(now)
	if a >= b {
		t.Errorf("ULIDs should be strictly increasing for same timestamp: %s >= %s", a, b)
	}
}
