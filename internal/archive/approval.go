package archive

import "github.com/google/uuid"

// NewApprovalID mints an external-system approval identifier for a
// world_action payload's approvalId field. A random UUID is used rather
// than a ULID: approvals are opaque external-system tokens, not
// lattice-ordered identifiers.
func NewApprovalID() string {
	return "appr_" + uuid.NewString()
}
