// Package soulerr defines the distinguishable error kinds the core
// surfaces across the Archive, Lattice, Proposal Parser, Compiler, and
// Circulation boundaries.
package soulerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error categories. Each is
// distinguishable via errors.Is/As so callers (Circulation, cron jobs,
// the demonstration CLI) can branch on propagation policy without
// string matching.
type Kind string

const (
	// Corruption marks a hash-recompute mismatch: unrecoverable on read.
	Corruption Kind = "CORRUPTION"
	// Referential marks a missing edge endpoint or a self-loop.
	Referential Kind = "REFERENTIAL"
	// Validation marks a malformed or out-of-enum proposal field.
	Validation Kind = "VALIDATION"
	// Parse marks malformed JSON inside a proposal block.
	Parse Kind = "PARSE"
	// Policy marks a gated append rejected by policy (e.g. unapproved
	// world_action, strict-mode out-of-range weight).
	Policy Kind = "POLICY"
	// IO marks a disk/DB failure.
	IO Kind = "IO"
	// Model marks invoke_model failing or returning empty.
	Model Kind = "MODEL"
	// Sparse is advisory, not an error: it flags a bootstrap-context
	// request against a lattice that has not yet accumulated belief.
	Sparse Kind = "SPARSE"
)

// Error pairs a Kind with the underlying cause and is always produced
// via the constructors below so formatting stays consistent.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, soulerr.Sentinel(soulerr.Corruption)) style
// checks: target matches when it is an *Error with the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New builds a Kind-tagged error for operation op.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinel returns a comparable value for errors.Is(err, soulerr.Sentinel(kind)).
func Sentinel(kind Kind) error {
	return &Error{Kind: kind}
}

// Of reports the Kind of err, and whether err is a *Error at all.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
