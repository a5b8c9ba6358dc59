// Package circulation implements the Circulation Cycle: the
// single orchestration that binds Recall, the Capsule Builder, the
// Identity Digest, a caller-supplied model invocation, and the
// Proposal Parser/Compiler into one request/response round trip.
package circulation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lmtlss/soulmemory/internal/archive"
	"github.com/lmtlss/soulmemory/internal/capsule"
	"github.com/lmtlss/soulmemory/internal/compiler"
	"github.com/lmtlss/soulmemory/internal/digest"
	"github.com/lmtlss/soulmemory/internal/identity"
	"github.com/lmtlss/soulmemory/internal/lattice"
	"github.com/lmtlss/soulmemory/internal/proposal"
	"github.com/lmtlss/soulmemory/internal/recall"
	"github.com/lmtlss/soulmemory/internal/soulerr"
)

// Context carries the caller-supplied identity and channel fields for
// one cycle.
type Context struct {
	AgentID    string
	Channel    string
	Peer       string
	Model      string
	SessionKey string
}

// InvokeModel is supplied by the caller; it must not block indefinitely
// — Circulation treats its failure (a non-nil error) as a model failure
// requiring a circulation_aborted event.
type InvokeModel func(prompt string) (string, error)

// Result is the return value of one Run.
type Result struct {
	Reply              string
	PresenceEventHash  string
	AuthorEventHash    string
	AssistantEventHash string
	Proposal           *proposal.Proposal
	CompileErr         error
}

// Core bundles the Archive and Lattice stores Circulation orchestrates.
// AgentName/Role feed the Identity Digest's <system_identity> block.
type Core struct {
	Archive      *archive.Store
	Lattice      *lattice.Store
	AgentName    string
	Role         string
	CapsuleChars int

	// Lock, when non-nil, is held for the duration of Run. Sharing it
	// with a cron.Scheduler serializes Circulation cycles against cron
	// ticks on the same cooperative executor.
	Lock *sync.Mutex
}

// Run executes one Circulation cycle for utterance.
func (c *Core) Run(ctx context.Context, utterance string, circCtx Context, invoke InvokeModel) (Result, error) {
	if c.Lock != nil {
		c.Lock.Lock()
		defer c.Lock.Unlock()
	}

	sessionKey := circCtx.SessionKey
	now := time.Now().UTC()
	if sessionKey == "" {
		sessionKey = identity.NewSessionKey(circCtx.AgentID, now)
	}

	// Step 1: Recall.
	recalled, err := recall.Recall(ctx, c.Archive, c.Lattice, utterance, recall.DefaultOptions())
	if err != nil {
		return Result{}, soulerr.New(soulerr.IO, "circulation.Run", fmt.Errorf("recall: %w", err))
	}

	// Step 2: Capsule.
	soulCapsule, err := capsule.Build(ctx, c.Lattice, now, c.CapsuleChars)
	if err != nil {
		return Result{}, soulerr.New(soulerr.IO, "circulation.Run", fmt.Errorf("capsule: %w", err))
	}

	// Step 3: Presence event.
	archiveSize, err := c.Archive.Count(ctx)
	if err != nil {
		return Result{}, soulerr.New(soulerr.IO, "circulation.Run", fmt.Errorf("archive count: %w", err))
	}
	latticeSize, err := c.Lattice.NodeCount(ctx)
	if err != nil {
		return Result{}, soulerr.New(soulerr.IO, "circulation.Run", fmt.Errorf("lattice count: %w", err))
	}
	presencePayload, err := json.Marshal(map[string]any{
		"clock":        now.Format(time.RFC3339Nano),
		"lattice_size": latticeSize,
		"archive_size": archiveSize,
	})
	if err != nil {
		return Result{}, soulerr.New(soulerr.IO, "circulation.Run", err)
	}
	presence, err := c.Archive.AppendEvent(ctx, nil, now, sessionKey, archive.TypeIdentityCheck,
		circCtx.AgentID, modelPtr(circCtx.Model), strPtr(circCtx.Channel), strPtr(circCtx.Peer), presencePayload)
	if err != nil {
		return Result{}, soulerr.New(soulerr.IO, "circulation.Run", fmt.Errorf("presence event: %w", err))
	}

	// Step 4: Identity digest prompt assembly.
	prompt := digest.Build(c.AgentName, c.Role, now, soulCapsule, transcriptLines(recalled), utterance)

	// Step 5: Author event.
	authorPayload, err := json.Marshal(map[string]any{"text": utterance})
	if err != nil {
		return Result{}, soulerr.New(soulerr.IO, "circulation.Run", err)
	}
	parentAuthor := presence.EventHash
	author, err := c.Archive.AppendEvent(ctx, &parentAuthor, now, sessionKey, archive.TypeAuthorMessage,
		circCtx.AgentID, modelPtr(circCtx.Model), strPtr(circCtx.Channel), strPtr(circCtx.Peer), authorPayload)
	if err != nil {
		return Result{}, soulerr.New(soulerr.IO, "circulation.Run", fmt.Errorf("author event: %w", err))
	}

	// Step 6: Model invocation.
	reply, err := invoke(prompt)
	if err != nil {
		c.abort(ctx, sessionKey, circCtx, now, author.EventHash, err)
		return Result{}, soulerr.New(soulerr.Model, "circulation.Run", err)
	}

	// Step 7: Proposal parsing & compilation.
	visibleText := proposal.StripBlocks(reply)
	var (
		compiled   *proposal.Proposal
		compileErr error
	)
	if p, ok := proposal.ParseFirst(reply); ok {
		compiled = &p
		if _, err := compiler.Compile(ctx, c.Lattice, p, circCtx.AgentID); err != nil {
			compileErr = err
			log.Printf("[circulation] proposal compilation failed: %v", err)
		}
	} else if len(proposal.ExtractBlocks(reply)) > 0 {
		log.Printf("[circulation] PARSE: reply carried a <lattice_update> block that did not parse")
	}

	// Step 8: Assistant event.
	assistantPayload, err := json.Marshal(map[string]any{"text": visibleText, "raw": reply})
	if err != nil {
		return Result{}, soulerr.New(soulerr.IO, "circulation.Run", err)
	}
	parentAssistant := author.EventHash
	assistant, err := c.Archive.AppendEvent(ctx, &parentAssistant, now, sessionKey, archive.TypeAssistantMessage,
		circCtx.AgentID, modelPtr(circCtx.Model), strPtr(circCtx.Channel), strPtr(circCtx.Peer), assistantPayload)
	if err != nil {
		return Result{}, soulerr.New(soulerr.IO, "circulation.Run", fmt.Errorf("assistant event: %w", err))
	}

	return Result{
		Reply:              visibleText,
		PresenceEventHash:  presence.EventHash,
		AuthorEventHash:    author.EventHash,
		AssistantEventHash: assistant.EventHash,
		Proposal:           compiled,
		CompileErr:         compileErr,
	}, nil
}

// abort appends a circulation_aborted system event chained off the
// author event, preserving the Archive's append-only monotonicity
// invariant when invoke_model fails mid-cycle.
func (c *Core) abort(ctx context.Context, sessionKey string, circCtx Context, now time.Time, parentHash string, cause error) {
	payload, err := json.Marshal(map[string]any{"reason": cause.Error()})
	if err != nil {
		log.Printf("[circulation] failed to marshal abort payload: %v", err)
		return
	}
	parent := parentHash
	if _, err := c.Archive.AppendEvent(ctx, &parent, now, sessionKey, archive.TypeCirculationAbort,
		circCtx.AgentID, modelPtr(circCtx.Model), strPtr(circCtx.Channel), strPtr(circCtx.Peer), payload); err != nil {
		log.Printf("[circulation] failed to append circulation_aborted event: %v", err)
	}
}

func transcriptLines(events []archive.Event) []digest.TranscriptLine {
	lines := make([]digest.TranscriptLine, 0, len(events))
	for _, e := range events {
		label := e.AgentID
		if e.Peer != nil && *e.Peer != "" {
			label = *e.Peer
		}
		text, ok := eventText(e.Payload)
		if !ok {
			continue
		}
		lines = append(lines, digest.TranscriptLine{Label: label, Text: text})
	}
	return lines
}

func eventText(payload json.RawMessage) (string, bool) {
	var v struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(payload, &v); err != nil || v.Text == "" {
		return "", false
	}
	return v.Text, true
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func modelPtr(s string) *string { return strPtr(s) }
