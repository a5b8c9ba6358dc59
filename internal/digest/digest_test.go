package digest_test

import (
	"strings"
	"testing"
	"time"

	"github.com/lmtlss/soulmemory/internal/digest"
)

func TestBuildIsDeterministic(t *testing.T) {
	at := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	transcript := []digest.TranscriptLine{{Label: "agent1", Text: "hi"}}

	a := digest.Build("soulmemory", "assistant", at, "(No nodes active)", transcript, "hello")
	b := digest.Build("soulmemory", "assistant", at, "(No nodes active)", transcript, "hello")
	if a != b {
		t.Errorf("Build is not deterministic:\n%q\nvs\n%q", a, b)
	}
}

func TestBuildContainsFixedBlocks(t *testing.T) {
	at := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	out := digest.Build("soulmemory", "assistant", at, "capsule body", nil, "hello world")

	for _, want := range []string{
		"singularity-root-key",
		"<system_identity>", "</system_identity>",
		"<soul_capsule>", "capsule body", "</soul_capsule>",
		"<instructions>", "<lattice_update>", "</instructions>",
		"2026-07-31",
		"hello world",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Build() missing %q in:\n%s", want, out)
		}
	}
}

func TestBuildOmitsTranscriptBlockWhenEmpty(t *testing.T) {
	at := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	out := digest.Build("soulmemory", "assistant", at, "capsule", nil, "hi")
	if strings.Contains(out, "<transcript>") {
		t.Errorf("Build() included empty <transcript> block: %s", out)
	}
}
