package rlm

import (
	"strings"
	"testing"

	"github.com/itsmostafa/rlmgo/internal/provider"
)

func TestContextMetadataMessage(t *testing.T) {
	msg := ContextMetadataMessage(ContextInfo{Shape: "list", TotalChars: 9, ChunkChars: []int{4, 5}})
	if msg.Role != provider.RoleAssistant {
		t.Errorf("role = %q, want assistant", msg.Role)
	}
	for _, want := range []string{"list", "9 characters", "[4, 5]"} {
		if !strings.Contains(msg.Content, want) {
			t.Errorf("metadata message missing %q: %s", want, msg.Content)
		}
	}
}

func TestFormatChunkLengthsTruncation(t *testing.T) {
	chunks := make([]int, 150)
	for i := range chunks {
		chunks[i] = i
	}
	got := formatChunkLengths(chunks)

	if !strings.Contains(got, "... 50 others") {
		t.Errorf("missing truncation suffix: %s", got)
	}
	if strings.Contains(got, " 100,") {
		t.Errorf("entries past the first 100 should be elided: %s", got)
	}
	if !strings.HasPrefix(got, "[0, 1, ") {
		t.Errorf("unexpected prefix: %.30s", got)
	}

	short := formatChunkLengths([]int{1, 2, 3})
	if short != "[1, 2, 3]" {
		t.Errorf("short list = %q", short)
	}
}

func TestBuildIterationPrompt(t *testing.T) {
	first := BuildIterationPrompt(0, "What is the total?", 1, 0)
	if !strings.Contains(first, "not executed any code yet") {
		t.Error("first turn must carry the safeguard")
	}
	if !strings.Contains(first, "What is the total?") {
		t.Error("root question missing")
	}

	later := BuildIterationPrompt(3, "", 1, 0)
	if strings.Contains(later, "not executed any code yet") {
		t.Error("safeguard must only appear on the first turn")
	}
	if strings.Contains(later, "The query to answer") {
		t.Error("question block should be absent without a root prompt")
	}

	stacked := BuildIterationPrompt(1, "", 3, 2)
	if !strings.Contains(stacked, "context_2") {
		t.Errorf("missing context note: %s", stacked)
	}
	if !strings.Contains(stacked, "history_1") {
		t.Errorf("missing history note: %s", stacked)
	}
}
