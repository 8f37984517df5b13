package rlm

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/itsmostafa/rlmgo/internal/provider"
	"github.com/itsmostafa/rlmgo/internal/sandbox"
)

func TestExtractCodeBlocks(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "no blocks",
			text: "just some prose with no code",
			want: []string{},
		},
		{
			name: "single block",
			text: "let me check\n```repl\nprint(1+1)\n```\ndone",
			want: []string{"print(1+1)"},
		},
		{
			name: "multiple blocks in source order",
			text: "```repl\na := 1\n```\nand then\n```repl\nprint(a)\n```",
			want: []string{"a := 1", "print(a)"},
		},
		{
			name: "other language fences ignored",
			text: "```python\nx = 1\n```\n```repl\ny := 2\n```",
			want: []string{"y := 2"},
		},
		{
			name: "outer whitespace stripped",
			text: "```repl\n\n   x := 2   \n\n```",
			want: []string{"x := 2"},
		},
		{
			name: "unclosed fence ignored",
			text: "```repl\nx := 1",
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractCodeBlocks(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("ExtractCodeBlocks() returned %d blocks, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("block %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDetectFinalMarker(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantFound bool
		want      string
	}{
		{
			name:      "no marker",
			text:      "still working on it",
			wantFound: false,
		},
		{
			name:      "simple final",
			text:      "FINAL(bye)",
			wantFound: true,
			want:      "bye",
		},
		{
			name:      "final with inner parens",
			text:      "FINAL(f(x) = y(z))",
			wantFound: true,
			want:      "f(x) = y(z)",
		},
		{
			name:      "final trimmed",
			text:      "FINAL(  spaced answer  )",
			wantFound: true,
			want:      "spaced answer",
		},
		{
			name:      "indented final",
			text:      "some thoughts\n  FINAL(indented)",
			wantFound: true,
			want:      "indented",
		},
		{
			name:      "mid-line final ignored",
			text:      "you could use FINAL(x) to finish",
			wantFound: false,
		},
		{
			name:      "final var without sandbox yields no answer",
			text:      "FINAL_VAR(result)",
			wantFound: true,
			want:      "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := DetectFinalMarker(context.Background(), tt.text, nil)
			if found != tt.wantFound {
				t.Fatalf("found = %v, want %v", found, tt.wantFound)
			}
			if got != tt.want {
				t.Errorf("answer = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectFinalMarkerPrecedence(t *testing.T) {
	text := "FINAL(y)\nFINAL_VAR(x)"
	session := &fakeSession{
		exec: func(code string) *sandbox.REPLResult {
			if code != `print(FINAL_VAR("x"))` {
				t.Fatalf("unexpected program: %q", code)
			}
			return &sandbox.REPLResult{Stdout: "42"}
		},
	}

	got, found := DetectFinalMarker(context.Background(), text, session)
	if !found {
		t.Fatal("expected marker to be found")
	}
	if got != "42" {
		t.Errorf("answer = %q, want %q (FINAL_VAR must win over FINAL)", got, "42")
	}
}

func TestDetectFinalMarkerVarQuoting(t *testing.T) {
	for _, text := range []string{"FINAL_VAR(ans)", `FINAL_VAR("ans")`, "FINAL_VAR('ans')", "FINAL_VAR( ans )"} {
		var gotProgram string
		session := &fakeSession{
			exec: func(code string) *sandbox.REPLResult {
				gotProgram = code
				return &sandbox.REPLResult{Stdout: "ok"}
			},
		}
		if _, found := DetectFinalMarker(context.Background(), text, session); !found {
			t.Fatalf("marker not found in %q", text)
		}
		if gotProgram != `print(FINAL_VAR("ans"))` {
			t.Errorf("program for %q = %q", text, gotProgram)
		}
	}
}

func TestDetectFinalMarkerVarFallsBackToStderr(t *testing.T) {
	diag := "Error: variable 'none' is not defined. Available variables: (none)."
	session := &fakeSession{
		exec: func(code string) *sandbox.REPLResult {
			return &sandbox.REPLResult{Stderr: diag + "\n"}
		},
	}
	got, found := DetectFinalMarker(context.Background(), "FINAL_VAR(none)", session)
	if !found {
		t.Fatal("expected marker to be found")
	}
	if got != diag {
		t.Errorf("answer = %q, want stderr diagnostic", got)
	}
}

func TestRenderResultClamp(t *testing.T) {
	res := &sandbox.REPLResult{Stdout: strings.Repeat("x", 50000)}
	got := renderResult(res)

	suffix := "... + [30000 chars...]"
	if !strings.HasSuffix(got, suffix) {
		t.Fatalf("rendered result does not end with %q: ...%s", suffix, got[len(got)-40:])
	}
	if len(got) != maxRenderedResult+len(suffix) {
		t.Errorf("rendered length = %d, want %d", len(got), maxRenderedResult+len(suffix))
	}
}

func TestRenderResult(t *testing.T) {
	tests := []struct {
		name string
		res  *sandbox.REPLResult
		want string
	}{
		{
			name: "empty",
			res:  &sandbox.REPLResult{},
			want: "No output",
		},
		{
			name: "nil",
			res:  nil,
			want: "No output",
		},
		{
			name: "stdout only",
			res:  &sandbox.REPLResult{Stdout: "2\n"},
			want: "2",
		},
		{
			name: "stdout and stderr",
			res:  &sandbox.REPLResult{Stdout: "partial\n", Stderr: "runtime error: boom\n"},
			want: "partial\nruntime error: boom",
		},
		{
			name: "variables line",
			res: &sandbox.REPLResult{
				Stdout: "done\n",
				Locals: map[string]any{"b": "text", "a": float64(2), "_tmp": 1},
			},
			want: "done\nVariables: a, b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := renderResult(tt.res); got != tt.want {
				t.Errorf("renderResult() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatIterationMessages(t *testing.T) {
	it := &Iteration{
		Response: "let me compute\n```repl\nprint(1+1)\n```",
		CodeBlocks: []CodeBlock{
			{Code: "print(1+1)", Result: &sandbox.REPLResult{Stdout: "2\n"}},
		},
	}

	msgs := FormatIterationMessages(it)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != provider.RoleAssistant || msgs[0].Content != it.Response {
		t.Errorf("first message = %+v, want verbatim assistant response", msgs[0])
	}
	if msgs[1].Role != provider.RoleUser {
		t.Errorf("second message role = %q, want user", msgs[1].Role)
	}
	want := fmt.Sprintf("```repl\nprint(1+1)\n```\n%s", "2")
	if msgs[1].Content != want {
		t.Errorf("second message content = %q, want %q", msgs[1].Content, want)
	}
}
