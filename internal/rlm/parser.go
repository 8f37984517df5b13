package rlm

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/itsmostafa/rlmgo/internal/provider"
	"github.com/itsmostafa/rlmgo/internal/sandbox"
)

// maxRenderedResult caps the rendered execution result appended to the
// message history.
const maxRenderedResult = 20000

var (
	codeBlockRe = regexp.MustCompile("(?s)```repl[ \t]*\n(.*?)```")

	// FINAL_VAR takes a bare identifier; FINAL matches greedily so the
	// answer may contain parentheses.
	finalVarRe = regexp.MustCompile(`(?m)^\s*FINAL_VAR\(([^)]*)\)`)
	finalRe    = regexp.MustCompile(`(?m)^\s*FINAL\((.*)\)\s*$`)
)

// ExtractCodeBlocks returns the source strings found inside fenced
// blocks tagged repl, in source order, with outer whitespace stripped.
func ExtractCodeBlocks(text string) []string {
	matches := codeBlockRe.FindAllStringSubmatch(text, -1)
	blocks := make([]string, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, strings.TrimSpace(m[1]))
	}
	return blocks
}

// DetectFinalMarker scans a response for a terminating marker.
// FINAL_VAR(name) takes priority over FINAL(answer). For FINAL_VAR the
// named variable is fetched from the sandbox; without a sandbox the
// marker is detected but no answer is produced.
func DetectFinalMarker(ctx context.Context, text string, session sandbox.Session) (string, bool) {
	if m := finalVarRe.FindStringSubmatch(text); m != nil {
		name := stripQuotes(strings.TrimSpace(m[1]))
		if session == nil {
			return "", true
		}
		return fetchFinalVar(ctx, session, name), true
	}
	if m := finalRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	return "", false
}

// fetchFinalVar executes a one-line program that prints the named
// variable. The answer is the captured stdout, or stderr when stdout is
// empty.
func fetchFinalVar(ctx context.Context, session sandbox.Session, name string) string {
	res, err := session.ExecuteCode(ctx, fmt.Sprintf("print(FINAL_VAR(%q))", name))
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	if out := strings.TrimSpace(res.Stdout); out != "" {
		return out
	}
	return strings.TrimSpace(res.Stderr)
}

// stripQuotes removes one pair of matching surrounding quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if first == last && (first == '"' || first == '\'' || first == '`') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// FormatIterationMessages renders an iteration into the messages to
// append to the history: the assistant response, then one user message
// per executed code block carrying the fenced code and its rendered
// result.
func FormatIterationMessages(it *Iteration) []provider.Message {
	msgs := make([]provider.Message, 0, 1+len(it.CodeBlocks))
	msgs = append(msgs, provider.Message{Role: provider.RoleAssistant, Content: it.Response})
	for _, block := range it.CodeBlocks {
		content := fmt.Sprintf("```repl\n%s\n```\n%s", block.Code, renderResult(block.Result))
		msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: content})
	}
	return msgs
}

// renderResult produces the textual execution result shown to the LM:
// stdout, stderr, and a one-line listing of the observable variables,
// clamped to maxRenderedResult characters.
func renderResult(res *sandbox.REPLResult) string {
	if res == nil {
		return "No output"
	}

	var parts []string
	if out := strings.TrimRight(res.Stdout, "\n"); out != "" {
		parts = append(parts, out)
	}
	if errText := strings.TrimRight(res.Stderr, "\n"); errText != "" {
		parts = append(parts, errText)
	}
	if names := observableNames(res.Locals); len(names) > 0 {
		parts = append(parts, "Variables: "+strings.Join(names, ", "))
	}

	text := strings.Join(parts, "\n")
	if text == "" {
		return "No output"
	}
	if len(text) > maxRenderedResult {
		elided := len(text) - maxRenderedResult
		text = text[:maxRenderedResult] + fmt.Sprintf("... + [%d chars...]", elided)
	}
	return text
}

// observableNames lists the non-reserved identifiers whose values are
// strings, numbers, booleans, or structured collections, sorted.
func observableNames(locals map[string]any) []string {
	names := make([]string, 0, len(locals))
	for name, value := range locals {
		if name == "" || strings.HasPrefix(name, "_") {
			continue
		}
		switch value.(type) {
		case string, bool, float64, int, int64, map[string]any, []any:
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
