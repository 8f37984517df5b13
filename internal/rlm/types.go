// Package rlm implements the recursive language model engine: an
// iteration driver that alternates LM turns with sandboxed REPL
// executions until the model emits a terminating marker or the
// iteration budget runs out. Code executed in the sandbox can issue
// sub-LM calls back through a per-completion loopback router.
package rlm

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/itsmostafa/rlmgo/internal/provider"
	"github.com/itsmostafa/rlmgo/internal/router"
	"github.com/itsmostafa/rlmgo/internal/sandbox"
)

// CodeBlock pairs one extracted source string with its execution result.
type CodeBlock struct {
	Code   string              `json:"code"`
	Result *sandbox.REPLResult `json:"result"`
}

// Iteration records one turn: the history sent to the LM, its raw
// response, the code blocks executed from it, the final answer when this
// turn terminated the loop, and the turn duration.
type Iteration struct {
	Prompt        []provider.Message `json:"prompt"`
	Response      string             `json:"response"`
	CodeBlocks    []CodeBlock        `json:"code_blocks"`
	FinalAnswer   string             `json:"final_answer,omitempty"`
	IterationTime float64            `json:"iteration_time"`
}

// Metadata is emitted once per completion before iteration records.
type Metadata struct {
	RootModel      string         `json:"root_model"`
	MaxDepth       int            `json:"max_depth"`
	MaxIterations  int            `json:"max_iterations"`
	SandboxBackend string         `json:"sandbox_backend"`
	SandboxConfig  map[string]any `json:"sandbox_config"`
	SubModels      []string       `json:"sub_models,omitempty"`
}

// CompletionResult is the return value of one completion.
type CompletionResult struct {
	RootModel     string              `json:"root_model"`
	Prompt        string              `json:"prompt"`
	Response      string              `json:"response"`
	UsageSummary  router.UsageSummary `json:"usage_summary"`
	ExecutionTime float64             `json:"execution_time"`
}

// Observer receives the completion's metadata record and each iteration
// record as they are produced.
type Observer interface {
	OnMetadata(meta *Metadata)
	OnIteration(seq int, it *Iteration)
}

// ContextInfo describes the shape of a context payload for the metadata
// message inserted into the system prompt.
type ContextInfo struct {
	Shape      string
	TotalChars int
	ChunkChars []int
}

// DescribeContext derives query metadata from a context payload: its
// shape tag, total character length, and per-chunk character lengths.
func DescribeContext(payload any) ContextInfo {
	switch v := payload.(type) {
	case string:
		return ContextInfo{Shape: "text", TotalChars: len(v), ChunkChars: []int{len(v)}}
	case []any:
		info := ContextInfo{Shape: "list", ChunkChars: make([]int, 0, len(v))}
		for _, item := range v {
			n := chunkLen(item)
			info.ChunkChars = append(info.ChunkChars, n)
			info.TotalChars += n
		}
		return info
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		info := ContextInfo{Shape: "dict", ChunkChars: make([]int, 0, len(v))}
		for _, k := range keys {
			n := chunkLen(v[k])
			info.ChunkChars = append(info.ChunkChars, n)
			info.TotalChars += n
		}
		return info
	default:
		n := chunkLen(v)
		return ContextInfo{Shape: "text", TotalChars: n, ChunkChars: []int{n}}
	}
}

func chunkLen(v any) int {
	if s, ok := v.(string); ok {
		return len(s)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}

// SanitizeConfig strips secret-bearing keys from a configuration bag.
// A key is dropped when its lowercased name contains both "api" and
// "key", or "secret", or both "token" and "auth". Values pass through
// unchanged.
func SanitizeConfig(cfg map[string]any) map[string]any {
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		name := strings.ToLower(k)
		switch {
		case strings.Contains(name, "api") && strings.Contains(name, "key"):
		case strings.Contains(name, "secret"):
		case strings.Contains(name, "token") && strings.Contains(name, "auth"):
		default:
			out[k] = v
		}
	}
	return out
}
