package rlm

import (
	"fmt"
	"strings"

	"github.com/itsmostafa/rlmgo/internal/provider"
)

// DefaultSystemPrompt is the system message used when the caller does
// not override it. It teaches the model the REPL surface and the
// terminating markers.
const DefaultSystemPrompt = `You are tasked with answering a query over a context that may be far too large to read at once. The context has already been loaded into a persistent code REPL as the variable ` + "`context`" + `. You interact with it by writing code.

To execute code, emit a fenced block tagged repl:

` + "```repl" + `
chunk := slice(context, 0, 2000)
println(chunk)
` + "```" + `

The REPL persists variables between your turns. Inside it you can call:

- llm_query(prompt): ask a fresh language model a question; returns its answer as a string. Pass a model name as a second argument to pick a specific model.
- llm_query_batched(prompts): ask many questions concurrently; takes a list of prompts and returns a list of answers in the same order.
- FINAL_VAR(name): return the text form of a REPL variable.
- SHOW_VARS(): map of your variable names to their types.
- slice, contains, split, join, find_all, replace, string, from_json, load_file: helpers for carving up and inspecting the context.

Recursive strategy: peek at the structure of the context first, then split it into pieces small enough to hand to llm_query or llm_query_batched, then combine the sub-answers. Do not try to print the entire context.

When you know the answer, reply with exactly one of:

FINAL(your answer here)
FINAL_VAR(variable_name)

FINAL_VAR returns the current value of a variable you assigned in the REPL, which is the reliable way to return a long or structured answer. Do not emit a final marker until you have actually verified the answer.`

// iterationPromptTemplate asks for the next step each turn. %s carries
// the root question when the caller supplied one.
const iterationPromptTemplate = `%sWhat is your next step? Write a repl code block to make progress, or reply with FINAL(answer) or FINAL_VAR(variable_name) if you are done.`

// firstTurnSafeguard reminds the model that no code has run yet.
const firstTurnSafeguard = "You have not executed any code yet, so no variables beyond `context` exist. Inspect the context before answering. "

// EpiloguePrompt is appended when the iteration budget is exhausted.
const EpiloguePrompt = `You have used all available iterations. Based only on the conversation so far, produce your best final answer now as plain text. Do not emit code blocks.`

// ContextMetadataMessage renders the query metadata as the assistant
// message that follows the system prompt.
func ContextMetadataMessage(info ContextInfo) provider.Message {
	return provider.Message{
		Role: provider.RoleAssistant,
		Content: fmt.Sprintf(
			"The context is loaded in the REPL as `context`. Shape: %s. Total length: %d characters. Chunk lengths: %s.",
			info.Shape, info.TotalChars, formatChunkLengths(info.ChunkChars)),
	}
}

// formatChunkLengths renders per-chunk lengths, truncated to the first
// 100 entries.
func formatChunkLengths(chunks []int) string {
	const maxShown = 100
	shown := chunks
	var suffix string
	if len(chunks) > maxShown {
		shown = chunks[:maxShown]
		suffix = fmt.Sprintf(", ... %d others", len(chunks)-maxShown)
	}
	parts := make([]string, len(shown))
	for i, n := range shown {
		parts[i] = fmt.Sprintf("%d", n)
	}
	return "[" + strings.Join(parts, ", ") + suffix + "]"
}

// BuildIterationPrompt produces the user message for iteration i.
func BuildIterationPrompt(i int, rootPrompt string, contexts, histories int) string {
	var question string
	if rootPrompt != "" {
		question = fmt.Sprintf("The query to answer: %s\n\n", rootPrompt)
	}
	prompt := fmt.Sprintf(iterationPromptTemplate, question)
	if i == 0 {
		prompt = firstTurnSafeguard + prompt
	}

	var notes []string
	if contexts > 1 {
		notes = append(notes, fmt.Sprintf("Additional contexts are loaded as context_0 through context_%d; `context` aliases context_0.", contexts-1))
	}
	if histories > 0 {
		notes = append(notes, fmt.Sprintf("Prior conversation histories are loaded as history_0 through history_%d.", histories-1))
	}
	if len(notes) > 0 {
		prompt += "\n\n" + strings.Join(notes, "\n")
	}
	return prompt
}
