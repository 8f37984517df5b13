// Package worker implements the child interpreter program that runs one
// REPL execution for a sandbox session. The parent materializes a job
// file (base-64 source, state file path, router endpoint, depth) and
// re-invokes this binary as `rlmgo worker <job.json>`; the worker loads
// the inter-turn state, executes the source in a Tengo interpreter with
// the hook functions injected, persists the post-execution scope, and
// emits the result record as the final line of its stdout.
package worker

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
)

// Job describes one execution handed to the worker.
type Job struct {
	SourceB64  string `json:"source_b64"`
	StateFile  string `json:"state_file"`
	RouterURL  string `json:"router_url"`
	Depth      int    `json:"depth"`
	StateCodec string `json:"state_codec,omitempty"`
}

// Result is the structured record emitted on the worker's last stdout
// line.
type Result struct {
	Stdout   string            `json:"stdout"`
	Stderr   string            `json:"stderr"`
	Locals   map[string]any    `json:"locals"`
	RLMCalls []json.RawMessage `json:"rlm_calls"`
}

// Run executes the job. All failures are reified into the result's
// stderr; the function itself never fails.
func Run(job *Job) *Result {
	res := &Result{Locals: map[string]any{}, RLMCalls: []json.RawMessage{}}

	source, err := base64.StdEncoding.DecodeString(job.SourceB64)
	if err != nil {
		res.Stderr = fmt.Sprintf("failed to decode source: %v", err)
		return res
	}

	state, err := loadState(job.StateFile, job.StateCodec)
	if err != nil {
		res.Stderr = err.Error()
		return res
	}

	it := newInterp(job, state)
	scope := it.execute(string(source))

	res.Stdout = it.stdout.String()
	res.Stderr = it.stderr.String()
	res.RLMCalls = it.calls
	if res.RLMCalls == nil {
		res.RLMCalls = []json.RawMessage{}
	}
	for name, value := range scope {
		if reserved(name) {
			continue
		}
		res.Locals[name] = jsonSafe(value)
	}

	if err := saveState(job.StateFile, job.StateCodec, scope); err != nil {
		if res.Stderr != "" {
			res.Stderr += "\n"
		}
		res.Stderr += err.Error()
	}
	return res
}

// jsonSafe degrades values the result record cannot carry to their
// printable string.
func jsonSafe(value any) any {
	if _, err := json.Marshal(value); err != nil {
		return fmt.Sprintf("%v", value)
	}
	return value
}

// Main is the `rlmgo worker` entrypoint: read the job file, run it, and
// print the result record as one JSON line.
func Main(jobPath string) error {
	data, err := os.ReadFile(jobPath)
	if err != nil {
		return fmt.Errorf("failed to read job file: %w", err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return fmt.Errorf("failed to parse job file: %w", err)
	}

	res := Run(&job)
	line, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	fmt.Println(string(line))
	return nil
}
