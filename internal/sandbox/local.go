package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/itsmostafa/rlmgo/internal/provider"
	"github.com/itsmostafa/rlmgo/internal/router"
	"github.com/itsmostafa/rlmgo/internal/worker"
)

const (
	// execTimeout bounds one REPL execution.
	execTimeout = 5 * time.Minute

	// maxCaptureBytes caps the child's stdout capture.
	maxCaptureBytes = 50 << 20
)

func init() {
	Register("local", true, NewLocal)
}

// Local runs REPL executions as child worker processes on the host. Each
// execution re-invokes this binary's worker entrypoint against a job file
// in the session's scratch directory; variable state persists between
// executions through a JSON state file.
type Local struct {
	routerURL string
	depth     int
	scratch   string
	stateFile string
	workerCmd []string
	log       hclog.Logger

	seq       int
	contexts  int
	histories int
	cleaned   bool
}

// NewLocal creates a local session with a fresh scratch directory.
func NewLocal(routerURL string, depth int, cfg Config, log hclog.Logger) (Session, error) {
	scratch := filepath.Join(os.TempDir(), "rlmgo-"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}

	workerCmd, err := workerCommand(cfg)
	if err != nil {
		os.RemoveAll(scratch)
		return nil, err
	}

	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Local{
		routerURL: routerURL,
		depth:     depth,
		scratch:   scratch,
		stateFile: filepath.Join(scratch, "state.json"),
		workerCmd: workerCmd,
		log:       log,
	}, nil
}

// workerCommand resolves the child interpreter invocation: the
// "worker_command" config key when set, otherwise this binary's own
// worker entrypoint.
func workerCommand(cfg Config) ([]string, error) {
	if v, ok := cfg["worker_command"]; ok {
		switch cmd := v.(type) {
		case []string:
			if len(cmd) > 0 {
				return cmd, nil
			}
		case string:
			if cmd != "" {
				return strings.Fields(cmd), nil
			}
		}
		return nil, fmt.Errorf("invalid worker_command config: %v", v)
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable: %w", err)
	}
	return []string{exe, "worker"}, nil
}

// Setup initializes the inter-turn state file.
func (s *Local) Setup() error {
	return os.WriteFile(s.stateFile, []byte("{}"), 0644)
}

// LoadContext installs the payload as the first context.
func (s *Local) LoadContext(payload any) error {
	_, err := s.AddContext(payload)
	return err
}

// ExecuteCode runs one REPL execution in a child worker process.
func (s *Local) ExecuteCode(ctx context.Context, source string) (*REPLResult, error) {
	job := &worker.Job{
		SourceB64:  base64.StdEncoding.EncodeToString([]byte(source)),
		StateFile:  s.stateFile,
		RouterURL:  s.routerURL,
		Depth:      s.depth,
		StateCodec: worker.CodecJSON,
	}
	jobPath := filepath.Join(s.scratch, fmt.Sprintf("job_%d.json", s.seq))
	s.seq++
	if err := writeJob(jobPath, job); err != nil {
		return nil, err
	}

	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, s.workerCmd[0], append(append([]string{}, s.workerCmd[1:]...), jobPath)...)
	stdout := newCappedBuffer(maxCaptureBytes)
	var stderr bytes.Buffer
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		elapsed := time.Since(start).Seconds()
		msg := fmt.Sprintf("worker process failed: %v", err)
		if cctx.Err() == context.DeadlineExceeded {
			msg = fmt.Sprintf("execution timed out after %s", execTimeout)
		}
		if text := strings.TrimSpace(stderr.String()); text != "" {
			msg += "\n" + text
		}
		s.log.Warn("worker execution failed", "error", err)
		return &REPLResult{
			Stdout:        stdout.String(),
			Stderr:        msg,
			Locals:        map[string]any{},
			ExecutionTime: elapsed,
		}, nil
	}
	return parseWorkerOutput(stdout.String(), time.Since(start).Seconds()), nil
}

// UpdateHandlerAddr rebinds the router endpoint for subsequent
// executions.
func (s *Local) UpdateHandlerAddr(routerURL string) {
	s.routerURL = routerURL
}

// AddContext materializes the payload to a side file and loads it into
// the REPL as context_N. The first context is aliased as "context".
func (s *Local) AddContext(payload any) (int, error) {
	idx := s.contexts
	path, loader, err := s.writePayload(fmt.Sprintf("context_%d", idx), payload)
	if err != nil {
		return 0, err
	}

	stub := fmt.Sprintf("context_%d := %s", idx, loader(path))
	if idx == 0 {
		stub += fmt.Sprintf("\ncontext := context_%d", idx)
	}
	if err := s.runStub(stub); err != nil {
		return 0, fmt.Errorf("failed to load context: %w", err)
	}
	s.contexts++
	return idx, nil
}

// AddHistory snapshots a message history into the REPL as history_N.
func (s *Local) AddHistory(messages []provider.Message) (int, error) {
	idx := s.histories
	path, loader, err := s.writePayload(fmt.Sprintf("history_%d", idx), messages)
	if err != nil {
		return 0, err
	}
	stub := fmt.Sprintf("history_%d := %s", idx, loader(path))
	if err := s.runStub(stub); err != nil {
		return 0, fmt.Errorf("failed to load history: %w", err)
	}
	s.histories++
	return idx, nil
}

func (s *Local) ContextCount() int {
	return s.contexts
}

func (s *Local) HistoryCount() int {
	return s.histories
}

// Cleanup removes the scratch directory. Idempotent.
func (s *Local) Cleanup() error {
	if s.cleaned {
		return nil
	}
	s.cleaned = true
	return os.RemoveAll(s.scratch)
}

// writePayload writes a payload side file and returns its path together
// with the REPL expression that loads it. Text payloads are written raw;
// structured payloads serialize to JSON and deserialize in the REPL.
func (s *Local) writePayload(name string, payload any) (string, func(string) string, error) {
	if text, ok := payload.(string); ok {
		path := filepath.Join(s.scratch, name+".txt")
		if err := os.WriteFile(path, []byte(text), 0644); err != nil {
			return "", nil, fmt.Errorf("failed to write payload file: %w", err)
		}
		return path, func(p string) string {
			return fmt.Sprintf("load_file(%q)", p)
		}, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("failed to serialize payload: %w", err)
	}
	path := filepath.Join(s.scratch, name+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", nil, fmt.Errorf("failed to write payload file: %w", err)
	}
	return path, func(p string) string {
		return fmt.Sprintf("from_json(load_file(%q))", p)
	}, nil
}

// runStub executes loader code and fails on any execution diagnostic.
func (s *Local) runStub(source string) error {
	res, err := s.ExecuteCode(context.Background(), source)
	if err != nil {
		return err
	}
	if res.Stderr != "" {
		return fmt.Errorf("loader execution failed: %s", res.Stderr)
	}
	return nil
}

// cappedBuffer captures writes up to a byte limit and silently discards
// the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}

// writeJob persists a worker job file.
func writeJob(path string, job *worker.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write job file: %w", err)
	}
	return nil
}

// parseWorkerOutput decodes the worker's final stdout line into a
// result. Output that carries no parseable record is surfaced verbatim
// with a parse diagnostic.
func parseWorkerOutput(raw string, elapsed float64) *REPLResult {
	trimmed := strings.TrimRight(raw, "\n")
	last := trimmed
	if idx := strings.LastIndex(trimmed, "\n"); idx >= 0 {
		last = trimmed[idx+1:]
	}

	var rec struct {
		Stdout   string            `json:"stdout"`
		Stderr   string            `json:"stderr"`
		Locals   map[string]any    `json:"locals"`
		RLMCalls []json.RawMessage `json:"rlm_calls"`
	}
	if err := json.Unmarshal([]byte(last), &rec); err != nil {
		return &REPLResult{
			Stdout:        raw,
			Stderr:        fmt.Sprintf("Parse error: worker produced no result record: %v", err),
			Locals:        map[string]any{},
			ExecutionTime: elapsed,
		}
	}

	res := &REPLResult{
		Stdout:        rec.Stdout,
		Stderr:        rec.Stderr,
		Locals:        rec.Locals,
		ExecutionTime: elapsed,
	}
	if res.Locals == nil {
		res.Locals = map[string]any{}
	}
	for _, data := range rec.RLMCalls {
		var call router.RLMCall
		if err := json.Unmarshal(data, &call); err != nil {
			continue
		}
		res.RLMCalls = append(res.RLMCalls, call)
	}
	return res
}
