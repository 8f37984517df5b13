package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/itsmostafa/rlmgo/internal/worker"
)

const (
	defaultImage = "alpine:3.20"

	// containerWorkspace is where the scratch directory mounts inside the
	// container.
	containerWorkspace = "/workspace"

	// containerWorkerPath is where the worker binary mounts inside the
	// container.
	containerWorkerPath = "/usr/local/bin/rlmgo"

	dockerOpTimeout = 60 * time.Second
)

func init() {
	Register("docker", false, NewDocker)
}

// Docker runs REPL executions inside a long-lived container. The scratch
// directory and the worker binary are bind-mounted; each execution is a
// `docker exec` of the worker against a job file on the shared mount.
// Hook traffic leaves the container through host.docker.internal and a
// host-side proxy that forwards to the loopback router. The inter-turn
// state file uses the gob codec.
type Docker struct {
	depth     int
	scratch   string
	image     string
	container string
	workerBin string
	proxy     *Proxy
	log       hclog.Logger

	// hookURL is the router endpoint as seen from inside the container.
	hookURL string

	seq      int
	contexts int
	started  bool
	cleaned  bool
}

// NewDocker creates a container session. Config keys: "image" selects
// the container image, "worker_bin" overrides the mounted worker binary.
func NewDocker(routerURL string, depth int, cfg Config, log hclog.Logger) (Session, error) {
	scratch := filepath.Join(os.TempDir(), "rlmgo-"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}

	workerBin := cfg.String("worker_bin", "")
	if workerBin == "" {
		exe, err := os.Executable()
		if err != nil {
			os.RemoveAll(scratch)
			return nil, fmt.Errorf("failed to resolve executable: %w", err)
		}
		workerBin = exe
	}

	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Docker{
		depth:     depth,
		scratch:   scratch,
		image:     cfg.String("image", defaultImage),
		container: "rlmgo-" + uuid.NewString()[:8],
		workerBin: workerBin,
		proxy:     NewProxy(routerURL, log),
		log:       log,
	}, nil
}

// Setup starts the forwarding proxy and the container.
func (s *Docker) Setup() error {
	proxyAddr, err := s.proxy.Start()
	if err != nil {
		return err
	}
	_, port, err := net.SplitHostPort(proxyAddr)
	if err != nil {
		return fmt.Errorf("failed to parse proxy address: %w", err)
	}
	s.hookURL = "http://host.docker.internal:" + port

	ctx, cancel := context.WithTimeout(context.Background(), dockerOpTimeout)
	defer cancel()

	args := []string{
		"run", "-d",
		"--name", s.container,
		"--add-host", "host.docker.internal:host-gateway",
		"--memory", "1g",
		"--pids-limit", "256",
		"-v", s.scratch + ":" + containerWorkspace,
		"-v", s.workerBin + ":" + containerWorkerPath + ":ro",
		"-w", containerWorkspace,
		s.image,
		"sleep", "infinity",
	}
	if out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("failed to start container: %v: %s", err, strings.TrimSpace(string(out)))
	}
	s.started = true
	s.log.Debug("container started", "name", s.container, "image", s.image)
	return nil
}

// LoadContext installs the payload as the REPL's "context" variable.
func (s *Docker) LoadContext(payload any) error {
	idx := s.contexts
	name := fmt.Sprintf("context_%d", idx)

	var hostPath string
	var loader string
	if text, ok := payload.(string); ok {
		hostPath = filepath.Join(s.scratch, name+".txt")
		if err := os.WriteFile(hostPath, []byte(text), 0644); err != nil {
			return fmt.Errorf("failed to write payload file: %w", err)
		}
		loader = fmt.Sprintf("load_file(%q)", containerWorkspace+"/"+name+".txt")
	} else {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to serialize payload: %w", err)
		}
		hostPath = filepath.Join(s.scratch, name+".json")
		if err := os.WriteFile(hostPath, data, 0644); err != nil {
			return fmt.Errorf("failed to write payload file: %w", err)
		}
		loader = fmt.Sprintf("from_json(load_file(%q))", containerWorkspace+"/"+name+".json")
	}

	stub := fmt.Sprintf("context_%d := %s", idx, loader)
	if idx == 0 {
		stub += fmt.Sprintf("\ncontext := context_%d", idx)
	}
	res, err := s.ExecuteCode(context.Background(), stub)
	if err != nil {
		return err
	}
	if res.Stderr != "" {
		return fmt.Errorf("failed to load context: %s", res.Stderr)
	}
	s.contexts++
	return nil
}

// ExecuteCode runs one REPL execution via docker exec.
func (s *Docker) ExecuteCode(ctx context.Context, source string) (*REPLResult, error) {
	if !s.started {
		return nil, fmt.Errorf("container session not set up")
	}

	job := &worker.Job{
		SourceB64:  base64.StdEncoding.EncodeToString([]byte(source)),
		StateFile:  containerWorkspace + "/state.gob",
		RouterURL:  s.hookURL,
		Depth:      s.depth,
		StateCodec: worker.CodecGob,
	}
	jobName := fmt.Sprintf("job_%d.json", s.seq)
	s.seq++
	if err := writeJob(filepath.Join(s.scratch, jobName), job); err != nil {
		return nil, err
	}

	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "docker", "exec", s.container,
		containerWorkerPath, "worker", containerWorkspace+"/"+jobName)
	stdout := newCappedBuffer(maxCaptureBytes)
	var stderr bytes.Buffer
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		elapsed := time.Since(start).Seconds()
		msg := fmt.Sprintf("container execution failed: %v", err)
		if cctx.Err() == context.DeadlineExceeded {
			msg = fmt.Sprintf("execution timed out after %s", execTimeout)
		}
		if text := strings.TrimSpace(stderr.String()); text != "" {
			msg += "\n" + text
		}
		s.log.Warn("container execution failed", "container", s.container, "error", err)
		return &REPLResult{
			Stdout:        stdout.String(),
			Stderr:        msg,
			Locals:        map[string]any{},
			ExecutionTime: elapsed,
		}, nil
	}
	return parseWorkerOutput(stdout.String(), time.Since(start).Seconds()), nil
}

// Cleanup removes the container, the proxy, and the scratch directory.
// Idempotent and safe after partial setup.
func (s *Docker) Cleanup() error {
	if s.cleaned {
		return nil
	}
	s.cleaned = true

	if s.started {
		ctx, cancel := context.WithTimeout(context.Background(), dockerOpTimeout)
		defer cancel()
		if out, err := exec.CommandContext(ctx, "docker", "rm", "-f", s.container).CombinedOutput(); err != nil {
			s.log.Warn("failed to remove container", "container", s.container,
				"error", err, "output", strings.TrimSpace(string(out)))
		}
		s.started = false
	}
	s.proxy.Close()
	return os.RemoveAll(s.scratch)
}
