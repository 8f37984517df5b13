// Package sandbox provides the execution sessions that host the stateful
// code REPL for a completion. Every backend implements the same session
// contract; backends that can outlive a single completion additionally
// implement the persistence extension.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/itsmostafa/rlmgo/internal/provider"
	"github.com/itsmostafa/rlmgo/internal/router"
)

// REPLResult is the outcome of one code execution.
type REPLResult struct {
	Stdout        string           `json:"stdout"`
	Stderr        string           `json:"stderr"`
	Locals        map[string]any   `json:"locals"`
	ExecutionTime float64          `json:"execution_time"`
	RLMCalls      []router.RLMCall `json:"rlm_calls"`
}

// Session is the uniform contract every sandbox backend implements.
type Session interface {
	// Setup performs one-time initialization of backing resources.
	Setup() error

	// LoadContext makes the payload visible in the REPL under the
	// identifier "context".
	LoadContext(payload any) error

	// ExecuteCode runs source against the session's current state and
	// persists any mutations. Execution failures are reified into the
	// result, not returned as errors.
	ExecuteCode(ctx context.Context, source string) (*REPLResult, error)

	// Cleanup releases all backing resources. Idempotent and safe after
	// partial setup.
	Cleanup() error
}

// PersistentSession is the optional extension for backends that support
// reuse across completions.
type PersistentSession interface {
	Session

	// UpdateHandlerAddr rebinds the loopback router endpoint.
	UpdateHandlerAddr(routerURL string)

	// AddContext appends a new context as context_N (aliasing the N=0
	// slot as "context") and returns the assigned index.
	AddContext(payload any) (int, error)

	// AddHistory snapshots a completed message history as history_N and
	// returns the assigned index.
	AddHistory(messages []provider.Message) (int, error)

	ContextCount() int
	HistoryCount() int
}

// Config is the backend configuration bag.
type Config map[string]any

// String returns a string-valued key, or the fallback.
func (c Config) String(key, fallback string) string {
	if v, ok := c[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// Factory builds a session bound to a router endpoint at a recursion
// depth.
type Factory func(routerURL string, depth int, cfg Config, log hclog.Logger) (Session, error)

// ErrUnknownBackend is returned when no backend is registered under the
// requested name.
var ErrUnknownBackend = errors.New("unknown sandbox backend")

type backendEntry struct {
	factory    Factory
	persistent bool
}

var (
	registryMu sync.RWMutex
	registry   = map[string]backendEntry{}
)

// Register installs a backend factory under a name. Backends register
// themselves from init.
func Register(name string, persistent bool, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = backendEntry{factory: factory, persistent: persistent}
}

// New creates a session for the named backend.
func New(name, routerURL string, depth int, cfg Config, log hclog.Logger) (Session, error) {
	registryMu.RLock()
	entry, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s (supported: %s)", ErrUnknownBackend, name, strings.Join(Names(), ", "))
	}
	return entry.factory(routerURL, depth, cfg, log)
}

// Known reports whether a backend name is registered.
func Known(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}

// SupportsPersistence reports whether the named backend declares the
// persistence extension.
func SupportsPersistence(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[name].persistent
}

// Names returns the registered backend names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PersistentNames returns the backends that declare the persistence
// extension, sorted.
func PersistentNames() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name, entry := range registry {
		if entry.persistent {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
