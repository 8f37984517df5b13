package rlm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/itsmostafa/rlmgo/internal/provider"
	"github.com/itsmostafa/rlmgo/internal/router"
	"github.com/itsmostafa/rlmgo/internal/sandbox"
)

// Defaults for construction parameters.
const (
	DefaultBackend       = "local"
	DefaultMaxDepth      = 1
	DefaultMaxIterations = 30
)

// ErrPersistenceUnsupported is returned when a persistent engine is
// requested with a backend that lacks the persistence extension.
var ErrPersistenceUnsupported = errors.New("sandbox backend does not support persistence")

// Config holds the engine's construction parameters.
type Config struct {
	// RootModel is the adapter that serves driver turns and untargeted
	// depth-0 sub-LM calls. Required.
	RootModel provider.Provider

	// SubModel, when set, serves depth-1 sub-LM calls that do not name a
	// model.
	SubModel provider.Provider

	// Backend names the sandbox backend. Defaults to "local".
	Backend string

	// SandboxConfig is passed to the backend factory.
	SandboxConfig sandbox.Config

	// Depth is the engine's recursion depth. At Depth >= MaxDepth a
	// completion degrades to one direct LM call.
	Depth         int
	MaxDepth      int
	MaxIterations int

	// SystemPrompt overrides DefaultSystemPrompt when non-empty.
	SystemPrompt string

	// Observers receive metadata and iteration records.
	Observers []Observer

	// Persistent keeps the sandbox session alive across completions.
	Persistent bool

	Logger hclog.Logger
}

// RLM is the iteration driver. One RLM serves sequential Completion
// calls; it is not safe for concurrent use.
type RLM struct {
	cfg Config
	log hclog.Logger

	// session is the held sandbox when cfg.Persistent is set.
	session sandbox.Session
}

// New validates the configuration and creates an engine.
func New(cfg Config) (*RLM, error) {
	if cfg.RootModel == nil {
		return nil, errors.New("root model is required")
	}
	if cfg.Backend == "" {
		cfg.Backend = DefaultBackend
	}
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	if !sandbox.Known(cfg.Backend) {
		return nil, fmt.Errorf("%w: %s (supported: %s)",
			sandbox.ErrUnknownBackend, cfg.Backend, strings.Join(sandbox.Names(), ", "))
	}
	if cfg.Persistent && !sandbox.SupportsPersistence(cfg.Backend) {
		return nil, fmt.Errorf("%w: %s (persistent backends: %s)",
			ErrPersistenceUnsupported, cfg.Backend, strings.Join(sandbox.PersistentNames(), ", "))
	}

	return &RLM{cfg: cfg, log: cfg.Logger}, nil
}

// Close tears down a held persistent session, if any.
func (r *RLM) Close() error {
	if r.session == nil {
		return nil
	}
	err := r.session.Cleanup()
	r.session = nil
	return err
}

// Completion answers rootPrompt over the context payload by iterating
// LM turns and sandboxed code executions until the model emits a
// terminating marker or the iteration budget is exhausted.
func (r *RLM) Completion(ctx context.Context, payload any, rootPrompt string) (*CompletionResult, error) {
	start := time.Now()

	if r.cfg.Depth >= r.cfg.MaxDepth {
		return r.fallbackCompletion(ctx, payload, rootPrompt, start)
	}

	rt := router.New(r.cfg.RootModel, r.routerOptions()...)
	addr, err := rt.Start()
	if err != nil {
		return nil, err
	}
	defer rt.Stop()
	routerURL := "http://" + addr

	session, reused, err := r.acquireSession(routerURL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if !r.cfg.Persistent {
			if cerr := session.Cleanup(); cerr != nil {
				r.log.Warn("sandbox cleanup failed", "error", cerr)
			}
		}
	}()

	if reused {
		ps := session.(sandbox.PersistentSession)
		ps.UpdateHandlerAddr(routerURL)
		if _, err := ps.AddContext(payload); err != nil {
			return nil, err
		}
	} else if err := session.LoadContext(payload); err != nil {
		return nil, err
	}

	r.emitMetadata()

	contexts, histories := 1, 0
	if ps, ok := session.(sandbox.PersistentSession); ok {
		contexts, histories = ps.ContextCount(), ps.HistoryCount()
	}

	history := []provider.Message{
		{Role: provider.RoleSystem, Content: r.cfg.SystemPrompt},
		ContextMetadataMessage(DescribeContext(payload)),
	}

	for i := 0; i < r.cfg.MaxIterations; i++ {
		iterStart := time.Now()
		history = append(history, provider.Message{
			Role:    provider.RoleUser,
			Content: BuildIterationPrompt(i, rootPrompt, contexts, histories),
		})

		response, _, err := rt.Complete(ctx, history, "", r.cfg.Depth)
		if err != nil {
			return nil, fmt.Errorf("completion turn %d failed: %w", i, err)
		}

		it := &Iteration{
			Prompt:   append([]provider.Message(nil), history...),
			Response: response,
		}
		for _, code := range ExtractCodeBlocks(response) {
			res, err := session.ExecuteCode(ctx, code)
			if err != nil {
				res = &sandbox.REPLResult{Stderr: err.Error(), Locals: map[string]any{}}
			}
			it.CodeBlocks = append(it.CodeBlocks, CodeBlock{Code: code, Result: res})
		}

		answer, found := DetectFinalMarker(ctx, response, session)
		if found {
			it.FinalAnswer = answer
		}
		it.IterationTime = time.Since(iterStart).Seconds()
		r.emitIteration(i, it)

		if found {
			r.recordHistory(session, append(history, provider.Message{
				Role: provider.RoleAssistant, Content: response,
			}))
			return r.result(rootPrompt, answer, rt, start), nil
		}
		history = append(history, FormatIterationMessages(it)...)
	}

	// Budget exhausted: one more call asking for the answer outright.
	history = append(history, provider.Message{Role: provider.RoleAssistant, Content: EpiloguePrompt})
	response, _, err := rt.Complete(ctx, history, "", r.cfg.Depth)
	if err != nil {
		return nil, fmt.Errorf("epilogue completion failed: %w", err)
	}
	r.recordHistory(session, append(history, provider.Message{
		Role: provider.RoleAssistant, Content: response,
	}))
	return r.result(rootPrompt, response, rt, start), nil
}

func (r *RLM) routerOptions() []router.Option {
	opts := []router.Option{router.WithLogger(r.log.Named("router"))}
	if r.cfg.SubModel != nil {
		opts = append(opts, router.WithSubModel(r.cfg.SubModel))
	}
	return opts
}

// acquireSession returns the held persistent session or builds a fresh
// one. The second return reports reuse.
func (r *RLM) acquireSession(routerURL string) (sandbox.Session, bool, error) {
	if r.cfg.Persistent && r.session != nil {
		return r.session, true, nil
	}
	// Code in the sandbox runs one recursion level below the driver, so
	// its hook calls are served by the sub-model.
	session, err := sandbox.New(r.cfg.Backend, routerURL, r.cfg.Depth+1, r.cfg.SandboxConfig, r.log.Named("sandbox"))
	if err != nil {
		return nil, false, err
	}
	if err := session.Setup(); err != nil {
		session.Cleanup()
		return nil, false, fmt.Errorf("sandbox setup failed: %w", err)
	}
	if r.cfg.Persistent {
		r.session = session
	}
	return session, false, nil
}

// recordHistory snapshots the finished history into a persistent
// session.
func (r *RLM) recordHistory(session sandbox.Session, history []provider.Message) {
	if !r.cfg.Persistent {
		return
	}
	if ps, ok := session.(sandbox.PersistentSession); ok {
		if _, err := ps.AddHistory(history); err != nil {
			r.log.Warn("failed to record history", "error", err)
		}
	}
}

func (r *RLM) result(rootPrompt, response string, rt *router.Router, start time.Time) *CompletionResult {
	return &CompletionResult{
		RootModel:     r.cfg.RootModel.Model(),
		Prompt:        rootPrompt,
		Response:      response,
		UsageSummary:  rt.Usage().Summary(),
		ExecutionTime: time.Since(start).Seconds(),
	}
}

// fallbackCompletion handles depth exhaustion with one direct LM call on
// the root model.
func (r *RLM) fallbackCompletion(ctx context.Context, payload any, rootPrompt string, start time.Time) (*CompletionResult, error) {
	content := payloadText(payload)
	if rootPrompt != "" {
		if content != "" {
			content = rootPrompt + "\n\n" + content
		} else {
			content = rootPrompt
		}
	}

	text, usage, err := r.cfg.RootModel.Generate(ctx, []provider.Message{
		{Role: provider.RoleUser, Content: content},
	})
	if err != nil {
		return nil, err
	}

	model := r.cfg.RootModel.Model()
	return &CompletionResult{
		RootModel: model,
		Prompt:    rootPrompt,
		Response:  text,
		UsageSummary: router.UsageSummary{model: {
			Calls:        1,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
		}},
		ExecutionTime: time.Since(start).Seconds(),
	}, nil
}

func payloadText(payload any) string {
	switch v := payload.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func (r *RLM) emitMetadata() {
	meta := &Metadata{
		RootModel:      r.cfg.RootModel.Model(),
		MaxDepth:       r.cfg.MaxDepth,
		MaxIterations:  r.cfg.MaxIterations,
		SandboxBackend: r.cfg.Backend,
		SandboxConfig:  SanitizeConfig(r.cfg.SandboxConfig),
	}
	if r.cfg.SubModel != nil {
		meta.SubModels = []string{r.cfg.SubModel.Model()}
	}
	for _, obs := range r.cfg.Observers {
		obs.OnMetadata(meta)
	}
}

func (r *RLM) emitIteration(seq int, it *Iteration) {
	r.log.Debug("iteration complete", "seq", seq,
		"code_blocks", len(it.CodeBlocks), "final", it.FinalAnswer != "")
	for _, obs := range r.cfg.Observers {
		obs.OnIteration(seq, it)
	}
}
