// Package router implements the per-completion loopback HTTP service
// that serves sub-LM calls issued from inside the sandbox, plus the
// direct completion path used by the iteration driver.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/itsmostafa/rlmgo/internal/provider"
)

// RLMCall records one sub-LM call served by the router.
type RLMCall struct {
	Model         string       `json:"model"`
	Prompt        any          `json:"prompt"`
	Response      string       `json:"response"`
	Usage         UsageSummary `json:"usage"`
	ExecutionTime float64      `json:"execution_time"`
}

// Router owns a loopback listener for the duration of one completion.
// It selects the serving model by explicit name, then by depth, then
// falls back to the root model.
type Router struct {
	root   provider.Provider
	sub    provider.Provider
	models map[string]provider.Provider
	usage  *UsageTracker
	log    hclog.Logger

	mu       sync.Mutex
	srv      *http.Server
	addr     string
	stopOnce sync.Once
}

// Option configures a Router.
type Option func(*Router)

// WithSubModel designates the adapter used for depth-1 calls that do not
// name a model. The sub-model is also registered under its own name.
func WithSubModel(p provider.Provider) Option {
	return func(r *Router) {
		r.sub = p
		r.models[p.Model()] = p
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(log hclog.Logger) Option {
	return func(r *Router) { r.log = log }
}

// New creates a router serving the given root model.
func New(root provider.Provider, opts ...Option) *Router {
	r := &Router{
		root:   root,
		models: map[string]provider.Provider{root.Model(): root},
		usage:  NewUsageTracker(),
		log:    hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register makes an adapter selectable by its model name.
func (r *Router) Register(p provider.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[p.Model()] = p
}

// Usage returns the router's usage tracker.
func (r *Router) Usage() *UsageTracker {
	return r.usage
}

// Addr returns the bound host:port, or empty before Start.
func (r *Router) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// Start binds 127.0.0.1 at an OS-assigned port and begins serving the
// hook endpoints. It returns the bound address.
func (r *Router) Start() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("failed to bind loopback listener: %w", err)
	}

	mux := chi.NewRouter()
	mux.Post("/llm_query", r.handleQuery)
	mux.Post("/llm_query_batched", r.handleQueryBatched)
	mux.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown endpoint: %s", req.URL.Path))
	})

	srv := &http.Server{Handler: mux}

	r.mu.Lock()
	r.srv = srv
	r.addr = ln.Addr().String()
	r.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			r.log.Error("router serve failed", "error", err)
		}
	}()

	r.log.Debug("router started", "addr", r.addr)
	return r.addr, nil
}

// Stop closes the listener. Safe to call more than once.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		srv := r.srv
		r.mu.Unlock()
		if srv != nil {
			srv.Close()
		}
	})
}

// pick selects the serving adapter: explicit model name wins, then the
// sub-model at depth 1, then the root.
func (r *Router) pick(model string, depth int) provider.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	if model != "" {
		if p, ok := r.models[model]; ok {
			return p
		}
	}
	if depth == 1 && r.sub != nil {
		return r.sub
	}
	return r.root
}

// Complete is the direct (non-HTTP) completion path used by the driver.
func (r *Router) Complete(ctx context.Context, messages []provider.Message, model string, depth int) (string, provider.Usage, error) {
	p := r.pick(model, depth)
	text, usage, err := p.Generate(ctx, messages)
	if err != nil {
		return "", usage, err
	}
	r.usage.Track(p.Model(), usage)
	return text, usage, nil
}

// dispatch runs one sub-LM call without tracking usage; callers track so
// that batched dispatches record usage in input order.
func (r *Router) dispatch(ctx context.Context, prompt any, model string, depth int) (string, provider.Provider, provider.Usage, error) {
	p := r.pick(model, depth)
	text, usage, err := p.Generate(ctx, promptMessages(prompt))
	return text, p, usage, err
}

func newCallRecord(p provider.Provider, prompt any, response string, usage provider.Usage, elapsed float64) RLMCall {
	return RLMCall{
		Model:    p.Model(),
		Prompt:   prompt,
		Response: response,
		Usage: UsageSummary{p.Model(): {
			Calls:        1,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
		}},
		ExecutionTime: elapsed,
	}
}

type queryRequest struct {
	Prompt any    `json:"prompt"`
	Model  string `json:"model,omitempty"`
	Depth  int    `json:"depth,omitempty"`
}

type queryResponse struct {
	Response string  `json:"response"`
	RLMCall  RLMCall `json:"rlm_call"`
}

func (r *Router) handleQuery(w http.ResponseWriter, req *http.Request) {
	var body queryRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	start := time.Now()
	text, p, usage, err := r.dispatch(req.Context(), body.Prompt, body.Model, body.Depth)
	if err != nil {
		r.log.Warn("llm_query dispatch failed", "model", body.Model, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	r.usage.Track(p.Model(), usage)

	writeJSON(w, http.StatusOK, queryResponse{
		Response: text,
		RLMCall:  newCallRecord(p, body.Prompt, text, usage, time.Since(start).Seconds()),
	})
}

type batchedRequest struct {
	Prompts []any  `json:"prompts"`
	Model   string `json:"model,omitempty"`
	Depth   int    `json:"depth,omitempty"`
}

type batchedResponse struct {
	Responses []string  `json:"responses"`
	RLMCalls  []RLMCall `json:"rlm_calls"`
}

func (r *Router) handleQueryBatched(w http.ResponseWriter, req *http.Request) {
	var body batchedRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	n := len(body.Prompts)
	texts := make([]string, n)
	providers := make([]provider.Provider, n)
	usages := make([]provider.Usage, n)

	start := time.Now()
	g, gctx := errgroup.WithContext(req.Context())
	for i := range body.Prompts {
		i := i
		g.Go(func() error {
			text, p, usage, err := r.dispatch(gctx, body.Prompts[i], body.Model, body.Depth)
			if err != nil {
				return err
			}
			texts[i], providers[i], usages[i] = text, p, usage
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.log.Warn("llm_query_batched dispatch failed", "model", body.Model, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Per-element elapsed is the overall elapsed divided by the count.
	// An approximation; never use it for billing.
	elapsed := time.Since(start).Seconds()
	per := elapsed
	if n > 0 {
		per = elapsed / float64(n)
	}

	resp := batchedResponse{
		Responses: texts,
		RLMCalls:  make([]RLMCall, n),
	}
	for i := 0; i < n; i++ {
		r.usage.Track(providers[i].Model(), usages[i])
		resp.RLMCalls[i] = newCallRecord(providers[i], body.Prompts[i], texts[i], usages[i], per)
	}
	writeJSON(w, http.StatusOK, resp)
}

// promptMessages translates a hook prompt to chat-message form: a string
// becomes one user message, a list of role/content pairs passes through,
// anything else is JSON-stringified into one user message.
func promptMessages(prompt any) []provider.Message {
	switch v := prompt.(type) {
	case string:
		return []provider.Message{{Role: provider.RoleUser, Content: v}}
	case []any:
		msgs := make([]provider.Message, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return stringifiedMessage(prompt)
			}
			role, _ := m["role"].(string)
			content, _ := m["content"].(string)
			if role == "" {
				return stringifiedMessage(prompt)
			}
			msgs = append(msgs, provider.Message{Role: role, Content: content})
		}
		return msgs
	default:
		return stringifiedMessage(prompt)
	}
}

func stringifiedMessage(prompt any) []provider.Message {
	data, err := json.Marshal(prompt)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", prompt))
	}
	return []provider.Message{{Role: provider.RoleUser, Content: string(data)}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
