package sandbox

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-hclog"
)

// Proxy relays the sandbox hook endpoints from an externally reachable
// port to the loopback router, which containers cannot address directly.
type Proxy struct {
	log    hclog.Logger
	client *http.Client

	mu        sync.Mutex
	target    string
	srv       *http.Server
	addr      string
	closeOnce sync.Once
}

// NewProxy creates a proxy that forwards to the given router URL.
func NewProxy(target string, log hclog.Logger) *Proxy {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Proxy{
		log:    log,
		target: target,
		client: &http.Client{Timeout: execTimeout},
	}
}

// SetTarget rebinds the forwarding destination.
func (p *Proxy) SetTarget(target string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = target
}

// Start binds an OS-assigned port on all interfaces and begins
// forwarding. It returns the bound host:port.
func (p *Proxy) Start() (string, error) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return "", fmt.Errorf("failed to bind proxy listener: %w", err)
	}

	mux := chi.NewRouter()
	mux.Post("/llm_query", p.forward)
	mux.Post("/llm_query_batched", p.forward)
	mux.NotFound(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, `{"error":"Unknown endpoint: %s"}`, req.URL.Path)
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	p.mu.Lock()
	p.srv = srv
	p.addr = ln.Addr().String()
	p.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			p.log.Error("proxy serve failed", "error", err)
		}
	}()

	p.log.Debug("proxy started", "addr", p.addr, "target", p.target)
	return p.addr, nil
}

// Addr returns the bound host:port, or empty before Start.
func (p *Proxy) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}

// forward relays the request body to the router and the router's status
// and body back, byte for byte.
func (p *Proxy) forward(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":"failed to read request: %v"}`, err), http.StatusBadGateway)
		return
	}

	p.mu.Lock()
	target := p.target
	p.mu.Unlock()

	resp, err := p.client.Post(target+req.URL.Path, "application/json", bytes.NewReader(body))
	if err != nil {
		p.log.Warn("proxy forward failed", "path", req.URL.Path, "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// Close shuts the proxy down. Safe to call more than once.
func (p *Proxy) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		srv := p.srv
		p.mu.Unlock()
		if srv != nil {
			srv.Close()
		}
	})
}
