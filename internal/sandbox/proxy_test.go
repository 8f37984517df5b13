package sandbox

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestProxyForwarding(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"path": r.URL.Path, "echo": string(body)})
	}))
	t.Cleanup(backend.Close)

	p := NewProxy(backend.URL, nil)
	addr, err := p.Start()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Close)

	resp, err := http.Post("http://"+addr+"/llm_query", "application/json", strings.NewReader(`{"prompt":"hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out struct {
		Path string `json:"path"`
		Echo string `json:"echo"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Path != "/llm_query" || out.Echo != `{"prompt":"hi"}` {
		t.Errorf("relayed request = %+v", out)
	}
}

func TestProxyRelaysStatus(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	t.Cleanup(backend.Close)

	p := NewProxy(backend.URL, nil)
	addr, err := p.Start()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Close)

	resp, err := http.Post("http://"+addr+"/llm_query_batched", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want relayed 500", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("boom")) {
		t.Errorf("body = %s", body)
	}
}

func TestProxyUnknownEndpoint(t *testing.T) {
	p := NewProxy("http://127.0.0.1:1", nil)
	addr, err := p.Start()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Close)

	resp, err := http.Post("http://"+addr+"/nope", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("Unknown endpoint: /nope")) {
		t.Errorf("body = %s", body)
	}
}

func TestProxyUnreachableTarget(t *testing.T) {
	p := NewProxy("http://127.0.0.1:1", nil)
	addr, err := p.Start()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Close)

	resp, err := http.Post("http://"+addr+"/llm_query", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	var e struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
		t.Errorf("error body missing: %v", err)
	}
}

func TestProxyCloseIdempotent(t *testing.T) {
	p := NewProxy("http://127.0.0.1:1", nil)
	if _, err := p.Start(); err != nil {
		t.Fatal(err)
	}
	p.Close()
	p.Close()
}
