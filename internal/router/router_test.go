package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/itsmostafa/rlmgo/internal/provider"
)

// stubAdapter upper-cases the last message's content, with an optional
// per-prompt delay to shake out ordering bugs.
type stubAdapter struct {
	name  string
	usage provider.Usage
	delay func(content string) time.Duration
	fail  error

	mu    sync.Mutex
	calls int
}

func (a *stubAdapter) Model() string { return a.name }

func (a *stubAdapter) Generate(ctx context.Context, messages []provider.Message) (string, provider.Usage, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.fail != nil {
		return "", provider.Usage{}, a.fail
	}
	content := messages[len(messages)-1].Content
	if a.delay != nil {
		time.Sleep(a.delay(content))
	}
	return strings.ToUpper(content), a.usage, nil
}

func (a *stubAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func startRouter(t *testing.T, r *Router) string {
	t.Helper()
	addr, err := r.Start()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Stop)
	return "http://" + addr
}

func postJSON(t *testing.T, url string, body any) (int, []byte) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.Bytes()
}

func TestUsageMonotonicity(t *testing.T) {
	adapter := &stubAdapter{name: "m", usage: provider.Usage{InputTokens: 3, OutputTokens: 2}}
	r := New(adapter)

	for i := 0; i < 5; i++ {
		if _, _, err := r.Complete(context.Background(), []provider.Message{{Role: provider.RoleUser, Content: "hi"}}, "", 0); err != nil {
			t.Fatal(err)
		}
	}

	got := r.Usage().Summary()["m"]
	if got.Calls != 5 || got.InputTokens != 15 || got.OutputTokens != 10 {
		t.Errorf("usage = %+v, want 5 calls, 15/10 tokens", got)
	}

	last := r.Usage().LastUsage()
	if last.Calls != 1 || last.InputTokens != 3 || last.OutputTokens != 2 {
		t.Errorf("last usage = %+v", last)
	}
}

func TestDepthRouting(t *testing.T) {
	root := &stubAdapter{name: "root-m"}
	sub := &stubAdapter{name: "sub-m"}
	other := &stubAdapter{name: "other-m"}
	r := New(root, WithSubModel(sub))
	r.Register(other)

	tests := []struct {
		name  string
		model string
		depth int
		want  provider.Provider
	}{
		{"depth 0 uses root", "", 0, root},
		{"depth 1 uses sub", "", 1, sub},
		{"explicit name wins at depth 1", "other-m", 1, other},
		{"explicit sub name", "sub-m", 0, sub},
		{"unknown name falls through by depth", "nope", 0, root},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.pick(tt.model, tt.depth); got != tt.want {
				t.Errorf("pick(%q, %d) = %s, want %s", tt.model, tt.depth, got.Model(), tt.want.Model())
			}
		})
	}
}

func TestQueryEndpoint(t *testing.T) {
	adapter := &stubAdapter{name: "m", usage: provider.Usage{InputTokens: 1, OutputTokens: 1}}
	r := New(adapter)
	base := startRouter(t, r)

	status, body := postJSON(t, base+"/llm_query", map[string]any{"prompt": "ping"})
	if status != http.StatusOK {
		t.Fatalf("status = %d, body = %s", status, body)
	}

	var out struct {
		Response string  `json:"response"`
		RLMCall  RLMCall `json:"rlm_call"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Response != "PING" {
		t.Errorf("response = %q", out.Response)
	}
	if out.RLMCall.Model != "m" || out.RLMCall.Response != "PING" {
		t.Errorf("rlm_call = %+v", out.RLMCall)
	}
	if out.RLMCall.Usage["m"].Calls != 1 {
		t.Errorf("rlm_call usage = %+v", out.RLMCall.Usage)
	}
}

func TestQueryEndpointErrors(t *testing.T) {
	t.Run("adapter failure", func(t *testing.T) {
		adapter := &stubAdapter{name: "m", fail: fmt.Errorf("upstream down")}
		base := startRouter(t, New(adapter))

		status, body := postJSON(t, base+"/llm_query", map[string]any{"prompt": "x"})
		if status != http.StatusInternalServerError {
			t.Fatalf("status = %d", status)
		}
		var e struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(body, &e); err != nil || e.Error != "upstream down" {
			t.Errorf("error body = %s", body)
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		base := startRouter(t, New(&stubAdapter{name: "m"}))
		resp, err := http.Post(base+"/llm_query", "application/json", strings.NewReader("{not json"))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusInternalServerError {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})

	t.Run("unknown endpoint", func(t *testing.T) {
		base := startRouter(t, New(&stubAdapter{name: "m"}))
		status, body := postJSON(t, base+"/nope", map[string]any{})
		if status != http.StatusNotFound {
			t.Fatalf("status = %d", status)
		}
		if !bytes.Contains(body, []byte("Unknown endpoint: /nope")) {
			t.Errorf("body = %s", body)
		}
	})
}

func TestBatchedOrdering(t *testing.T) {
	// Earlier prompts sleep longer, so completion order inverts input
	// order unless the router re-assembles it.
	adapter := &stubAdapter{
		name:  "m",
		usage: provider.Usage{InputTokens: 1, OutputTokens: 1},
		delay: func(content string) time.Duration {
			switch content {
			case "a":
				return 60 * time.Millisecond
			case "b":
				return 30 * time.Millisecond
			}
			return 0
		},
	}
	r := New(adapter)
	base := startRouter(t, r)

	status, body := postJSON(t, base+"/llm_query_batched", map[string]any{"prompts": []string{"a", "b", "c"}})
	if status != http.StatusOK {
		t.Fatalf("status = %d, body = %s", status, body)
	}

	var out struct {
		Responses []string  `json:"responses"`
		RLMCalls  []RLMCall `json:"rlm_calls"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	want := []string{"A", "B", "C"}
	for i := range want {
		if out.Responses[i] != want[i] {
			t.Errorf("responses[%d] = %q, want %q", i, out.Responses[i], want[i])
		}
		if out.RLMCalls[i].Prompt != []any{"a", "b", "c"}[i] {
			t.Errorf("rlm_calls[%d].prompt = %v", i, out.RLMCalls[i].Prompt)
		}
	}
	if adapter.callCount() != 3 {
		t.Errorf("adapter calls = %d, want 3", adapter.callCount())
	}
	if got := r.Usage().Summary()["m"]; got.Calls != 3 {
		t.Errorf("tracked calls = %d, want 3", got.Calls)
	}
}

func TestBatchedDispatchError(t *testing.T) {
	adapter := &stubAdapter{name: "m", fail: fmt.Errorf("boom")}
	base := startRouter(t, New(adapter))

	status, body := postJSON(t, base+"/llm_query_batched", map[string]any{"prompts": []string{"a", "b"}})
	if status != http.StatusInternalServerError {
		t.Fatalf("status = %d", status)
	}
	if !bytes.Contains(body, []byte("boom")) {
		t.Errorf("body = %s", body)
	}
}

func TestPromptMessages(t *testing.T) {
	tests := []struct {
		name   string
		prompt any
		want   []provider.Message
	}{
		{
			name:   "string prompt",
			prompt: "hi",
			want:   []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
		},
		{
			name: "message list passes through",
			prompt: []any{
				map[string]any{"role": "system", "content": "be brief"},
				map[string]any{"role": "user", "content": "hi"},
			},
			want: []provider.Message{
				{Role: provider.RoleSystem, Content: "be brief"},
				{Role: provider.RoleUser, Content: "hi"},
			},
		},
		{
			name:   "other values stringified",
			prompt: map[string]any{"k": "v"},
			want:   []provider.Message{{Role: provider.RoleUser, Content: `{"k":"v"}`}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := promptMessages(tt.prompt)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d messages, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("message %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestStopIdempotent(t *testing.T) {
	r := New(&stubAdapter{name: "m"})
	if _, err := r.Start(); err != nil {
		t.Fatal(err)
	}
	r.Stop()
	r.Stop()
}
