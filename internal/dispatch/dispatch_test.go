package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"aishd/internal/config"
	"aishd/internal/llmclient"
	"aishd/internal/provider"
	"aishd/internal/ratelimit"
)

// fakeProvider lets each test script a canned response or error.
type fakeProvider struct {
	calls  atomic.Int64
	result string
	err    error
}

func (f *fakeProvider) Call(ctx context.Context, messages []provider.Message, model string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return f.result, nil
}

func newTestDispatcher(t *testing.T, p *fakeProvider) *Dispatcher {
	t.Helper()
	mgr, err := config.NewManager(filepath.Join(t.TempDir(), "missing.toml"), "AISHTEST")
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	client := llmclient.New(p, nil)
	return New(mgr, client, nil, nil)
}

func decode(t *testing.T, line []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(line, &m); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return m
}

func TestAutocompleteLeadingSpace(t *testing.T) {
	p := &fakeProvider{result: "-i input.mp4"}
	d := newTestDispatcher(t, p)

	req := `{"type":"complete","buffer":"ffmpeg","cwd":"/tmp","history":[]}`
	line, ok := d.HandleLine([]byte(req))
	if !ok {
		t.Fatal("expected handled line")
	}
	resp := decode(t, line)
	if resp["suggestion"] != " -i input.mp4" {
		t.Fatalf("expected leading space prepended, got %+v", resp)
	}
}

func TestCodeFenceStripping(t *testing.T) {
	p := &fakeProvider{result: "```bash\nls -la\n```"}
	d := newTestDispatcher(t, p)

	req := `{"type":"complete","buffer":"ls","cwd":"/tmp","history":[]}`
	line, _ := d.HandleLine([]byte(req))
	resp := decode(t, line)
	if resp["suggestion"] != "ls -la" {
		t.Fatalf("expected fences stripped, got %+v", resp)
	}
}

func TestDangerousAnnotationOnComplete(t *testing.T) {
	p := &fakeProvider{result: " -rf /"}
	d := newTestDispatcher(t, p)

	req := `{"type":"complete","buffer":"rm","cwd":"/tmp","history":[]}`
	line, _ := d.HandleLine([]byte(req))
	resp := decode(t, line)
	warning, _ := resp["warning"].(string)
	if warning == "" {
		t.Fatalf("expected non-empty warning for rm -rf /, got %+v", resp)
	}
}

func TestRateLimitAppliesToProactivePath(t *testing.T) {
	p := &fakeProvider{result: "git status"}
	d := newTestDispatcher(t, p)

	for i := 0; i < ratelimit.DefaultRPM; i++ {
		d.limiter.Allow()
	}

	req := `{"type":"complete","buffer":"","cwd":"/tmp","history":[],"last_command":"ls","last_output":"error: disk full"}`
	line, _ := d.HandleLine([]byte(req))
	resp := decode(t, line)
	if resp["suggestion"] != "" {
		t.Fatalf("expected empty suggestion once rate limit is exhausted, got %+v", resp)
	}
	if p.calls.Load() != 0 {
		t.Fatal("expected no outbound call once rate limit is exhausted")
	}
}

func TestDangerousAnnotationOnNL(t *testing.T) {
	p := &fakeProvider{result: "rm -rf /"}
	d := newTestDispatcher(t, p)

	req := `{"type":"nl","prompt":"wipe the root disk"}`
	line, _ := d.HandleLine([]byte(req))
	resp := decode(t, line)
	if resp["command"] != "rm -rf /" {
		t.Fatalf("expected command echoed, got %+v", resp)
	}
	warning, _ := resp["warning"].(string)
	if warning == "" {
		t.Fatalf("expected non-empty warning, got %+v", resp)
	}
}

func TestHistorySearchParsesJSONArray(t *testing.T) {
	p := &fakeProvider{result: `[{"command":"docker run postgres","score":0.95}]`}
	d := newTestDispatcher(t, p)

	req := `{"type":"history_search","query":"docker postgres","history":["docker run postgres","ls","git status"]}`
	line, _ := d.HandleLine([]byte(req))
	resp := decode(t, line)
	results, ok := resp["results"].([]any)
	if !ok || len(results) != 1 {
		t.Fatalf("expected 1 result, got %+v", resp)
	}
	first := results[0].(map[string]any)
	if first["command"] != "docker run postgres" {
		t.Fatalf("unexpected command: %+v", first)
	}
}

func TestCircuitShortCircuitAfterThreeFailures(t *testing.T) {
	p := &fakeProvider{err: errors.New("timeout")}
	d := newTestDispatcher(t, p)

	for i := 0; i < 3; i++ {
		req := `{"type":"complete","buffer":"ls","cwd":"/tmp","history":[]}`
		d.HandleLine([]byte(req))
	}

	before := p.calls.Load()
	for i := 0; i < 5; i++ {
		req := `{"type":"complete","buffer":"ls` + string(rune('a'+i)) + `","cwd":"/tmp","history":[]}`
		line, _ := d.HandleLine([]byte(req))
		resp := decode(t, line)
		if resp["suggestion"] != "" {
			t.Fatalf("expected empty suggestion while breaker open, got %+v", resp)
		}
	}
	if p.calls.Load() != before {
		t.Fatal("expected no outbound calls while breaker open")
	}
}

func TestProactiveHighLatencyShortCircuits(t *testing.T) {
	p := &fakeProvider{result: "git status"}
	d := newTestDispatcher(t, p)

	for i := 0; i < 10; i++ {
		d.client.Health().RecordSuccess(3000)
	}

	req := `{"type":"complete","buffer":"","cwd":"/tmp","history":[],"last_output":"error: disk full"}`
	line, _ := d.HandleLine([]byte(req))
	resp := decode(t, line)
	if resp["suggestion"] != "" {
		t.Fatalf("expected empty suggestion under high latency, got %+v", resp)
	}
	if p.calls.Load() != 0 {
		t.Fatal("expected no outbound call under high latency")
	}
}

func TestUnknownTypeReturnsError(t *testing.T) {
	d := newTestDispatcher(t, &fakeProvider{})
	line, _ := d.HandleLine([]byte(`{"type":"bogus"}`))
	resp := decode(t, line)
	if resp["type"] != "error" {
		t.Fatalf("expected error type, got %+v", resp)
	}
	if !strings.Contains(resp["message"].(string), "bogus") {
		t.Fatalf("expected message to name the unknown type, got %+v", resp)
	}
}

func TestMalformedJSONLineSkipped(t *testing.T) {
	d := newTestDispatcher(t, &fakeProvider{})
	_, ok := d.HandleLine([]byte(`{not json`))
	if ok {
		t.Fatal("expected malformed line to be skipped")
	}
}

func TestRequestIDEchoed(t *testing.T) {
	p := &fakeProvider{result: "ls -la"}
	d := newTestDispatcher(t, p)
	req := `{"type":"complete","buffer":"ls","cwd":"/tmp","history":[],"request_id":"abc123"}`
	line, _ := d.HandleLine([]byte(req))
	resp := decode(t, line)
	if resp["request_id"] != "abc123" {
		t.Fatalf("expected request_id echoed, got %+v", resp)
	}
}

func TestEmptyNLPromptShortCircuits(t *testing.T) {
	p := &fakeProvider{result: "should not be used"}
	d := newTestDispatcher(t, p)
	line, _ := d.HandleLine([]byte(`{"type":"nl","prompt":""}`))
	resp := decode(t, line)
	if resp["command"] != "" {
		t.Fatalf("expected empty command, got %+v", resp)
	}
	if p.calls.Load() != 0 {
		t.Fatal("expected no outbound call for empty prompt")
	}
}

func TestEmptyFailedCommandShortCircuits(t *testing.T) {
	p := &fakeProvider{result: "should not be used"}
	d := newTestDispatcher(t, p)
	line, _ := d.HandleLine([]byte(`{"type":"error_correct","failed_command":""}`))
	resp := decode(t, line)
	if resp["suggestion"] != "" {
		t.Fatalf("expected empty suggestion, got %+v", resp)
	}
}

func TestEmptyHistorySearchShortCircuits(t *testing.T) {
	d := newTestDispatcher(t, &fakeProvider{})
	line, _ := d.HandleLine([]byte(`{"type":"history_search","query":"","history":[]}`))
	resp := decode(t, line)
	results, ok := resp["results"].([]any)
	if !ok || len(results) != 0 {
		t.Fatalf("expected empty results, got %+v", resp)
	}
}
