package connector

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/agentgate/agentgate/pkg/contracts"
	"github.com/agentgate/agentgate/pkg/secrets"
)

func newFramework(opts Options) *Framework {
	g := publicGuard(&fakeResolver{ips: map[string][]net.IP{
		"api.example.com": {net.ParseIP("93.184.216.34")},
	}})
	provider := secrets.StaticProvider{
		"billing-api-key": "sk-test-123",
		"basic-cred":      "user:pass",
	}
	return New(g, provider, opts)
}

func mockAction(params map[string]interface{}) contracts.Action {
	return contracts.Action{
		Type:   "notify",
		Tool:   "echo",
		Params: params,
	}
}

func TestMockEchoesUnregisteredTools(t *testing.T) {
	f := newFramework(Options{})
	spec := contracts.ToolSpec{Kind: contracts.ToolMock}

	res, err := f.Execute(ctx, "echo", spec, mockAction(map[string]interface{}{"msg": "hi"}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != http.StatusOK {
		t.Fatalf("status = %d", res.Status)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(res.Body, &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["tool"] != "echo" {
		t.Fatalf("echo body = %v", body)
	}
}

func TestMockRegisteredHandler(t *testing.T) {
	f := newFramework(Options{})
	f.Mock().Register("billing", func(tool string, params map[string]interface{}) (*contracts.ConnectorResult, error) {
		return &contracts.ConnectorResult{Status: 402, Body: []byte(`{"error":"insufficient funds"}`)}, nil
	})

	res, err := f.Execute(ctx, "billing", contracts.ToolSpec{Kind: contracts.ToolMock}, mockAction(nil))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// Non-2xx statuses are results, not faults.
	if res.Status != 402 {
		t.Fatalf("status = %d", res.Status)
	}
}

func TestRateLimitPerTool(t *testing.T) {
	f := newFramework(Options{})
	spec := contracts.ToolSpec{
		Kind:   contracts.ToolMock,
		Config: contracts.ToolConfig{RateLimitPerMinute: 2},
	}

	for i := 0; i < 2; i++ {
		if _, err := f.Execute(ctx, "limited", spec, mockAction(nil)); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	_, err := f.Execute(ctx, "limited", spec, mockAction(nil))
	var ce *contracts.ConnectorError
	if !errors.As(err, &ce) || ce.Kind != contracts.ConnectorFaultRateLimited {
		t.Fatalf("err = %v, want RATE_LIMITED", err)
	}

	// Other tools keep their own budget.
	if _, err := f.Execute(ctx, "other", spec, mockAction(nil)); err != nil {
		t.Fatalf("unrelated tool limited: %v", err)
	}
}

func TestRequestSizeCap(t *testing.T) {
	f := newFramework(Options{MaxRequestBytes: 64})
	spec := contracts.ToolSpec{
		Kind:   contracts.ToolHTTP,
		Config: contracts.ToolConfig{URL: "https://api.example.com/v1"},
	}

	_, err := f.Execute(ctx, "billing", spec, mockAction(map[string]interface{}{
		"payload": strings.Repeat("x", 200),
	}))
	var ce *contracts.ConnectorError
	if !errors.As(err, &ce) || ce.Kind != contracts.ConnectorFaultSize {
		t.Fatalf("err = %v, want SIZE", err)
	}
}

func TestExecuteRejectsUnsafeTargets(t *testing.T) {
	f := newFramework(Options{})

	spec := contracts.ToolSpec{
		Kind:   contracts.ToolHTTP,
		Config: contracts.ToolConfig{URL: "http://127.0.0.1/admin", AllowHTTP: true},
	}
	_, err := f.Execute(ctx, "internal", spec, mockAction(nil))
	wantSSRF(t, err, contracts.SSRFScheme) // guard itself has AllowHTTP off

	f.guard.AllowHTTP = true
	_, err = f.Execute(ctx, "internal", spec, mockAction(nil))
	wantSSRF(t, err, contracts.SSRFPrivateIP)
}

func TestTargetURL(t *testing.T) {
	webhook := contracts.ToolConfig{URL: "https://hooks.example.com/default"}
	u, err := targetURL(contracts.ToolWebhook, webhook, map[string]interface{}{"url": "https://hooks.example.com/custom"})
	if err != nil || u != "https://hooks.example.com/custom" {
		t.Fatalf("u=%q err=%v", u, err)
	}
	u, err = targetURL(contracts.ToolWebhook, webhook, nil)
	if err != nil || u != "https://hooks.example.com/default" {
		t.Fatalf("u=%q err=%v", u, err)
	}
	if _, err := targetURL(contracts.ToolWebhook, contracts.ToolConfig{}, nil); err == nil {
		t.Fatal("webhook with no target should error")
	}

	httpCfg := contracts.ToolConfig{BaseURL: "https://api.example.com/"}
	u, err = targetURL(contracts.ToolHTTP, httpCfg, map[string]interface{}{"path": "/v1/refunds"})
	if err != nil || u != "https://api.example.com/v1/refunds" {
		t.Fatalf("u=%q err=%v", u, err)
	}
	if _, err := targetURL(contracts.ToolHTTP, contracts.ToolConfig{}, nil); err == nil {
		t.Fatal("http tool with no url should error")
	}
}

func TestInjectAuthSchemes(t *testing.T) {
	f := newFramework(Options{})

	h := http.Header{}
	if err := f.injectAuth(h, &contracts.ToolAuth{Scheme: "bearer", SecretName: "billing-api-key"}); err != nil {
		t.Fatalf("bearer: %v", err)
	}
	if got := h.Get("Authorization"); got != "Bearer sk-test-123" {
		t.Fatalf("Authorization = %q", got)
	}

	h = http.Header{}
	if err := f.injectAuth(h, &contracts.ToolAuth{Scheme: "basic", SecretName: "basic-cred"}); err != nil {
		t.Fatalf("basic: %v", err)
	}
	if got := h.Get("Authorization"); !strings.HasPrefix(got, "Basic ") {
		t.Fatalf("Authorization = %q", got)
	}

	h = http.Header{}
	if err := f.injectAuth(h, &contracts.ToolAuth{Scheme: "header:X-Api-Key", SecretName: "billing-api-key"}); err != nil {
		t.Fatalf("header: %v", err)
	}
	if got := h.Get("X-Api-Key"); got != "sk-test-123" {
		t.Fatalf("X-Api-Key = %q", got)
	}

	if err := f.injectAuth(http.Header{}, &contracts.ToolAuth{Scheme: "digest", SecretName: "billing-api-key"}); err == nil {
		t.Fatal("unsupported scheme should error")
	}
	if err := f.injectAuth(http.Header{}, &contracts.ToolAuth{Scheme: "bearer", SecretName: "missing"}); err == nil {
		t.Fatal("missing secret should error")
	}
}
