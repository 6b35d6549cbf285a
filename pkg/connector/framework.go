package connector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentgate/agentgate/pkg/contracts"
	"github.com/agentgate/agentgate/pkg/secrets"
)

// Options configure the framework. Zero values fall back to the defaults.
type Options struct {
	MaxRequestBytes  int64
	MaxResponseBytes int64
	DefaultTimeout   time.Duration
}

const defaultMaxBytes = 1 << 20 // 1 MiB

func (o Options) withDefaults() Options {
	if o.MaxRequestBytes <= 0 {
		o.MaxRequestBytes = defaultMaxBytes
	}
	if o.MaxResponseBytes <= 0 {
		o.MaxResponseBytes = defaultMaxBytes
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 30 * time.Second
	}
	return o
}

// Framework routes tool calls to the right connector, applies per-tool rate
// limits and size caps, and injects credentials at the last moment.
type Framework struct {
	guard   *Guard
	http    *HTTPConnector
	mock    *MockConnector
	secrets secrets.Provider
	opts    Options

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a framework around the given guard and secrets provider.
func New(guard *Guard, provider secrets.Provider, opts Options) *Framework {
	opts = opts.withDefaults()
	return &Framework{
		guard:    guard,
		http:     NewHTTPConnector(guard, opts.MaxResponseBytes, opts.DefaultTimeout),
		mock:     NewMockConnector(),
		secrets:  provider,
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Mock exposes the mock connector for handler registration.
func (f *Framework) Mock() *MockConnector { return f.mock }

// HTTP exposes the HTTP connector for dial-mode configuration.
func (f *Framework) HTTP() *HTTPConnector { return f.http }

func (f *Framework) limiterFor(tool string, perMinute int) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[tool]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
		f.limiters[tool] = l
	}
	return l
}

// Execute runs one tool call. Policy has already allowed the action; this
// layer only enforces transport-level safety: rate, size, SSRF, timeout.
func (f *Framework) Execute(ctx context.Context, tool string, spec contracts.ToolSpec, action contracts.Action) (*contracts.ConnectorResult, error) {
	cfg := spec.Config
	if cfg.RateLimitPerMinute > 0 {
		if !f.limiterFor(tool, cfg.RateLimitPerMinute).Allow() {
			return nil, &contracts.ConnectorError{
				Kind:   contracts.ConnectorFaultRateLimited,
				Detail: fmt.Sprintf("tool %q exceeded %d calls/minute", tool, cfg.RateLimitPerMinute),
			}
		}
	}

	switch spec.Kind {
	case contracts.ToolMock:
		return f.mock.Call(tool, action.Params)
	case contracts.ToolHTTP, contracts.ToolWebhook:
		return f.executeHTTP(ctx, tool, spec.Kind, cfg, action)
	default:
		return nil, fmt.Errorf("connector: unknown tool kind %q", spec.Kind)
	}
}

func (f *Framework) executeHTTP(ctx context.Context, tool string, kind contracts.ToolKind, cfg contracts.ToolConfig, action contracts.Action) (*contracts.ConnectorResult, error) {
	rawURL, err := targetURL(kind, cfg, action.Params)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(action.Params)
	if err != nil {
		return nil, fmt.Errorf("connector: encode params: %w", err)
	}
	if int64(len(body)) > f.opts.MaxRequestBytes {
		return nil, &contracts.ConnectorError{
			Kind:   contracts.ConnectorFaultSize,
			Detail: fmt.Sprintf("request body %d bytes exceeds cap %d", len(body), f.opts.MaxRequestBytes),
		}
	}

	target, err := f.guard.ValidateTarget(ctx, rawURL, cfg.AllowedDomains, cfg.AllowHTTP)
	if err != nil {
		return nil, err
	}

	header := http.Header{"Content-Type": []string{"application/json"}}
	if cfg.Auth != nil {
		if err := f.injectAuth(header, cfg.Auth); err != nil {
			return nil, err
		}
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	return f.http.Do(ctx, target, method, header, body, cfg)
}

// targetURL picks the destination: webhooks take it from the action params
// (falling back to the configured url), http tools from the config.
func targetURL(kind contracts.ToolKind, cfg contracts.ToolConfig, params map[string]interface{}) (string, error) {
	if kind == contracts.ToolWebhook {
		if u, ok := params["url"].(string); ok && u != "" {
			return u, nil
		}
		if cfg.URL != "" {
			return cfg.URL, nil
		}
		return "", fmt.Errorf("connector: webhook tool has no target url")
	}

	if cfg.URL != "" {
		return cfg.URL, nil
	}
	if cfg.BaseURL != "" {
		path, _ := params["path"].(string)
		return strings.TrimSuffix(cfg.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/"), nil
	}
	return "", fmt.Errorf("connector: http tool has no url or base_url")
}

// injectAuth resolves the tool's secret and sets the credential header.
// Secret values exist only in the outbound request; they never reach
// decisions, traces, or records.
func (f *Framework) injectAuth(header http.Header, auth *contracts.ToolAuth) error {
	value, err := f.secrets.Get(auth.SecretName)
	if err != nil {
		return fmt.Errorf("connector: %w", err)
	}
	switch {
	case auth.Scheme == "bearer":
		header.Set("Authorization", "Bearer "+value)
	case auth.Scheme == "basic":
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(value)))
	case strings.HasPrefix(auth.Scheme, "header:"):
		header.Set(strings.TrimPrefix(auth.Scheme, "header:"), value)
	default:
		return fmt.Errorf("connector: unsupported auth scheme %q", auth.Scheme)
	}
	return nil
}
