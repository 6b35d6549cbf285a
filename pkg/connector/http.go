package connector

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/agentgate/agentgate/pkg/contracts"
)

const maxRedirectHops = 5

// HTTPConnector performs the outbound call against a prevalidated target.
// The transport dials the validated IP directly while presenting the
// original hostname for TLS SNI and the Host header.
type HTTPConnector struct {
	guard            *Guard
	maxResponseBytes int64
	defaultTimeout   time.Duration
	// pinDial selects address pinning; when false the dial re-resolves and
	// asserts no drift instead. Pinning is the default.
	pinDial bool
}

// NewHTTPConnector creates a connector with pinned dialing.
func NewHTTPConnector(guard *Guard, maxResponseBytes int64, defaultTimeout time.Duration) *HTTPConnector {
	return &HTTPConnector{
		guard:            guard,
		maxResponseBytes: maxResponseBytes,
		defaultTimeout:   defaultTimeout,
		pinDial:          true,
	}
}

// WithDriftCheckDial switches from pinned dialing to re-resolve-and-assert.
func (c *HTTPConnector) WithDriftCheckDial() *HTTPConnector {
	c.pinDial = false
	return c
}

func (c *HTTPConnector) transportFor(target *ResolvedTarget) *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if c.pinDial {
				return dialer.DialContext(ctx, network, net.JoinHostPort(target.ChosenIP.String(), target.Port))
			}
			if err := c.guard.VerifyNoDrift(ctx, target); err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, addr)
		},
		TLSClientConfig:   &tls.Config{ServerName: target.Hostname, MinVersion: tls.VersionTLS12},
		DisableKeepAlives: true,
	}
}

// Do issues one request to the target, following redirects only when the
// tool opted in, revalidating every hop. Non-2xx statuses are results, not
// errors.
func (c *HTTPConnector) Do(ctx context.Context, target *ResolvedTarget, method string, header http.Header, body []byte, cfg contracts.ToolConfig) (*contracts.ConnectorResult, error) {
	timeout := c.defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	for hop := 0; ; hop++ {
		resp, err := c.doOnce(ctx, target, method, header, body)
		if err != nil {
			return nil, mapTransportError(err)
		}

		if isRedirect(resp.StatusCode) && cfg.FollowRedirects {
			location := resp.Header.Get("Location")
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()

			if hop+1 >= maxRedirectHops {
				return nil, &contracts.ConnectorError{
					Kind:   contracts.ConnectorFaultNetwork,
					Detail: fmt.Sprintf("redirect chain exceeded %d hops", maxRedirectHops),
				}
			}
			next, err := target.URL.Parse(location)
			if err != nil {
				return nil, &contracts.ConnectorError{
					Kind:   contracts.ConnectorFaultNetwork,
					Detail: fmt.Sprintf("invalid redirect location %q", location),
				}
			}
			// Every hop goes through the full validation pipeline again.
			target, err = c.guard.ValidateTarget(ctx, next.String(), cfg.AllowedDomains, cfg.AllowHTTP)
			if err != nil {
				return nil, err
			}
			// Redirected requests are replayed as GET without the body.
			method = http.MethodGet
			body = nil
			continue
		}

		return c.readResult(resp, start)
	}
}

func (c *HTTPConnector) doOnce(ctx context.Context, target *ResolvedTarget, method string, header http.Header, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target.URL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Host = target.Hostname

	client := &http.Client{
		Transport: c.transportFor(target),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return client.Do(req)
}

func (c *HTTPConnector) readResult(resp *http.Response, start time.Time) (*contracts.ConnectorResult, error) {
	defer resp.Body.Close()

	result := &contracts.ConnectorResult{
		Status:  resp.StatusCode,
		Headers: resp.Header,
	}

	limited := io.LimitReader(resp.Body, c.maxResponseBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		// The request was sent and a status received; a read failure here
		// leaves the external effect unknown.
		result.Body = body
		result.Ambiguous = true
		result.Duration = time.Since(start)
		return result, nil
	}
	if int64(len(body)) > c.maxResponseBytes {
		body = body[:c.maxResponseBytes]
		result.Truncated = true
	}
	result.Body = body
	result.Duration = time.Since(start)
	return result, nil
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func mapTransportError(err error) error {
	var cerr *contracts.ConnectorError
	if errors.As(err, &cerr) {
		return cerr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &contracts.ConnectorError{Kind: contracts.ConnectorFaultTimeout, Detail: err.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &contracts.ConnectorError{Kind: contracts.ConnectorFaultTimeout, Detail: err.Error()}
	}
	var certErr *tls.CertificateVerificationError
	var recErr tls.RecordHeaderError
	var unkErr x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &recErr) ||
		errors.As(err, &unkErr) || errors.As(err, &hostErr) ||
		strings.Contains(err.Error(), "tls:") {
		return &contracts.ConnectorError{Kind: contracts.ConnectorFaultTLS, Detail: err.Error()}
	}
	return &contracts.ConnectorError{Kind: contracts.ConnectorFaultNetwork, Detail: err.Error()}
}
