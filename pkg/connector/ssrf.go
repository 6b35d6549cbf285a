// Package connector executes outbound tool calls behind an SSRF guard.
// Destinations are validated and resolved once; the dial is pinned to the
// validated address so a DNS change between check and use cannot redirect
// the request.
package connector

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/agentgate/agentgate/pkg/contracts"
)

// Resolver is the DNS lookup used during target validation. *net.Resolver
// satisfies it; tests inject fixed answers.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// blockedNets are the address ranges outbound calls must never reach:
// loopback, RFC 1918, link-local, CGNAT, benchmarking, multicast, reserved,
// and their IPv6 equivalents.
var blockedNets = mustParseCIDRs(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("blocked range %q: %v", c, err))
		}
		out = append(out, n)
	}
	return out
}

// IsBlockedIP reports whether ip falls in a blocked range.
func IsBlockedIP(ip net.IP) bool {
	if ip.IsUnspecified() {
		return true
	}
	for _, n := range blockedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ResolvedTarget is a validated destination. The dial uses ChosenIP; the
// original hostname is kept for TLS SNI and the Host header.
type ResolvedTarget struct {
	URL      *url.URL
	Hostname string
	Port     string
	IPs      []net.IP
	ChosenIP net.IP
}

// Guard validates outbound destinations.
type Guard struct {
	// Resolver defaults to net.DefaultResolver.
	Resolver Resolver
	// AllowHTTP permits plain http when the tool config also opts in.
	AllowHTTP bool
	// GlobalAllowedDomains is the fallback allow-list for tools that omit
	// their own. Empty lists on both sides reject every target.
	GlobalAllowedDomains []string
}

func (g *Guard) resolver() Resolver {
	if g.Resolver != nil {
		return g.Resolver
	}
	return net.DefaultResolver
}

func ssrfReject(reason, detail string) *contracts.ConnectorError {
	return &contracts.ConnectorError{Kind: contracts.ConnectorFaultSSRF, Reason: reason, Detail: detail}
}

// MatchDomain reports whether host matches any allow-list pattern: "*"
// matches everything, "*.suffix" matches subdomains of suffix, anything else
// matches exactly. Comparison is case-insensitive.
func MatchDomain(patterns []string, host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, p := range patterns {
		p = strings.ToLower(p)
		switch {
		case p == "*":
			return true
		case strings.HasPrefix(p, "*."):
			if strings.HasSuffix(host, p[1:]) || host == p[2:] {
				return true
			}
		case host == p:
			return true
		}
	}
	return false
}

// ValidateTarget runs the full destination check: scheme, embedded
// credentials, allow-list, loopback labels, DNS resolution, and blocked
// address ranges. allowDomains falls back to the guard's global list when
// empty; toolAllowHTTP only matters when the guard itself permits http.
func (g *Guard) ValidateTarget(ctx context.Context, rawURL string, allowDomains []string, toolAllowHTTP bool) (*ResolvedTarget, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, ssrfReject(contracts.SSRFScheme, fmt.Sprintf("unparseable url: %v", err))
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !g.AllowHTTP || !toolAllowHTTP {
			return nil, ssrfReject(contracts.SSRFScheme, "plain http not permitted for this tool")
		}
	default:
		return nil, ssrfReject(contracts.SSRFScheme, fmt.Sprintf("scheme %q not permitted", u.Scheme))
	}
	if u.User != nil {
		return nil, ssrfReject(contracts.SSRFScheme, "embedded credentials not permitted")
	}

	host := u.Hostname()
	if host == "" {
		return nil, ssrfReject(contracts.SSRFScheme, "missing host")
	}

	patterns := allowDomains
	if len(patterns) == 0 {
		patterns = g.GlobalAllowedDomains
	}
	if !MatchDomain(patterns, host) {
		return nil, ssrfReject(contracts.SSRFAllowlist, fmt.Sprintf("host %q not in allow-list", host))
	}

	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return nil, ssrfReject(contracts.SSRFPrivateIP, "loopback hostname")
	}

	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		ips, err = g.resolver().LookupIP(ctx, "ip", host)
		if err != nil {
			return nil, &contracts.ConnectorError{
				Kind:   contracts.ConnectorFaultNetwork,
				Detail: fmt.Sprintf("dns resolution for %q failed: %v", host, err),
			}
		}
		if len(ips) == 0 {
			return nil, &contracts.ConnectorError{
				Kind:   contracts.ConnectorFaultNetwork,
				Detail: fmt.Sprintf("dns resolution for %q returned no addresses", host),
			}
		}
	}

	for _, ip := range ips {
		if IsBlockedIP(ip) {
			return nil, ssrfReject(contracts.SSRFPrivateIP, fmt.Sprintf("host %q resolves to blocked address %s", host, ip))
		}
	}

	chosen := ips[0]
	for _, ip := range ips {
		if ip.To4() != nil {
			chosen = ip
			break
		}
	}

	return &ResolvedTarget{
		URL:      u,
		Hostname: host,
		Port:     port,
		IPs:      ips,
		ChosenIP: chosen,
	}, nil
}

// VerifyNoDrift re-resolves the target's hostname and rejects any address
// outside the originally validated set. Used when the dial cannot be pinned.
func (g *Guard) VerifyNoDrift(ctx context.Context, t *ResolvedTarget) error {
	if net.ParseIP(t.Hostname) != nil {
		return nil
	}
	ips, err := g.resolver().LookupIP(ctx, "ip", t.Hostname)
	if err != nil {
		return &contracts.ConnectorError{
			Kind:   contracts.ConnectorFaultNetwork,
			Detail: fmt.Sprintf("re-resolution for %q failed: %v", t.Hostname, err),
		}
	}
	original := make(map[string]bool, len(t.IPs))
	for _, ip := range t.IPs {
		original[ip.String()] = true
	}
	for _, ip := range ips {
		if !original[ip.String()] {
			return ssrfReject(contracts.SSRFDNSDrift,
				fmt.Sprintf("host %q now resolves to %s, outside the validated set", t.Hostname, ip))
		}
	}
	return nil
}
