package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DeploymentProfile is a named configuration overlay loaded from YAML.
// Profiles capture per-environment policy posture without code changes.
type DeploymentProfile struct {
	Name                        string   `yaml:"name" json:"name"`
	Code                        string   `yaml:"code" json:"code"`
	RequireProductionKeys       bool     `yaml:"require_production_keys" json:"require_production_keys"`
	AllowHTTPInConnectors       bool     `yaml:"allow_http_in_connectors" json:"allow_http_in_connectors"`
	GlobalAllowedWebhookDomains []string `yaml:"global_allowed_webhook_domains,omitempty" json:"global_allowed_webhook_domains,omitempty"`
	OverrideTokenTTLSeconds     int      `yaml:"override_token_ttl_seconds,omitempty" json:"override_token_ttl_seconds,omitempty"`
	ApprovalExpirySeconds       int      `yaml:"approval_expiry_seconds,omitempty" json:"approval_expiry_seconds,omitempty"`
	PerOrgAuditStreams          bool     `yaml:"per_org_audit_streams" json:"per_org_audit_streams"`
}

// LoadProfile reads profile_<code>.yaml from the profiles directory.
func LoadProfile(dir, code string) (*DeploymentProfile, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return nil, fmt.Errorf("config: empty profile code")
	}
	path := filepath.Join(dir, fmt.Sprintf("profile_%s.yaml", code))
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read profile %q: %w", code, err)
	}
	var p DeploymentProfile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("config: parse profile %q: %w", code, err)
	}
	if p.Code == "" {
		p.Code = code
	}
	return &p, nil
}

// Apply overlays the profile onto a loaded config.
func (p *DeploymentProfile) Apply(cfg *Config) {
	cfg.RequireProductionKeys = p.RequireProductionKeys
	cfg.AllowHTTPInConnectors = p.AllowHTTPInConnectors
	if len(p.GlobalAllowedWebhookDomains) > 0 {
		cfg.GlobalAllowedWebhookDomains = p.GlobalAllowedWebhookDomains
	}
	if p.OverrideTokenTTLSeconds > 0 {
		cfg.OverrideTokenTTLSeconds = p.OverrideTokenTTLSeconds
		if cfg.OverrideTokenTTLSeconds > maxOverrideTokenTTLSeconds {
			cfg.OverrideTokenTTLSeconds = maxOverrideTokenTTLSeconds
		}
	}
	if p.ApprovalExpirySeconds > 0 {
		cfg.ApprovalExpirySeconds = p.ApprovalExpirySeconds
	}
	cfg.PerOrgAuditStreams = p.PerOrgAuditStreams
}
