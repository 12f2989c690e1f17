package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Twitch endpoints and scopes used when the config leaves them out.
const (
	DefaultAuthorizationURL = "https://id.twitch.tv/oauth2/authorize"
	DefaultRevocationURL    = "https://id.twitch.tv/oauth2/revoke"
	DefaultAPIBaseURL       = "https://api.twitch.tv/helix"
	DefaultRedirectURI      = "http://localhost:3000/callback"
	DefaultRedirectTimeout  = 5 * time.Minute

	// ClientIDEnv is the environment variable holding the OAuth client id.
	ClientIDEnv = "CLIENT_ID"
)

// DefaultScopes are requested when the config does not list any.
var DefaultScopes = []string{"openid", "user:read:email", "user:read:follows"}

// ProviderConfig describes the identity provider. ClientID is resolved once
// at load time and shared by the authorization request, the revocation call
// and the API client's Client-Id header.
type ProviderConfig struct {
	ClientID         string   `json:"clientId"`
	AuthorizationURL string   `json:"authorizationUrl"`
	RevocationURL    string   `json:"revocationUrl"`
	APIBaseURL       string   `json:"apiBaseUrl"`
	Scopes           []string `json:"scopes"`
	ForceVerify      bool     `json:"forceVerify"`
}

// RedirectConfig configures the loopback listener that receives the
// provider's redirect.
type RedirectConfig struct {
	Addr        string        `json:"addr"`
	RedirectURI string        `json:"redirectUri"`
	Timeout     time.Duration `json:"timeout"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `json:"addr,omitempty"`
}

// Config represents the config structure with resolved values
type Config struct {
	Provider ProviderConfig `json:"provider"`
	Redirect RedirectConfig `json:"redirect"`
	Metrics  MetricsConfig  `json:"metrics"`
}

// UnmarshalJSON resolves {"$env": "VAR"} references in the provider block.
func (p *ProviderConfig) UnmarshalJSON(data []byte) error {
	type rawProvider struct {
		ClientID         json.RawMessage `json:"clientId"`
		AuthorizationURL json.RawMessage `json:"authorizationUrl"`
		RevocationURL    json.RawMessage `json:"revocationUrl"`
		APIBaseURL       json.RawMessage `json:"apiBaseUrl"`
		Scopes           []string        `json:"scopes"`
		ForceVerify      *bool           `json:"forceVerify"`
	}

	var raw rawProvider
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	fields := []struct {
		name string
		raw  json.RawMessage
		dst  *string
	}{
		{"clientId", raw.ClientID, &p.ClientID},
		{"authorizationUrl", raw.AuthorizationURL, &p.AuthorizationURL},
		{"revocationUrl", raw.RevocationURL, &p.RevocationURL},
		{"apiBaseUrl", raw.APIBaseURL, &p.APIBaseURL},
	}
	for _, f := range fields {
		if f.raw == nil {
			continue
		}
		value, err := ParseConfigValue(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", f.name, err)
		}
		*f.dst = value
	}

	p.Scopes = raw.Scopes
	p.ForceVerify = true
	if raw.ForceVerify != nil {
		p.ForceVerify = *raw.ForceVerify
	}
	return nil
}

// UnmarshalJSON parses the timeout duration and resolves env references.
func (r *RedirectConfig) UnmarshalJSON(data []byte) error {
	type rawRedirect struct {
		Addr        json.RawMessage `json:"addr"`
		RedirectURI json.RawMessage `json:"redirectUri"`
		Timeout     string          `json:"timeout"`
	}

	var raw rawRedirect
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw.Addr != nil {
		v, err := ParseConfigValue(raw.Addr)
		if err != nil {
			return fmt.Errorf("parsing addr: %w", err)
		}
		r.Addr = v
	}
	if raw.RedirectURI != nil {
		v, err := ParseConfigValue(raw.RedirectURI)
		if err != nil {
			return fmt.Errorf("parsing redirectUri: %w", err)
		}
		r.RedirectURI = v
	}
	if raw.Timeout != "" {
		timeout, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("parsing timeout: %w", err)
		}
		r.Timeout = timeout
	}
	return nil
}

// ParseConfigValue parses a JSON value that is either a plain string or an
// {"$env": "VAR"} reference resolved against the process environment.
func ParseConfigValue(raw json.RawMessage) (string, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return "", fmt.Errorf("unknown reference type in config value")
	}
	value := os.Getenv(envVar)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return value, nil
}
