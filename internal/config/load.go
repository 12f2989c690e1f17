package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/dgellow/twitch-session/internal/log"
)

// SupportedVersionPrefix is the config version this build understands.
const SupportedVersionPrefix = "v0.0.1-DEV_EDITION"

// Default returns the Twitch defaults with no client id.
func Default() Config {
	return Config{
		Provider: ProviderConfig{
			AuthorizationURL: DefaultAuthorizationURL,
			RevocationURL:    DefaultRevocationURL,
			APIBaseURL:       DefaultAPIBaseURL,
			Scopes:           append([]string(nil), DefaultScopes...),
			ForceVerify:      true,
		},
		Redirect: RedirectConfig{
			RedirectURI: DefaultRedirectURI,
			Timeout:     DefaultRedirectTimeout,
		},
	}
}

// FromEnv builds a config from the defaults and the CLIENT_ID environment
// variable. Used when no config file is given.
func FromEnv() (Config, error) {
	cfg := Default()
	cfg.Provider.ClientID = strings.TrimSpace(os.Getenv(ClientIDEnv))
	applyDefaults(&cfg)
	if err := ValidateConfig(&cfg); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Load loads and processes the config with immediate env var resolution
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if !strings.HasPrefix(version, SupportedVersionPrefix) {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	// Start from defaults so omitted blocks keep the Twitch values.
	config := Default()
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	applyDefaults(&config)

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	log.LogDebugWithFields("config", "Config loaded", map[string]any{
		"path":        path,
		"redirectUri": config.Redirect.RedirectURI,
		"scopes":      config.Provider.Scopes,
	})
	return config, nil
}

func applyDefaults(c *Config) {
	if c.Provider.AuthorizationURL == "" {
		c.Provider.AuthorizationURL = DefaultAuthorizationURL
	}
	if c.Provider.RevocationURL == "" {
		c.Provider.RevocationURL = DefaultRevocationURL
	}
	if c.Provider.APIBaseURL == "" {
		c.Provider.APIBaseURL = DefaultAPIBaseURL
	}
	c.Provider.APIBaseURL = strings.TrimRight(c.Provider.APIBaseURL, "/")
	if len(c.Provider.Scopes) == 0 {
		c.Provider.Scopes = append([]string(nil), DefaultScopes...)
	}
	if c.Redirect.RedirectURI == "" {
		c.Redirect.RedirectURI = DefaultRedirectURI
	}
	if c.Redirect.Addr == "" {
		if u, err := url.Parse(c.Redirect.RedirectURI); err == nil && u.Host != "" {
			c.Redirect.Addr = u.Host
		}
	}
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if config.Provider.ClientID == "" {
		return fmt.Errorf("provider.clientId is required (set %s)", ClientIDEnv)
	}
	if strings.ContainsAny(config.Provider.ClientID, " \t\r\n") {
		return fmt.Errorf("provider.clientId must not contain whitespace")
	}

	endpoints := map[string]string{
		"provider.authorizationUrl": config.Provider.AuthorizationURL,
		"provider.revocationUrl":    config.Provider.RevocationURL,
		"provider.apiBaseUrl":       config.Provider.APIBaseURL,
		"redirect.redirectUri":      config.Redirect.RedirectURI,
	}
	for name, raw := range endpoints {
		if err := validateHTTPURL(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	for _, scope := range config.Provider.Scopes {
		if strings.TrimSpace(scope) == "" || strings.ContainsAny(scope, " \t") {
			return fmt.Errorf("provider.scopes contains an invalid scope %q", scope)
		}
	}

	if config.Redirect.Addr == "" {
		return fmt.Errorf("redirect.addr is required")
	}
	if _, _, err := net.SplitHostPort(config.Redirect.Addr); err != nil {
		return fmt.Errorf("redirect.addr: %w", err)
	}
	if config.Redirect.Timeout < 0 {
		return fmt.Errorf("redirect.timeout cannot be negative")
	}

	if config.Metrics.Addr != "" {
		if _, _, err := net.SplitHostPort(config.Metrics.Addr); err != nil {
			return fmt.Errorf("metrics.addr: %w", err)
		}
	}
	return nil
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must be an http(s) URL, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}
