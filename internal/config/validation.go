package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) addError(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationResult) addWarning(path, format string, args ...any) {
	v.Warnings = append(v.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

var bashStyleRef = regexp.MustCompile(`\$\{?[A-Z_][A-Z0-9_]*\}?`)

// ValidateFile checks a config file's structure without resolving env vars,
// so it can run on a machine where CLIENT_ID is not set.
func ValidateFile(path string) (*ValidationResult, error) {
	result := &ValidationResult{}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		result.addError("", "invalid JSON: %v", err)
		return result, nil
	}

	version, ok := raw["version"].(string)
	switch {
	case !ok:
		result.addError("version", "version field is required. Hint: Add \"version\": %q", SupportedVersionPrefix)
	case !strings.HasPrefix(version, SupportedVersionPrefix):
		result.addError("version", "unsupported version '%s' - use '%s'", version, SupportedVersionPrefix)
	}

	provider, ok := raw["provider"].(map[string]any)
	if !ok {
		if _, present := raw["provider"]; present {
			result.addError("provider", "provider must be an object")
		} else {
			result.addWarning("provider", "provider block missing; clientId will be read from %s", ClientIDEnv)
		}
	} else {
		validateProviderStructure(provider, result)
	}

	if redirect, ok := raw["redirect"].(map[string]any); ok {
		if uri, ok := redirect["redirectUri"].(string); ok {
			if err := validateHTTPURL(uri); err != nil {
				result.addError("redirect.redirectUri", "%v", err)
			} else if !strings.HasPrefix(uri, "http://localhost") && !strings.HasPrefix(uri, "http://127.0.0.1") {
				result.addWarning("redirect.redirectUri", "redirect URI %q is not a loopback address; the local listener will not receive it", uri)
			}
		}
	}

	return result, nil
}

func validateProviderStructure(provider map[string]any, result *ValidationResult) {
	switch v := provider["clientId"].(type) {
	case nil:
		result.addError("provider.clientId", "clientId is required. Hint: {\"$env\": %q}", ClientIDEnv)
	case string:
		if bashStyleRef.MatchString(v) {
			result.addError("provider.clientId", "found bash-style reference %q; use {\"$env\": \"VAR\"} instead", v)
		}
	case map[string]any:
		if _, ok := v["$env"].(string); !ok {
			result.addError("provider.clientId", "reference objects must use the {\"$env\": \"VAR\"} form")
		}
	default:
		result.addError("provider.clientId", "clientId must be a string or an {\"$env\": \"VAR\"} reference")
	}

	for _, key := range []string{"authorizationUrl", "revocationUrl", "apiBaseUrl"} {
		s, ok := provider[key].(string)
		if !ok {
			continue
		}
		if err := validateHTTPURL(s); err != nil {
			result.addError("provider."+key, "%v", err)
		}
	}

	if scopes, present := provider["scopes"]; present {
		list, ok := scopes.([]any)
		if !ok {
			result.addError("provider.scopes", "scopes must be an array of strings")
			return
		}
		for i, s := range list {
			if str, ok := s.(string); !ok || strings.TrimSpace(str) == "" {
				result.addError(fmt.Sprintf("provider.scopes[%d]", i), "scope must be a non-empty string")
			}
		}
	}
}

// DefaultFile returns the JSON written by `config-init`.
func DefaultFile() ([]byte, error) {
	doc := map[string]any{
		"version": SupportedVersionPrefix,
		"provider": map[string]any{
			"clientId":         map[string]string{"$env": ClientIDEnv},
			"authorizationUrl": DefaultAuthorizationURL,
			"revocationUrl":    DefaultRevocationURL,
			"apiBaseUrl":       DefaultAPIBaseURL,
			"scopes":           DefaultScopes,
			"forceVerify":      true,
		},
		"redirect": map[string]any{
			"addr":        "localhost:3000",
			"redirectUri": DefaultRedirectURI,
			"timeout":     DefaultRedirectTimeout.String(),
		},
	}
	return json.MarshalIndent(doc, "", "  ")
}
