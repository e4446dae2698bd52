// internal/browser/shim/shim.go
package shim

import (
	_ "embed"
	"fmt"
	"strings"

	json "github.com/json-iterator/go"
)

const (
	// ConfigPlaceholder is the string replaced in the JS template with the actual JSON configuration.
	ConfigPlaceholder = "/*{{PROOFWATCH_BRIDGE_CONFIG}}*/"

	// DefaultBinding is the runtime binding the bridge reports through.
	DefaultBinding = "__proofwatch_signal"
)

//go:embed bridge.js
var bridgeTemplate string

// BridgeConfig is injected into the page bridge.
type BridgeConfig struct {
	Binding string `json:"binding"`
	// MutationThrottleMs coalesces bursts of DOM mutations into one signal.
	MutationThrottleMs int `json:"mutation_throttle_ms"`
}

// Template returns the embedded bridge template.
func Template() (string, error) {
	if bridgeTemplate == "" {
		return "", fmt.Errorf("embedded bridge.js template is empty or failed to load")
	}
	return bridgeTemplate, nil
}

// Build injects the configuration into the template.
func Build(template string, cfg BridgeConfig) (string, error) {
	if template == "" {
		return "", fmt.Errorf("template is empty")
	}
	if !strings.Contains(template, ConfigPlaceholder) {
		return "", fmt.Errorf("template does not contain the required placeholder: %s", ConfigPlaceholder)
	}
	if cfg.Binding == "" {
		cfg.Binding = DefaultBinding
	}
	if cfg.MutationThrottleMs <= 0 {
		cfg.MutationThrottleMs = 100
	}
	configJSON, err := json.ConfigCompatibleWithStandardLibrary.MarshalToString(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to encode bridge config: %w", err)
	}
	return strings.Replace(template, ConfigPlaceholder, configJSON, 1), nil
}

// BridgeScript builds the embedded bridge with cfg.
func BridgeScript(cfg BridgeConfig) (string, error) {
	tmpl, err := Template()
	if err != nil {
		return "", err
	}
	return Build(tmpl, cfg)
}
