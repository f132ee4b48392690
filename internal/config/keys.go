package config

import (
	"errors"
	"os"
	"strings"

	"github.com/ShayCichocki/autopilot/internal/router"
)

// ErrNoAPIKey is returned when no API key is configured.
var ErrNoAPIKey = errors.New("no Anthropic API key configured")

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv     KeySource = "environment"
	KeySourceConfig  KeySource = "config_file"
	KeySourceBedrock KeySource = "aws_bedrock"
	KeySourceNone    KeySource = "none"
)

// GetAPIKey returns the default Anthropic API key: the environment first,
// then the config file.
func GetAPIKey(cfg *Config) (string, error) {
	key, src := resolveAPIKey(cfg)
	if src == KeySourceNone {
		return "", ErrNoAPIKey
	}
	return key, nil
}

// GetAPIKeySource returns where the default API key was sourced from.
func GetAPIKeySource(cfg *Config) KeySource {
	_, src := resolveAPIKey(cfg)
	return src
}

func resolveAPIKey(cfg *Config) (string, KeySource) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return key, KeySourceEnv
	}
	if cfg != nil && cfg.Anthropic.APIKey != "" {
		key := os.ExpandEnv(cfg.Anthropic.APIKey)
		if key != "" && !strings.HasPrefix(key, "${") {
			return key, KeySourceConfig
		}
	}
	return "", KeySourceNone
}

// AccountKeyStatus describes the credential of one router account.
type AccountKeyStatus struct {
	Provider  string
	AccountID string
	EnvVar    string
	Source    KeySource
	Masked    string
}

// AccountKeys reports, for every configured account, whether its
// credential is available. Accounts without an env var share the default
// key. Bedrock accounts use AWS credentials instead.
func AccountKeys(cfg *Config) []AccountKeyStatus {
	providers := cfg.RouterConfig().Providers
	if len(providers) == 0 {
		providers = router.DefaultConfig().Providers
	}
	var out []AccountKeyStatus
	for _, p := range providers {
		for _, a := range p.Accounts {
			st := AccountKeyStatus{Provider: p.Name, AccountID: a.ID, EnvVar: a.APIKeyEnv}
			switch {
			case cfg.Anthropic.UseBedrock:
				st.Source = KeySourceBedrock
			case a.APIKeyEnv != "" && a.APIKeyEnv != "ANTHROPIC_API_KEY":
				if key := os.Getenv(a.APIKeyEnv); key != "" {
					st.Source, st.Masked = KeySourceEnv, MaskAPIKey(key)
				} else {
					st.Source = KeySourceNone
				}
			default:
				key, src := resolveAPIKey(cfg)
				st.Source = src
				if src != KeySourceNone {
					st.Masked = MaskAPIKey(key)
				}
			}
			out = append(out, st)
		}
	}
	return out
}

// ValidateAPIKey performs basic validation on an API key.
// It checks format but does not verify the key with Anthropic's API.
func ValidateAPIKey(key string) error {
	if key == "" {
		return ErrNoAPIKey
	}

	// Anthropic API keys start with "sk-ant-"
	if !strings.HasPrefix(key, "sk-ant-") {
		return errors.New("invalid API key format: expected 'sk-ant-' prefix")
	}

	if len(key) < 20 {
		return errors.New("invalid API key format: key too short")
	}

	return nil
}

// MaskAPIKey returns a masked version of the API key for display.
// Shows the first 7 characters (sk-ant-) and last 4 characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}

	if len(key) <= 15 {
		return "***"
	}

	return key[:7] + "..." + key[len(key)-4:]
}
