package config

import (
	"errors"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when no API key is configured.
var ErrNoAPIKey = errors.New("no Anthropic API key configured")

// KeySource says where the resolved API key came from.
type KeySource string

const (
	KeySourceEnv     KeySource = "environment"
	KeySourceConfig  KeySource = "config_file"
	KeySourceBedrock KeySource = "aws_bedrock"
	KeySourceNone    KeySource = "none"
)

// KeyInfo is the resolved model credential: the key itself and where it
// was found. Bedrock configurations resolve to an empty key, since auth
// rides on the AWS credential chain instead.
type KeyInfo struct {
	Key    string
	Source KeySource
}

// Masked renders the key safely for display: enough of the prefix and
// suffix to recognize it, never the middle.
func (k KeyInfo) Masked() string {
	switch {
	case k.Source == KeySourceBedrock:
		return "(aws credentials)"
	case k.Key == "":
		return "(not set)"
	case len(k.Key) <= 15:
		return "***"
	}
	return k.Key[:7] + "..." + k.Key[len(k.Key)-4:]
}

// Valid reports whether the key looks like an Anthropic key. Format
// only; the first model call is the real check.
func (k KeyInfo) Valid() bool {
	if k.Source == KeySourceBedrock {
		return true
	}
	return strings.HasPrefix(k.Key, "sk-ant-") && len(k.Key) >= 20
}

// ResolveAPIKey finds the model credential for cfg. The environment
// wins over the config file; ${VAR} references in the file are
// expanded, and an unexpanded reference counts as unset.
func ResolveAPIKey(cfg *Config) KeyInfo {
	if cfg != nil && cfg.Anthropic.UseBedrock {
		return KeyInfo{Source: KeySourceBedrock}
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return KeyInfo{Key: key, Source: KeySourceEnv}
	}
	if cfg != nil && cfg.Anthropic.APIKey != "" {
		key := os.ExpandEnv(cfg.Anthropic.APIKey)
		if key != "" && !strings.HasPrefix(key, "${") {
			return KeyInfo{Key: key, Source: KeySourceConfig}
		}
	}
	return KeyInfo{Source: KeySourceNone}
}

// GetAPIKey returns the API key for cfg, or ErrNoAPIKey when nothing
// is configured. A Bedrock configuration returns an empty key with no
// error.
func GetAPIKey(cfg *Config) (string, error) {
	info := ResolveAPIKey(cfg)
	if info.Source == KeySourceNone {
		return "", ErrNoAPIKey
	}
	return info.Key, nil
}