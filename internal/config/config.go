// Package config loads Kestrel configuration from defaults, an optional
// YAML file and KESTREL_ environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EnvPrefix is the prefix of environment overrides.
// KESTREL_ANALYSIS_FANTHRESHOLD maps to analysis.fanthreshold.
const EnvPrefix = "KESTREL_"

var validate = validator.New()

// Load builds the configuration. path may be empty; a missing file is not an error.
func Load(path string) (*domain.Config, error) {
	tier, err := detectTier(path)
	if err != nil {
		return nil, err
	}

	defaults := domain.DefaultConfig()
	if tier == domain.TierPro {
		defaults = domain.ProConfig()
	}

	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if err := loadFile(k, path); err != nil {
		return nil, err
	}

	if err := k.Load(envProvider(), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg domain.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks tier and analysis thresholds.
func Validate(cfg *domain.Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// detectTier picks the preset before defaults are loaded, from env first, then the file.
func detectTier(path string) (domain.Tier, error) {
	k := koanf.New(".")
	if err := loadFile(k, path); err != nil {
		return "", err
	}
	if err := k.Load(envProvider(), nil); err != nil {
		return "", fmt.Errorf("loading environment variables: %w", err)
	}

	switch tier := domain.Tier(strings.ToLower(k.String("tier"))); tier {
	case "", domain.TierCommunity:
		return domain.TierCommunity, nil
	case domain.TierPro:
		return domain.TierPro, nil
	default:
		return "", fmt.Errorf("unknown tier: %s", tier)
	}
}

func loadFile(k *koanf.Koanf, path string) error {
	if path == "" {
		return nil
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading config file %s: %w", path, err)
	}
	return nil
}

func envProvider() *env.Env {
	return env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(
			strings.TrimPrefix(s, EnvPrefix)), "_", ".")
	})
}

// LookupPath returns the config file named by KESTREL_CONFIG, if any.
func LookupPath() string {
	return os.Getenv(EnvPrefix + "CONFIG")
}
