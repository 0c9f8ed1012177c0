package provider

import (
	"fmt"
	"os"
	"time"

	"sharepool/services/pool/internal/domain"

	"gopkg.in/yaml.v3"
)

// BackendConfig configures the automation backend for one platform.
type BackendConfig struct {
	BaseURL       string        `yaml:"base_url"`
	APITokenEnv   string        `yaml:"api_token_env"`
	RatePerMinute float64       `yaml:"rate_per_minute"`
	Burst         int           `yaml:"burst"`
	Timeout       time.Duration `yaml:"timeout"`
}

type FileConfig struct {
	Providers map[string]BackendConfig `yaml:"providers"`
}

// LoadConfig reads a providers YAML file. API tokens are read from the
// environment variables the file names, never from the file itself.
func LoadConfig(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}
	return ParseConfig(raw)
}

func ParseConfig(raw []byte) (*FileConfig, error) {
	var fc FileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("%w: providers file: %v", domain.ErrValidation, err)
	}
	for name, bc := range fc.Providers {
		if bc.BaseURL == "" {
			return nil, fmt.Errorf("%w: provider %q has no base_url", domain.ErrValidation, name)
		}
		if bc.Timeout <= 0 {
			bc.Timeout = 30 * time.Second
		}
		if bc.RatePerMinute <= 0 {
			bc.RatePerMinute = 6
		}
		if bc.Burst <= 0 {
			bc.Burst = 1
		}
		fc.Providers[name] = bc
	}
	return &fc, nil
}
