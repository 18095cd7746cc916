package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pagesmith/pagesmith-backend/internal/domain"
)

// Config is loaded once at process start and treated as immutable afterward.
type Config struct {
	// Per-role candidate lists, priority order within a role.
	Models []domain.ModelDescriptor `yaml:"models"`
	// Per-product-type override lists: product_type -> role -> backend ids.
	Overrides map[string]map[string][]string `yaml:"overrides"`

	Pool struct {
		MaxAttempts    int `yaml:"max_attempts"`    // total attempts across candidates
		TimeoutSeconds int `yaml:"timeout_seconds"` // per attempt
	} `yaml:"pool"`

	Aesthetic struct {
		PassThreshold  int `yaml:"pass_threshold"`
		MaxRefinements int `yaml:"max_refinements"`
	} `yaml:"aesthetic"`

	Store struct {
		PinCap int `yaml:"pin_cap"` // per owner per family
	} `yaml:"store"`

	Pipeline struct {
		PageConcurrency     int     `yaml:"page_concurrency"`
		InterviewConfidence float64 `yaml:"interview_confidence"`
	} `yaml:"pipeline"`
}

func Default() *Config {
	cfg := &Config{Overrides: map[string]map[string][]string{}}
	cfg.Pool.MaxAttempts = 3
	cfg.Pool.TimeoutSeconds = 120
	cfg.Aesthetic.PassThreshold = 18
	cfg.Aesthetic.MaxRefinements = 2
	cfg.Store.PinCap = 2
	cfg.Pipeline.PageConcurrency = 3
	cfg.Pipeline.InterviewConfidence = 0.6
	return cfg
}

// Load reads the YAML file at path (optional) and applies env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Pool.MaxAttempts = envInt("POOL_MAX_ATTEMPTS", cfg.Pool.MaxAttempts)
	cfg.Pool.TimeoutSeconds = envInt("POOL_TIMEOUT_SECONDS", cfg.Pool.TimeoutSeconds)
	cfg.Aesthetic.PassThreshold = envInt("AESTHETIC_PASS_THRESHOLD", cfg.Aesthetic.PassThreshold)
	cfg.Aesthetic.MaxRefinements = envInt("AESTHETIC_MAX_REFINEMENTS", cfg.Aesthetic.MaxRefinements)
	cfg.Store.PinCap = envInt("STORE_PIN_CAP", cfg.Store.PinCap)
	cfg.Pipeline.PageConcurrency = envInt("PIPELINE_PAGE_CONCURRENCY", cfg.Pipeline.PageConcurrency)
}

func (c *Config) Validate() error {
	if c.Pool.MaxAttempts <= 0 {
		return fmt.Errorf("pool.max_attempts must be positive")
	}
	if c.Store.PinCap <= 0 {
		return fmt.Errorf("store.pin_cap must be positive")
	}
	if c.Aesthetic.MaxRefinements < 0 {
		return fmt.Errorf("aesthetic.max_refinements must not be negative")
	}
	seen := map[string]bool{}
	for _, m := range c.Models {
		if strings.TrimSpace(m.BackendID) == "" {
			return fmt.Errorf("model missing backend_id (role %q)", m.Role)
		}
		key := string(m.Role) + "/" + m.BackendID
		if seen[key] {
			return fmt.Errorf("duplicate model %q for role %q", m.BackendID, m.Role)
		}
		seen[key] = true
	}
	return nil
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
		return parsed
	}
	return def
}
