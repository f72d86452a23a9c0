// Package config models biasflow.yml: the deck source, the stage completion
// thresholds, and the server auth settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"biasflow/internal/validate"
)

// Config models biasflow.yml.
type Config struct {
	Deck struct {
		// Path to a deck YAML file; empty means the embedded default deck.
		Path string `yaml:"path"`
	} `yaml:"deck"`
	Thresholds struct {
		Stage1MinAssessed       int     `yaml:"stage1_min_assessed"`
		Stage3RationaleFraction float64 `yaml:"stage3_rationale_fraction"`
		Stage5NoteFraction      float64 `yaml:"stage5_note_fraction"`
	} `yaml:"thresholds"`
	// Strict promotes soft validation rules to errors.
	Strict bool `yaml:"strict"`
	Server struct {
		JWTSecret        string `yaml:"jwt_secret"`
		AllowActorHeader bool   `yaml:"allow_actor_header"`
	} `yaml:"server"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "biasflow.yml")
}

// Load reads and validates config from a workspace.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run bf config init", Path(workspace))
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Absent threshold
// keys fall back to the documented defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	t := validate.DefaultThresholds()
	cfg.Thresholds.Stage1MinAssessed = t.Stage1MinAssessed
	cfg.Thresholds.Stage3RationaleFraction = t.Stage3RationaleFraction
	cfg.Thresholds.Stage5NoteFraction = t.Stage5NoteFraction
	cfg.Server.AllowActorHeader = true
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Thresholds.Stage1MinAssessed < 1 {
		return fmt.Errorf("thresholds.stage1_min_assessed must be at least 1")
	}
	if f := c.Thresholds.Stage3RationaleFraction; f <= 0 || f > 1 {
		return fmt.Errorf("thresholds.stage3_rationale_fraction must be in (0, 1]")
	}
	if f := c.Thresholds.Stage5NoteFraction; f <= 0 || f > 1 {
		return fmt.Errorf("thresholds.stage5_note_fraction must be in (0, 1]")
	}
	if c.Deck.Path != "" {
		if _, err := os.Stat(c.Deck.Path); err != nil {
			return fmt.Errorf("deck.path %s: %w", c.Deck.Path, err)
		}
	}
	return nil
}

// ValidatorThresholds maps the config values onto the validator's knobs.
func (c *Config) ValidatorThresholds() validate.Thresholds {
	return validate.Thresholds{
		Stage1MinAssessed:       c.Thresholds.Stage1MinAssessed,
		Stage3RationaleFraction: c.Thresholds.Stage3RationaleFraction,
		Stage5NoteFraction:      c.Thresholds.Stage5NoteFraction,
	}
}

// GenerateDefault returns the default config YAML for bf config init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `deck:
  # Path to a deck YAML file. Empty uses the embedded bias-cards deck.
  path: ""

thresholds:
  # Stage 1 is complete once this many items carry a risk category.
  stage1_min_assessed: 10
  # Stage 3 requires rationale on this fraction of lifecycle-mapped
  # (item, stage) pairs.
  stage3_rationale_fraction: 0.6
  # Stage 5 requires implementation notes on this fraction of selected
  # mitigations.
  stage5_note_fraction: 0.8

# Strict mode treats missing rationale on any lifecycle-mapped item as an
# error instead of omitting the check.
strict: false

server:
  # HS256 secret for bearer tokens. Empty disables JWT auth.
  jwt_secret: ""
  # Accept the X-Actor-Id header without credentials (local use).
  allow_actor_header: true
`
