package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Thresholds.Stage1MinAssessed != 10 {
		t.Fatalf("stage1 min = %d", cfg.Thresholds.Stage1MinAssessed)
	}
	if cfg.Thresholds.Stage3RationaleFraction != 0.6 {
		t.Fatalf("stage3 fraction = %v", cfg.Thresholds.Stage3RationaleFraction)
	}
	if cfg.Thresholds.Stage5NoteFraction != 0.8 {
		t.Fatalf("stage5 fraction = %v", cfg.Thresholds.Stage5NoteFraction)
	}
	if cfg.Strict {
		t.Fatal("strict defaults on")
	}
}

func TestFromYAMLOverrides(t *testing.T) {
	cfg, err := FromYAML([]byte(`
thresholds:
  stage1_min_assessed: 3
  stage3_rationale_fraction: 1.0
strict: true
server:
  jwt_secret: sekrit
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Thresholds.Stage1MinAssessed != 3 {
		t.Fatalf("override lost: %d", cfg.Thresholds.Stage1MinAssessed)
	}
	// Absent keys fall back to defaults.
	if cfg.Thresholds.Stage5NoteFraction != 0.8 {
		t.Fatalf("default lost: %v", cfg.Thresholds.Stage5NoteFraction)
	}
	if !cfg.Strict || cfg.Server.JWTSecret != "sekrit" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	cases := []string{
		"thresholds:\n  stage1_min_assessed: 0\n",
		"thresholds:\n  stage3_rationale_fraction: 1.5\n",
		"thresholds:\n  stage5_note_fraction: -0.1\n",
	}
	for _, yaml := range cases {
		if _, err := FromYAML([]byte(yaml)); err == nil {
			t.Fatalf("accepted: %s", yaml)
		}
	}
}

func TestValidateDeckPath(t *testing.T) {
	if _, err := FromYAML([]byte("deck:\n  path: /no/such/deck.yaml\n")); err == nil {
		t.Fatal("missing deck path accepted")
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("missing file should yield defaults: %v", err)
	}
	if cfg.Thresholds.Stage1MinAssessed != 10 {
		t.Fatalf("not defaults: %+v", cfg)
	}

	if err := os.WriteFile(filepath.Join(dir, "biasflow.yml"), []byte("strict: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Strict {
		t.Fatal("file not loaded")
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "bf config init") {
		t.Fatalf("got %v", err)
	}
}

func TestGenerateDefaultParses(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatalf("template does not parse: %v", err)
	}
	if *cfg != *Default() {
		t.Fatalf("template differs from defaults: %+v", cfg)
	}
}
