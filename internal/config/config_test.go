package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
	}{
		{
			name: "minimal overrides merge with defaults",
			yaml: `
server:
  tag: test-node
`,
			wantErr: false,
		},
		{
			name: "invalid log level rejected",
			yaml: `
logging:
  level: verbose
`,
			wantErr: true,
		},
		{
			name: "invalid bus engine rejected",
			yaml: `
bus:
  engine: kafka
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}

			cfg, err := Load(path)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Coincident.WindowSeconds != 10.0 {
				t.Errorf("expected default window 10.0, got %v", cfg.Coincident.WindowSeconds)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  tag: from-file\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("COINCIDENCE_THRESHOLD", "15.5")
	t.Setenv("OBSERVATION_TOPIC", "env-observation-topic")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Coincident.WindowSeconds != 15.5 {
		t.Errorf("expected env-overridden window 15.5, got %v", cfg.Coincident.WindowSeconds)
	}
	if cfg.Bus.ObservationTopic != "env-observation-topic" {
		t.Errorf("expected env-overridden topic, got %q", cfg.Bus.ObservationTopic)
	}
}

func TestGetExampleConfig(t *testing.T) {
	data, err := GetExampleConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty embedded example config")
	}
}
