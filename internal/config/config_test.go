package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gel.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	yaml := `
listen:
  binary_port: 5656
  http_port: 8080

defaults:
  min_connections: 2
  max_connections: 20
  idle_timeout: 5m
  acquire_timeout: 10s

branches:
  main:
    host: localhost
    port: 5432
    dbname: testdb
    username: testuser
    password: testpass
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.BinaryPort != 5656 {
		t.Errorf("expected binary port 5656, got %d", cfg.Listen.BinaryPort)
	}
	if cfg.Defaults.MaxConnections != 20 {
		t.Errorf("expected max connections 20, got %d", cfg.Defaults.MaxConnections)
	}
	if cfg.Defaults.IdleTimeout != 5*time.Minute {
		t.Errorf("expected idle timeout 5m, got %v", cfg.Defaults.IdleTimeout)
	}

	b, ok := cfg.Branches["main"]
	if !ok {
		t.Fatal("branch 'main' not found")
	}
	if b.Host != "localhost" {
		t.Errorf("expected host localhost, got %s", b.Host)
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	os.Setenv("TEST_DB_PASSWORD", "secret123")
	defer os.Unsetenv("TEST_DB_PASSWORD")

	yaml := `
branches:
  main:
    host: localhost
    port: 5432
    dbname: testdb
    username: user
    password: ${TEST_DB_PASSWORD}
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Branches["main"].Password != "secret123" {
		t.Errorf("expected password secret123, got %s", cfg.Branches["main"].Password)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing host",
			yaml: `
branches:
  b1:
    port: 5432
    dbname: db
    username: user
`,
		},
		{
			name: "missing port",
			yaml: `
branches:
  b1:
    host: localhost
    dbname: db
    username: user
`,
		},
		{
			name: "missing dbname",
			yaml: `
branches:
  b1:
    host: localhost
    port: 5432
    username: user
`,
		},
		{
			name: "min gt max at branch level",
			yaml: `
branches:
  b1:
    host: localhost
    port: 5432
    dbname: db
    username: user
    min_connections: 20
    max_connections: 5
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTemp(t, tt.yaml)
			_, err := Load(path)
			if err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	path := writeTemp(t, `branches: {}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.BinaryPort != 5656 {
		t.Errorf("expected default binary port 5656, got %d", cfg.Listen.BinaryPort)
	}
	if cfg.Listen.HTTPPort != 8080 {
		t.Errorf("expected default http port 8080, got %d", cfg.Listen.HTTPPort)
	}
	if cfg.Defaults.MinConnections != 2 {
		t.Errorf("expected default min connections 2, got %d", cfg.Defaults.MinConnections)
	}
	if cfg.Defaults.HoldFloor != time.Second {
		t.Errorf("expected default hold floor 1s, got %v", cfg.Defaults.HoldFloor)
	}
}

func TestBranchConfigEffectiveValues(t *testing.T) {
	defaults := PoolDefaults{
		MinConnections: 2,
		MaxConnections: 20,
		IdleTimeout:    5 * time.Minute,
		DialTimeout:    5 * time.Second,
	}

	maxConn := 50
	b := BranchConfig{MaxConnections: &maxConn}

	if b.EffectiveMinConnections(defaults) != 2 {
		t.Error("expected default min connections")
	}
	if b.EffectiveMaxConnections(defaults) != 50 {
		t.Error("expected overridden max connections of 50")
	}
	if b.EffectiveDialTimeout(defaults) != 5*time.Second {
		t.Error("expected default dial timeout")
	}

	dt := 3 * time.Second
	b.DialTimeout = &dt
	if b.EffectiveDialTimeout(defaults) != 3*time.Second {
		t.Error("expected overridden dial timeout of 3s")
	}
}

func TestRedacted(t *testing.T) {
	b := BranchConfig{Password: "secret"}
	if r := b.Redacted(); r.Password == "secret" {
		t.Error("expected password to be redacted")
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("GEL_BRANCH", "testbranch")
	os.Setenv("GEL_HOST", "db.example.com")
	defer os.Unsetenv("GEL_BRANCH")
	defer os.Unsetenv("GEL_HOST")

	cfg := LoadFromEnv()
	b, ok := cfg.Branches["testbranch"]
	if !ok {
		t.Fatal("expected branch from GEL_BRANCH")
	}
	if b.Host != "db.example.com" {
		t.Errorf("expected host db.example.com, got %s", b.Host)
	}
}
