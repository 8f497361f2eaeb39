package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestConfig_SetDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.SetDefaults()

	if cfg.Server.HTTPAddr != "127.0.0.1:8420" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:8420")
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Audit.Output != "stdout" {
		t.Errorf("Audit.Output = %q, want stdout", cfg.Audit.Output)
	}
	if cfg.Audit.ChannelSize != 1000 {
		t.Errorf("ChannelSize = %d, want 1000", cfg.Audit.ChannelSize)
	}
	if cfg.Bundle.Debounce != "500ms" {
		t.Errorf("Debounce = %q, want 500ms", cfg.Bundle.Debounce)
	}
	if cfg.Bundle.ReconcileInterval != "5m" {
		t.Errorf("ReconcileInterval = %q, want 5m", cfg.Bundle.ReconcileInterval)
	}
	if cfg.Decision.CacheSize != 1000 {
		t.Errorf("CacheSize = %d, want 1000", cfg.Decision.CacheSize)
	}
	if cfg.Approval.Store != "memory" {
		t.Errorf("Approval.Store = %q, want memory", cfg.Approval.Store)
	}
	if cfg.Approval.Timeout != "5m" {
		t.Errorf("Approval.Timeout = %q, want 5m", cfg.Approval.Timeout)
	}
	if cfg.AuditFile.RetentionDays != 7 {
		t.Errorf("RetentionDays = %d, want 7", cfg.AuditFile.RetentionDays)
	}
}

func TestConfig_SetDefaults_PreservesExistingValues(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Server:   ServerConfig{HTTPAddr: ":9090", LogLevel: "warn"},
		Bundle:   BundleConfig{Debounce: "2s"},
		Decision: DecisionConfig{CacheSize: 50},
		Audit:    AuditConfig{Output: "file:///var/log/toolwarden"},
	}
	cfg.SetDefaults()

	if cfg.Server.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q, want :9090", cfg.Server.HTTPAddr)
	}
	if cfg.Server.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.Server.LogLevel)
	}
	if cfg.Bundle.Debounce != "2s" {
		t.Errorf("Debounce = %q, want 2s", cfg.Bundle.Debounce)
	}
	if cfg.Decision.CacheSize != 50 {
		t.Errorf("CacheSize = %d, want 50", cfg.Decision.CacheSize)
	}
	if cfg.Audit.Output != "file:///var/log/toolwarden" {
		t.Errorf("Audit.Output = %q, want preserved", cfg.Audit.Output)
	}
}

func TestConfig_SetDefaults_DevModeForcesDebug(t *testing.T) {
	t.Parallel()

	cfg := Config{DevMode: true, Server: ServerConfig{LogLevel: "info"}}
	cfg.SetDefaults()

	if cfg.Server.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug in dev mode", cfg.Server.LogLevel)
	}
}

func TestConfig_SetDefaults_RemoteProtocolTimeout(t *testing.T) {
	t.Parallel()

	cfg := Config{
		RemoteProtocols: []RemoteProtocolConfig{
			{Instance: "a", Endpoint: "https://peer.example.com/evaluate"},
			{Instance: "b", Endpoint: "https://peer.example.com/evaluate", Timeout: "3s"},
		},
	}
	cfg.SetDefaults()

	if cfg.RemoteProtocols[0].Timeout != "10s" {
		t.Errorf("default Timeout = %q, want 10s", cfg.RemoteProtocols[0].Timeout)
	}
	if cfg.RemoteProtocols[1].Timeout != "3s" {
		t.Errorf("explicit Timeout = %q, want 3s preserved", cfg.RemoteProtocols[1].Timeout)
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()

	if got := Duration("500ms"); got != 500*time.Millisecond {
		t.Errorf("Duration(500ms) = %v", got)
	}
	if got := Duration("bogus"); got != 0 {
		t.Errorf("Duration(bogus) = %v, want 0", got)
	}
}

func TestFindConfigFileInPaths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	// Nothing present.
	if got := findConfigFileInPaths([]string{dir}); got != "" {
		t.Errorf("findConfigFileInPaths() = %q, want empty", got)
	}

	// .yml is found.
	path := filepath.Join(dir, "toolwarden.yml")
	writeFile(t, path, "dev_mode: true\n")
	if got := findConfigFileInPaths([]string{dir}); got != path {
		t.Errorf("findConfigFileInPaths() = %q, want %q", got, path)
	}

	// .yaml takes precedence over .yml.
	yamlPath := filepath.Join(dir, "toolwarden.yaml")
	writeFile(t, yamlPath, "dev_mode: true\n")
	if got := findConfigFileInPaths([]string{dir}); got != yamlPath {
		t.Errorf("findConfigFileInPaths() = %q, want %q", got, yamlPath)
	}
}
