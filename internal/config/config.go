// Package config provides the configuration schema and loading for the
// toolwarden decision service.
//
// Configuration comes from a YAML file plus TOOLWARDEN_* environment
// overrides. Defaults are applied in SetDefaults before validation so a
// minimal file (or none at all) yields a runnable localhost setup.
package config

import (
	"time"
)

// Config is the top-level configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// State configures the authoritative policy state store.
	State StateConfig `yaml:"state" mapstructure:"state"`

	// Bundle configures the bundle build pipeline.
	Bundle BundleConfig `yaml:"bundle" mapstructure:"bundle"`

	// Decision configures the layer-1 fast path.
	Decision DecisionConfig `yaml:"decision" mapstructure:"decision"`

	// Audit configures the async decision audit emitter.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// AuditFile configures the file-based audit sink.
	// Only used when Audit.Output is "file://<dir>".
	AuditFile AuditFileConfig `yaml:"audit_file" mapstructure:"audit_file"`

	// Approval configures the approval protocol instance.
	Approval ApprovalConfig `yaml:"approval" mapstructure:"approval"`

	// RemoteProtocols declares protocol instances served by peer
	// gateways, reached over the evaluate() HTTP contract.
	RemoteProtocols []RemoteProtocolConfig `yaml:"remote_protocols" mapstructure:"remote_protocols" validate:"omitempty,dive"`

	// DevMode enables development conveniences (debug logging).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the listen address. Defaults to "127.0.0.1:8420"
	// (localhost only); exposing the service is an explicit decision.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level: debug, info, warn, error.
	// Defaults to "info". DevMode overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// TLSCert and TLSKey enable HTTPS when both are set.
	TLSCert string `yaml:"tls_cert" mapstructure:"tls_cert"`
	TLSKey  string `yaml:"tls_key" mapstructure:"tls_key"`

	// AllowedOrigins is the Origin allowlist for DNS rebinding
	// protection. Empty allows all origins.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`

	// AdminToken protects the approval/history/admin endpoints with a
	// bearer token. Empty leaves them open (dev only).
	AdminToken string `yaml:"admin_token" mapstructure:"admin_token"`
}

// StateConfig configures the authoritative policy state store.
type StateConfig struct {
	// Path is the state file location. Defaults to "./toolwarden-state.json".
	Path string `yaml:"path" mapstructure:"path"`

	// Seed is an optional YAML fixture loaded into the store when the
	// state file does not exist yet.
	Seed string `yaml:"seed" mapstructure:"seed"`
}

// BundleConfig configures the bundle build pipeline.
type BundleConfig struct {
	// Debounce is the event coalescing window (e.g. "500ms").
	Debounce string `yaml:"debounce" mapstructure:"debounce" validate:"omitempty,duration"`

	// ReconcileInterval is the unconditional rebuild interval bounding
	// staleness when change notifications are lost (e.g. "5m").
	ReconcileInterval string `yaml:"reconcile_interval" mapstructure:"reconcile_interval" validate:"omitempty,duration"`
}

// DecisionConfig configures the decision fast path.
type DecisionConfig struct {
	// CacheSize is the layer-1 decision cache capacity. Defaults to 1000.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"omitempty,min=1"`

	// EvaluateTimeout bounds one evaluate() round trip to a protocol
	// instance (e.g. "10s").
	EvaluateTimeout string `yaml:"evaluate_timeout" mapstructure:"evaluate_timeout" validate:"omitempty,duration"`
}

// AuditConfig configures the async decision audit emitter.
type AuditConfig struct {
	// Output is "stdout" or "file://<absolute-dir>".
	Output string `yaml:"output" mapstructure:"output" validate:"required,audit_output"`

	// ChannelSize is the audit channel buffer. Defaults to 1000.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize is the number of records batched per write. Defaults to 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval is how often pending records flush (e.g. "1s").
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty,duration"`

	// SendTimeout bounds the backpressure wait when the channel is
	// full; "0s" drops immediately.
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty,duration"`

	// WarningThreshold is the channel depth percentage (0-100) that
	// triggers rate-limited saturation warnings. 0 disables.
	WarningThreshold int `yaml:"warning_threshold" mapstructure:"warning_threshold" validate:"omitempty,min=0,max=100"`
}

// AuditFileConfig configures the file-based audit sink.
type AuditFileConfig struct {
	// RetentionDays is how many days of decision files to keep.
	// Defaults to 7.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`

	// MaxFileSizeMB is the per-file size cap before rotation.
	// Defaults to 100.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`

	// CacheSize is the recent-decision ring buffer capacity.
	// Defaults to 1000.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"omitempty,min=1"`
}

// ApprovalConfig configures the approval protocol instance.
type ApprovalConfig struct {
	// Store selects the record store: "memory" or "sqlite".
	// Defaults to "memory".
	Store string `yaml:"store" mapstructure:"store" validate:"omitempty,oneof=memory sqlite"`

	// SQLitePath is the database file for the sqlite store.
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`

	// Timeout is the pending-approval deadline (e.g. "5m").
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`

	// SweepInterval is how often expired pendings auto-deny (e.g. "30s").
	SweepInterval string `yaml:"sweep_interval" mapstructure:"sweep_interval" validate:"omitempty,duration"`
}

// RemoteProtocolConfig declares one protocol instance served by a peer
// gateway over the evaluate() HTTP contract.
type RemoteProtocolConfig struct {
	// Instance is the route-table instance id this endpoint serves.
	Instance string `yaml:"instance" mapstructure:"instance" validate:"required"`

	// Endpoint is the evaluate() URL.
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint" validate:"required,url"`

	// Token is an optional bearer token for the endpoint.
	Token string `yaml:"token" mapstructure:"token"`

	// Timeout bounds one evaluate() call (e.g. "10s").
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8420"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.DevMode {
		c.Server.LogLevel = "debug"
	}

	if c.State.Path == "" {
		c.State.Path = "./toolwarden-state.json"
	}

	if c.Bundle.Debounce == "" {
		c.Bundle.Debounce = "500ms"
	}
	if c.Bundle.ReconcileInterval == "" {
		c.Bundle.ReconcileInterval = "5m"
	}

	if c.Decision.CacheSize == 0 {
		c.Decision.CacheSize = 1000
	}
	if c.Decision.EvaluateTimeout == "" {
		c.Decision.EvaluateTimeout = "10s"
	}

	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "1s"
	}
	if c.Audit.SendTimeout == "" {
		c.Audit.SendTimeout = "100ms"
	}
	if c.Audit.WarningThreshold == 0 {
		c.Audit.WarningThreshold = 80
	}

	if c.AuditFile.RetentionDays == 0 {
		c.AuditFile.RetentionDays = 7
	}
	if c.AuditFile.MaxFileSizeMB == 0 {
		c.AuditFile.MaxFileSizeMB = 100
	}
	if c.AuditFile.CacheSize == 0 {
		c.AuditFile.CacheSize = 1000
	}

	if c.Approval.Store == "" {
		c.Approval.Store = "memory"
	}
	if c.Approval.Timeout == "" {
		c.Approval.Timeout = "5m"
	}
	if c.Approval.SweepInterval == "" {
		c.Approval.SweepInterval = "30s"
	}

	for i := range c.RemoteProtocols {
		if c.RemoteProtocols[i].Timeout == "" {
			c.RemoteProtocols[i].Timeout = "10s"
		}
	}
}

// Duration parses a validated duration string. Fields tagged with the
// duration validator are guaranteed to parse after Validate.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
