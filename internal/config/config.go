package config

import (
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

type Settings struct {
	DataPath        string `envconfig:"DATA_PATH" default:"./data"`
	LogLevel        string `envconfig:"LOG_LEVEL" default:""`
	LogPath         string `envconfig:"LOG_PATH" default:""`
	ConnectionsFile string `envconfig:"CONNECTIONS_FILE" default:"ssh_config.json"`
	SSHConfigPath   string `envconfig:"SSH_CONFIG" default:"~/.ssh/config"`
	KnownHosts      string `envconfig:"KNOWN_HOSTS" default:""`
	SecretKey       string `envconfig:"SECRET_KEY" default:""`
	AllowedTargets  string `envconfig:"ALLOWED_TARGETS" default:""` // comma-separated IPs/CIDRs

	// SSH timing
	ConnectTimeout     time.Duration `envconfig:"CONNECT_TIMEOUT" default:"30s"`
	CommandTimeout     time.Duration `envconfig:"COMMAND_TIMEOUT" default:"0s"`
	HealthInterval     time.Duration `envconfig:"HEALTH_INTERVAL" default:"30s"`
	KeepaliveInterval  time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"120s"`
	TransportKeepalive time.Duration `envconfig:"TRANSPORT_KEEPALIVE" default:"60s"`
	ProbeTimeout       time.Duration `envconfig:"PROBE_TIMEOUT" default:"5s"`
	PollInterval       time.Duration `envconfig:"POLL_INTERVAL" default:"50ms"`

	OutputBufferSize int `envconfig:"OUTPUT_BUFFER_SIZE" default:"102400"`
	MaxConnections   int `envconfig:"MAX_CONNECTIONS" default:"-1"`

	// Housekeeping
	CleanupSchedule string        `envconfig:"CLEANUP_SCHEDULE" default:"@every 10m"`
	CleanupMaxAge   time.Duration `envconfig:"CLEANUP_MAX_AGE" default:"1h"`

	// Audit trail
	AuditEnabled       bool   `envconfig:"AUDIT_ENABLED" default:"true"`
	AuditDBPath        string `envconfig:"AUDIT_DB" default:""`
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`

	HTTPAddr string `envconfig:"HTTP_ADDR" default:""`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SSHBROKER", &Cfg); err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}
}

// AuditDB returns the audit database path, defaulting to a file under DataPath.
func (s Settings) AuditDB() string {
	if s.AuditDBPath != "" {
		return s.AuditDBPath
	}
	return filepath.Join(s.DataPath, "audit.db")
}

// ApplyFile fills settings the environment left unset from the connection
// file's top-level options. Environment values always win.
func (s *Settings) ApplyFile(f *File) {
	if f == nil {
		return
	}
	if s.LogLevel == "" {
		s.LogLevel = f.LogLevel
	}
	if s.CommandTimeout <= 0 && f.DefaultTimeout > 0 {
		s.CommandTimeout = time.Duration(f.DefaultTimeout) * time.Second
	}
	if s.MaxConnections < 0 {
		s.MaxConnections = f.MaxConnections
	}
}

// EffectiveCommandTimeout returns the timeout applied to ssh_execute calls
// that do not pass their own.
func (s Settings) EffectiveCommandTimeout() time.Duration {
	if s.CommandTimeout > 0 {
		return s.CommandTimeout
	}
	return 30 * time.Second
}
