package conf

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"

	"kestrel/internal/blobstorage"
)

type Config struct {
	Domain        string             `yaml:"domain"`
	ListenAddr    string             `yaml:"listen_addr"`
	DataDir       string             `yaml:"data_dir"`
	SessionSecret string             `yaml:"session_secret"`
	BlobStorage   blobstorage.Config `yaml:"blob_storage"`

	// Per-user storage quota in bytes. 0 disables quota enforcement.
	QuotaLimitBytes int64 `yaml:"quota_limit_bytes"`

	// Retention applied to newly created mailboxes, in milliseconds.
	// 0 disables retention.
	DefaultRetentionMS int64 `yaml:"default_retention_ms"`

	// Statement timeouts. Metadata covers single-row reads and writes on
	// users and mailboxes; Scan covers message-collection scans.
	MetadataTimeoutMS int64 `yaml:"metadata_timeout_ms"`
	ScanTimeoutMS     int64 `yaml:"scan_timeout_ms"`

	// Advisory lock acquisition wait bound and lease TTL.
	LockWaitMS int64 `yaml:"lock_wait_ms"`
	LockTTLMS  int64 `yaml:"lock_ttl_ms"`

	// How often a long-running operation emits a keep-alive line to the
	// client so its socket timeout does not fire.
	NotifyIntervalMS int64 `yaml:"notify_interval_ms"`

	// Interval between storage usage reconciliation passes.
	ReconcileIntervalMS int64 `yaml:"reconcile_interval_ms"`
}

func LoadConfig() (*Config, error) {
	var cfg Config

	// Try multiple possible paths
	configPaths := []string{
		"/etc/kestrel/kestrel.yaml",
		"./config/kestrel.yaml",
		"./kestrel.yaml",
		"config/kestrel.yaml",
	}

	var data []byte
	var err error
	for _, path := range configPaths {
		data, err = os.ReadFile(filepath.Clean(path))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills in zero-valued tuning knobs. Quota and retention stay
// zero (disabled) unless configured.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":1143"
	}
	if c.MetadataTimeoutMS == 0 {
		c.MetadataTimeoutMS = 2000
	}
	if c.ScanTimeoutMS == 0 {
		c.ScanTimeoutMS = 60000
	}
	if c.LockWaitMS == 0 {
		c.LockWaitMS = 5000
	}
	if c.LockTTLMS == 0 {
		c.LockTTLMS = 120000
	}
	if c.NotifyIntervalMS == 0 {
		c.NotifyIntervalMS = 30000
	}
	if c.ReconcileIntervalMS == 0 {
		c.ReconcileIntervalMS = 3600000
	}
}

func (c *Config) MetadataTimeout() time.Duration {
	return time.Duration(c.MetadataTimeoutMS) * time.Millisecond
}

func (c *Config) ScanTimeout() time.Duration {
	return time.Duration(c.ScanTimeoutMS) * time.Millisecond
}

func (c *Config) LockWait() time.Duration {
	return time.Duration(c.LockWaitMS) * time.Millisecond
}

func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLMS) * time.Millisecond
}

func (c *Config) NotifyInterval() time.Duration {
	return time.Duration(c.NotifyIntervalMS) * time.Millisecond
}

func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalMS) * time.Millisecond
}
