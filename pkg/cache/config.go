package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/valandreev/mediasync/log"
	"github.com/valandreev/mediasync/pkg/cache/failsafe"
	"github.com/valandreev/mediasync/pkg/cache/store"
	"github.com/valandreev/mediasync/pkg/cache/uploader"
	"github.com/valandreev/mediasync/pkg/media"
)

const (
	defaultVersion              = 1
	defaultMaxSizeMB            = 512
	defaultTTLHours             = 7 * 24
	defaultSoftThresholdPercent = 80
	defaultMaxRetries           = 3
	defaultTimeoutSec           = 30
	defaultBaseRetryMS          = 1000
	defaultMaxRetryMS           = 5000
	defaultMaxUploadMB          = 50
	defaultCompressionQuality   = 0.8
	defaultMaxWidth             = 1080
	defaultMaxParallel          = 2
	defaultChunkKB              = 64
	defaultDiskMinFreePercent   = 10
	defaultEmergencyPercent     = 50

	homeDirName = ".mediasync"
)

var ErrConfigMissing = errors.New("mediasync config missing")

// Backend kinds accepted in backend.kind.
const (
	BackendS3    = "s3"
	BackendMinio = "minio"
	BackendGCS   = "gcs"
	BackendAzure = "azure"
)

// ValidationError aggregates config validation issues.
type ValidationError struct {
	Issues []string
}

func (v ValidationError) Error() string {
	if len(v.Issues) == 0 {
		return "config validation failed"
	}
	if len(v.Issues) == 1 {
		return v.Issues[0]
	}
	return fmt.Sprintf("config validation failed: %s", v.Issues)
}

// Config describes the cache, the upload pipeline and the remote store.
type Config struct {
	Version  int            `yaml:"version"`
	Cache    CacheConfig    `yaml:"cache"`
	Upload   UploadConfig   `yaml:"upload"`
	Backend  BackendConfig  `yaml:"backend"`
	Journal  JournalConfig  `yaml:"journal"`
	FailSafe FailSafeConfig `yaml:"fail_safe"`
	Log      log.LogConfig  `yaml:"log"`
}

// CacheConfig bounds the content cache.
type CacheConfig struct {
	Dir                  string `yaml:"dir"`
	MaxSizeMB            int    `yaml:"max_size_mb"`
	TTLHours             int    `yaml:"ttl_hours"`
	SoftThresholdPercent int    `yaml:"soft_threshold_percent"`
}

// UploadConfig tunes the upload pipeline.
type UploadConfig struct {
	MaxRetries           int     `yaml:"max_retries"`
	TimeoutSec           int     `yaml:"timeout_sec"`
	BaseRetryMS          int     `yaml:"base_retry_ms"`
	MaxRetryMS           int     `yaml:"max_retry_ms"`
	MaxUploadMB          int     `yaml:"max_upload_mb"`
	CompressionQuality   float64 `yaml:"compression_quality"`
	MaxWidth             int     `yaml:"max_width"`
	MaxConcurrentUploads int     `yaml:"max_concurrent_uploads"`
	ChunkKB              int     `yaml:"chunk_kb"`
	// MaxBytesPerSec caps transfer bandwidth; 0 means unlimited.
	MaxBytesPerSec int `yaml:"max_bytes_per_sec"`
}

// BackendConfig selects and configures the remote object store.
type BackendConfig struct {
	Kind     string `yaml:"kind"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region"`
	// AccessKey and SecretKey are used by s3 and minio. Empty values fall back
	// to the SDK's own credential chain.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	// CredentialsFile is a GCS service account key.
	CredentialsFile string `yaml:"credentials_file"`
	// Account and AccountKey are Azure shared key credentials.
	Account    string `yaml:"account"`
	AccountKey string `yaml:"account_key"`
}

// JournalConfig enables the persistent upload journal.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// FailSafeConfig configures ENOSPC protection.
type FailSafeConfig struct {
	Enable             bool `yaml:"enable"`
	DiskMinFreePercent int  `yaml:"disk_min_free_percent"`
	// EmergencyTargetPercent of the cache maximum is kept during ENOSPC recovery.
	EmergencyTargetPercent int `yaml:"emergency_target_percent"`
}

// DefaultConfigPath returns ~/.mediasync/config.yaml.
func DefaultConfigPath() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, homeDirName, "config.yaml"), nil
}

// LoadConfig reads config from the provided path. When the file does not exist
// it writes a template and returns ErrConfigMissing to prompt the user to edit
// the newly created file.
func LoadConfig(path string) (*Config, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if writeErr := writeTemplate(path); writeErr != nil {
				return nil, writeErr
			}
			return nil, ErrConfigMissing
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse mediasync config: %w", err)
	}

	cfg.applyDefaults()
	if vErr := cfg.validate(); len(vErr.Issues) > 0 {
		return nil, vErr
	}

	return &cfg, nil
}

// EffectiveCacheDir resolves the cache directory. An empty Cache.Dir falls back
// to ~/.mediasync/cache; a leading ~ is expanded.
func (c Config) EffectiveCacheDir(homeDir string) string {
	if c.Cache.Dir != "" {
		if expanded, err := homedir.Expand(c.Cache.Dir); err == nil {
			return expanded
		}
		return c.Cache.Dir
	}
	return filepath.Join(homeDir, homeDirName, "cache")
}

// EffectiveJournalPath expands Journal.Path; empty means no journal.
func (c Config) EffectiveJournalPath() string {
	if c.Journal.Path == "" {
		return ""
	}
	if expanded, err := homedir.Expand(c.Journal.Path); err == nil {
		return expanded
	}
	return c.Journal.Path
}

// StoreConfig translates the cache section for store.New.
func (c Config) StoreConfig(homeDir string) store.Config {
	return store.Config{
		Dir:                  c.EffectiveCacheDir(homeDir),
		MaxSize:              int64(c.Cache.MaxSizeMB) * media.MiB,
		SoftThresholdPercent: c.Cache.SoftThresholdPercent,
		TTL:                  time.Duration(c.Cache.TTLHours) * time.Hour,
	}
}

// PipelineConfig translates the upload section for uploader.New.
func (c Config) PipelineConfig() uploader.Config {
	return uploader.Config{
		MaxConcurrentUploads: c.Upload.MaxConcurrentUploads,
		MaxRetries:           c.Upload.MaxRetries,
		Timeout:              time.Duration(c.Upload.TimeoutSec) * time.Second,
		BaseRetryDelay:       time.Duration(c.Upload.BaseRetryMS) * time.Millisecond,
		MaxRetryDelay:        time.Duration(c.Upload.MaxRetryMS) * time.Millisecond,
		MaxUploadBytes:       int64(c.Upload.MaxUploadMB) * media.MiB,
		CompressionQuality:   c.Upload.CompressionQuality,
		MaxWidth:             c.Upload.MaxWidth,
	}
}

// MonitorConfig translates the fail_safe section for failsafe.NewMonitor.
func (c Config) MonitorConfig(homeDir string) failsafe.Config {
	maxSize := int64(c.Cache.MaxSizeMB) * media.MiB
	return failsafe.Config{
		CacheDir:        c.EffectiveCacheDir(homeDir),
		EmergencyTarget: maxSize * int64(c.FailSafe.EmergencyTargetPercent) / 100,
		MinFreePercent:  c.FailSafe.DiskMinFreePercent,
	}
}

func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = defaultVersion
	}
	if c.Cache.MaxSizeMB == 0 {
		c.Cache.MaxSizeMB = defaultMaxSizeMB
	}
	if c.Cache.TTLHours == 0 {
		c.Cache.TTLHours = defaultTTLHours
	}
	if c.Cache.SoftThresholdPercent == 0 {
		c.Cache.SoftThresholdPercent = defaultSoftThresholdPercent
	}
	if c.Upload.MaxRetries == 0 {
		c.Upload.MaxRetries = defaultMaxRetries
	}
	if c.Upload.TimeoutSec == 0 {
		c.Upload.TimeoutSec = defaultTimeoutSec
	}
	if c.Upload.BaseRetryMS == 0 {
		c.Upload.BaseRetryMS = defaultBaseRetryMS
	}
	if c.Upload.MaxRetryMS == 0 {
		c.Upload.MaxRetryMS = defaultMaxRetryMS
	}
	if c.Upload.MaxUploadMB == 0 {
		c.Upload.MaxUploadMB = defaultMaxUploadMB
	}
	if c.Upload.CompressionQuality == 0 {
		c.Upload.CompressionQuality = defaultCompressionQuality
	}
	if c.Upload.MaxWidth == 0 {
		c.Upload.MaxWidth = defaultMaxWidth
	}
	if c.Upload.MaxConcurrentUploads == 0 {
		c.Upload.MaxConcurrentUploads = defaultMaxParallel
	}
	if c.Upload.ChunkKB == 0 {
		c.Upload.ChunkKB = defaultChunkKB
	}
	if c.Backend.Kind == "" {
		c.Backend.Kind = BackendS3
	}
	c.Backend.Kind = strings.ToLower(c.Backend.Kind)
	if c.FailSafe.DiskMinFreePercent == 0 {
		c.FailSafe.DiskMinFreePercent = defaultDiskMinFreePercent
	}
	if c.FailSafe.EmergencyTargetPercent == 0 {
		c.FailSafe.EmergencyTargetPercent = defaultEmergencyPercent
	}
	if c.Log.Level == "" {
		c.Log.Level = log.DefaultLogConfig.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = log.DefaultLogConfig.Format
	}
}

func (c Config) validate() ValidationError {
	issues := make([]string, 0)

	if c.Version != defaultVersion {
		issues = append(issues, "version must be 1")
	}
	if c.Cache.MaxSizeMB <= 0 {
		issues = append(issues, "cache.max_size_mb must be > 0")
	}
	if c.Cache.TTLHours <= 0 {
		issues = append(issues, "cache.ttl_hours must be > 0")
	}
	if c.Cache.SoftThresholdPercent <= 0 || c.Cache.SoftThresholdPercent > 100 {
		issues = append(issues, "cache.soft_threshold_percent must be in (0,100]")
	}
	if c.Upload.MaxRetries <= 0 {
		issues = append(issues, "upload.max_retries must be > 0")
	}
	if c.Upload.TimeoutSec <= 0 {
		issues = append(issues, "upload.timeout_sec must be > 0")
	}
	if c.Upload.BaseRetryMS <= 0 {
		issues = append(issues, "upload.base_retry_ms must be > 0")
	}
	if c.Upload.MaxRetryMS < c.Upload.BaseRetryMS {
		issues = append(issues, "upload.max_retry_ms must be >= upload.base_retry_ms")
	}
	if c.Upload.MaxUploadMB <= 0 {
		issues = append(issues, "upload.max_upload_mb must be > 0")
	}
	if c.Upload.CompressionQuality <= 0 || c.Upload.CompressionQuality > 1 {
		issues = append(issues, "upload.compression_quality must be in (0,1]")
	}
	if c.Upload.MaxWidth <= 0 {
		issues = append(issues, "upload.max_width must be > 0")
	}
	if c.Upload.MaxConcurrentUploads <= 0 {
		issues = append(issues, "upload.max_concurrent_uploads must be > 0")
	}
	if c.Upload.ChunkKB <= 0 {
		issues = append(issues, "upload.chunk_kb must be > 0")
	}
	if c.Upload.MaxBytesPerSec < 0 {
		issues = append(issues, "upload.max_bytes_per_sec must be >= 0")
	}
	switch c.Backend.Kind {
	case BackendS3, BackendMinio, BackendGCS:
	case BackendAzure:
		if c.Backend.Account == "" {
			issues = append(issues, "backend.account is required for azure")
		}
	default:
		issues = append(issues, fmt.Sprintf("backend.kind %q must be one of s3, minio, gcs, azure", c.Backend.Kind))
	}
	if c.Backend.Kind == BackendMinio && c.Backend.Endpoint == "" {
		issues = append(issues, "backend.endpoint is required for minio")
	}
	if c.FailSafe.DiskMinFreePercent <= 0 || c.FailSafe.DiskMinFreePercent > 100 {
		issues = append(issues, "fail_safe.disk_min_free_percent must be in (0,100]")
	}
	if c.FailSafe.EmergencyTargetPercent <= 0 || c.FailSafe.EmergencyTargetPercent > 100 {
		issues = append(issues, "fail_safe.emergency_target_percent must be in (0,100]")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		issues = append(issues, fmt.Sprintf("log.format %q must be console or json", c.Log.Format))
	}

	return ValidationError{Issues: issues}
}

func writeTemplate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tpl := bytes.NewBufferString("# mediasync configuration\n")
	tpl.WriteString("version: 1\n")
	tpl.WriteString("cache:\n")
	tpl.WriteString("  # dir: ~/.mediasync/cache\n")
	tpl.WriteString("  max_size_mb: 512\n")
	tpl.WriteString("  ttl_hours: 168\n")
	tpl.WriteString("  soft_threshold_percent: 80\n")
	tpl.WriteString("upload:\n")
	tpl.WriteString("  max_retries: 3\n")
	tpl.WriteString("  timeout_sec: 30\n")
	tpl.WriteString("  base_retry_ms: 1000\n")
	tpl.WriteString("  max_retry_ms: 5000\n")
	tpl.WriteString("  max_upload_mb: 50\n")
	tpl.WriteString("  compression_quality: 0.8\n")
	tpl.WriteString("  max_width: 1080\n")
	tpl.WriteString("  max_concurrent_uploads: 2\n")
	tpl.WriteString("  chunk_kb: 64\n")
	tpl.WriteString("  max_bytes_per_sec: 0\n")
	tpl.WriteString("backend:\n")
	tpl.WriteString("  kind: s3\n")
	tpl.WriteString("  bucket: \n")
	tpl.WriteString("  # prefix: media/\n")
	tpl.WriteString("  # endpoint: \n")
	tpl.WriteString("  # region: us-east-1\n")
	tpl.WriteString("journal:\n")
	tpl.WriteString("  # path: ~/.mediasync/uploads.db\n")
	tpl.WriteString("fail_safe:\n")
	tpl.WriteString("  enable: true\n")
	tpl.WriteString("  disk_min_free_percent: 10\n")
	tpl.WriteString("  emergency_target_percent: 50\n")
	tpl.WriteString("log:\n")
	tpl.WriteString("  level: info\n")
	tpl.WriteString("  format: console\n")

	if err := os.WriteFile(path, tpl.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config template: %w", err)
	}
	return nil
}
