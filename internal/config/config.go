package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EngineLocal = "local"
	EngineS3    = "s3"

	ClientMinio = "minio"
	ClientAWS   = "aws"
)

// DefaultSpoolMaxSize is the in-memory threshold before a dump spills to disk.
const DefaultSpoolMaxSize = 10 << 20

type Config struct {
	AppDir        string        `mapstructure:"app_dir"`
	TmpDir        string        `mapstructure:"tmp_dir"`
	SpoolMaxSize  int64         `mapstructure:"spool_max_size"`
	Timezone      string        `mapstructure:"timezone"`
	Compression   string        `mapstructure:"compression"`
	Storage       StorageConfig `mapstructure:"storage"`
	Retention     Retention     `mapstructure:"retention"`
	GPG           GPGConfig     `mapstructure:"gpg"`
	Log           LogConfig     `mapstructure:"log"`
	Metrics       MetricsConfig `mapstructure:"metrics"`
	Notifications Notifications `mapstructure:"notifications"`
}

type StorageConfig struct {
	Engine string      `mapstructure:"engine"`
	Audit  bool        `mapstructure:"audit"`
	Local  LocalConfig `mapstructure:"local"`
	S3     S3Config    `mapstructure:"s3"`
}

type LocalConfig struct {
	Folder string `mapstructure:"folder"`
}

type S3Config struct {
	Client    string `mapstructure:"client"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type Retention struct {
	KeepMostRecent int  `mapstructure:"keep_most_recent"`
	AfterUpload    bool `mapstructure:"after_upload"`
}

type GPGConfig struct {
	Recipient     string `mapstructure:"recipient"`
	AlwaysTrust   bool   `mapstructure:"always_trust"`
	PublicKeyring string `mapstructure:"public_keyring"`
	SecretKeyring string `mapstructure:"secret_keyring"`
	Passphrase    string `mapstructure:"passphrase"`
}

type LogConfig struct {
	JSON    bool   `mapstructure:"json"`
	NoColor bool   `mapstructure:"no_color"`
	Level   string `mapstructure:"level"`
	File    string `mapstructure:"file"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

type Notifications struct {
	Slack    SlackConfig     `mapstructure:"slack"`
	Webhooks []WebhookConfig `mapstructure:"webhooks"`
}

type SlackConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
	Template   string `mapstructure:"template"`
}

type WebhookConfig struct {
	URL      string            `mapstructure:"url"`
	Method   string            `mapstructure:"method"`
	Template string            `mapstructure:"template"`
	Headers  map[string]string `mapstructure:"headers"`
}

// legacyEnv maps settings to the environment names older deployments used.
var legacyEnv = map[string]string{
	"timezone":                   "TIMEZONE",
	"retention.keep_most_recent": "KEEP_MOST_RECENT",
	"storage.engine":             "STORAGE_ENGINE",
	"storage.local.folder":       "LOCAL_BACKUP_FOLDER",
	"storage.s3.bucket":          "AWS_BUCKET_NAME",
	"storage.s3.prefix":          "AWS_BUCKET_PATH",
	"gpg.recipient":              "PGB_GPG_RECIPIENT",
	"gpg.always_trust":           "PGB_GPG_ALWAYS_TRUST",
}

// Load reads the config file (explicit path, or config.yaml in the working
// directory or ~/.pgbackup), overlays PGBACKUP_* and legacy environment
// variables, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	home, _ := os.UserHomeDir()
	defaultAppDir := filepath.Join(home, ".pgbackup")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home != "" {
			v.AddConfigPath(defaultAppDir)
		}
	}

	v.SetEnvPrefix("PGBACKUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, defaultAppDir)

	for key, legacy := range legacyEnv {
		prefixed := "PGBACKUP_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, appDir string) {
	v.SetDefault("app_dir", appDir)
	v.SetDefault("tmp_dir", os.TempDir())
	v.SetDefault("spool_max_size", DefaultSpoolMaxSize)
	v.SetDefault("timezone", "UTC")
	v.SetDefault("compression", "gzip")
	v.SetDefault("storage.engine", EngineLocal)
	v.SetDefault("storage.audit", true)
	v.SetDefault("storage.local.folder", "")
	v.SetDefault("storage.s3.client", ClientMinio)
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.prefix", "")
	v.SetDefault("storage.s3.endpoint", "s3.amazonaws.com")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.access_key", "")
	v.SetDefault("storage.s3.secret_key", "")
	v.SetDefault("storage.s3.use_ssl", true)
	v.SetDefault("retention.keep_most_recent", 5)
	v.SetDefault("retention.after_upload", true)
	v.SetDefault("gpg.recipient", "")
	v.SetDefault("gpg.always_trust", false)
	v.SetDefault("gpg.public_keyring", "")
	v.SetDefault("gpg.secret_keyring", "")
	v.SetDefault("gpg.passphrase", "")
	v.SetDefault("log.json", false)
	v.SetDefault("log.no_color", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("metrics.listen", "")
	v.SetDefault("notifications.slack.webhook_url", "")
	v.SetDefault("notifications.slack.template", "")
}

func (c *Config) applyDerived() {
	c.Storage.Engine = strings.ToLower(strings.TrimSpace(c.Storage.Engine))
	c.Storage.S3.Client = strings.ToLower(strings.TrimSpace(c.Storage.S3.Client))
	c.Compression = strings.ToLower(strings.TrimSpace(c.Compression))
	if c.Storage.Local.Folder == "" {
		c.Storage.Local.Folder = filepath.Join(c.AppDir, "backups")
	}
	if c.SpoolMaxSize <= 0 {
		c.SpoolMaxSize = DefaultSpoolMaxSize
	}
	home, _ := os.UserHomeDir()
	if home != "" {
		c.GPG.PublicKeyring = expandHome(c.GPG.PublicKeyring, home)
		c.GPG.SecretKeyring = expandHome(c.GPG.SecretKeyring, home)
	}
}

func expandHome(p, home string) string {
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}

// Validate rejects settings no component can work with.
func (c *Config) Validate() error {
	if c.Retention.KeepMostRecent < 1 {
		return fmt.Errorf("retention.keep_most_recent must be at least 1, got %d", c.Retention.KeepMostRecent)
	}
	switch c.Storage.Engine {
	case EngineLocal:
	case EngineS3:
		if c.Storage.S3.Bucket == "" {
			return errors.New("storage.s3.bucket is required when storage.engine is s3")
		}
		if c.Storage.S3.Client != ClientMinio && c.Storage.S3.Client != ClientAWS {
			return fmt.Errorf("unknown storage.s3.client %q", c.Storage.S3.Client)
		}
	default:
		return fmt.Errorf("unknown storage.engine %q", c.Storage.Engine)
	}
	switch c.Compression {
	case "gzip", "zstd", "lz4":
	default:
		return fmt.Errorf("unknown compression %q", c.Compression)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location returns the configured scheduler timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ContextFile is where the server and job registry is persisted.
func (c *Config) ContextFile() string {
	return filepath.Join(c.AppDir, "context.json")
}

// AuditFile is the storage audit log.
func (c *Config) AuditFile() string {
	return filepath.Join(c.AppDir, "audit.jsonl")
}
