package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/user/syncbook/internal/highlight"
)

type Config struct {
	DataDir  string         `mapstructure:"data_dir"`
	StateDSN string         `mapstructure:"state_dsn"`
	Notion   NotionConfig   `mapstructure:"notion"`
	WeRead   WeReadConfig   `mapstructure:"weread"`
	Readwise ReadwiseConfig `mapstructure:"readwise"`
	Dedao    DedaoConfig    `mapstructure:"dedao"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
}

type NotionConfig struct {
	Token      string           `mapstructure:"token"`
	DatabaseID string           `mapstructure:"database_id"`
	BaseURL    string           `mapstructure:"base_url"`
	PageSize   int              `mapstructure:"page_size"`
	Properties NotionProperties `mapstructure:"properties"`
}

type NotionProperties struct {
	Eligible string `mapstructure:"eligible"`
	Title    string `mapstructure:"title"`
	Link     string `mapstructure:"link"`
	Created  string `mapstructure:"created"`
}

type WeReadConfig struct {
	// Cookies is a JSON credential bag used until one is stored in state.
	Cookies   string `mapstructure:"cookies"`
	BaseURL   string `mapstructure:"base_url"`
	ProbeURL  string `mapstructure:"probe_url"`
	UserAgent string `mapstructure:"user_agent"`
	// CookieFile is watched in serve mode; a login tool may drop a fresh bag there.
	CookieFile string `mapstructure:"cookie_file"`
}

type ReadwiseConfig struct {
	Token      string        `mapstructure:"token"`
	BaseURL    string        `mapstructure:"base_url"`
	RetryAfter time.Duration `mapstructure:"retry_after"`
}

type DedaoConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`
}

type SyncConfig struct {
	DefaultWatermark string `mapstructure:"default_watermark"`
}

type ServerConfig struct {
	Addr     string        `mapstructure:"addr"`
	Path     string        `mapstructure:"path"`
	Schedule time.Duration `mapstructure:"schedule"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	defaultDataDir := filepath.Join(homeDir, ".syncbook")

	viper.SetDefault("data_dir", defaultDataDir)
	viper.SetDefault("state_dsn", "")
	viper.SetDefault("notion.page_size", 10)
	viper.SetDefault("notion.properties.eligible", "得到电子书")
	viper.SetDefault("notion.properties.title", "书名")
	viper.SetDefault("notion.properties.link", "Link")
	viper.SetDefault("notion.properties.created", "Created time")
	viper.SetDefault("readwise.retry_after", "60s")
	viper.SetDefault("dedao.enabled", true)
	viper.SetDefault("sync.default_watermark", "2023-01-07")
	viper.SetDefault("server.addr", "127.0.0.1:8787")
	viper.SetDefault("server.path", "/sync")
	viper.SetDefault("server.schedule", "1h")
	viper.SetDefault("log.max_size_mb", 10)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age_days", 28)

	// Environment variable overrides
	viper.SetEnvPrefix("SYNCBOOK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	viper.BindEnv("data_dir", "SYNCBOOK_DATA_DIR")
	viper.BindEnv("state_dsn", "SYNCBOOK_STATE_DSN")
	viper.BindEnv("notion.token", "SYNCBOOK_NOTION_TOKEN", "NOTION_TOKEN")
	viper.BindEnv("notion.database_id", "SYNCBOOK_NOTION_DATABASE_ID", "FLOMO_DB_ID")
	viper.BindEnv("readwise.token", "SYNCBOOK_READWISE_TOKEN", "READWISE_TOKEN")
	viper.BindEnv("weread.cookies", "SYNCBOOK_WEREAD_COOKIES", "WEREAD_COOKIES")

	// Config file
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(viper.GetString("data_dir"))
	viper.AddConfigPath(defaultDataDir)

	// Read config file if exists (ignore error if not found)
	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "syncbook.db")
}

// BootstrapCredentials parses weread.cookies.
func (c *Config) BootstrapCredentials() (highlight.Credentials, error) {
	return highlight.ParseCredentials(c.WeRead.Cookies)
}

// DefaultWatermark parses sync.default_watermark.
func (c *Config) DefaultWatermark() (time.Time, error) {
	return highlight.ParseTime(c.Sync.DefaultWatermark)
}

// LogFile resolves log.file against the data directory.
func (c *Config) LogFile() string {
	if c.Log.File == "" || filepath.IsAbs(c.Log.File) {
		return c.Log.File
	}
	return filepath.Join(c.DataDir, c.Log.File)
}
