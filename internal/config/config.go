package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Bitrix   BitrixConfig   `mapstructure:"bitrix"`
	Database DatabaseConfig `mapstructure:"database"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Fields   FieldsConfig   `mapstructure:"fields"`
	Admin    AdminConfig    `mapstructure:"admin"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type BitrixConfig struct {
	WebhookBaseURL        string `mapstructure:"webhook_base_url"`
	TimeoutSeconds        int    `mapstructure:"timeout_seconds"`
	ConnectTimeoutSeconds int    `mapstructure:"connect_timeout_seconds"`
	RetryCount            int    `mapstructure:"retry_count"`
}

type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"max_conns"`
}

// ProfileConfig is one throughput profile of the sync driver.
type ProfileConfig struct {
	PageSize        int `mapstructure:"page_size"`
	Parallelism     int `mapstructure:"parallelism"`
	DelayMs         int `mapstructure:"delay_ms"`
	BulkSize        int `mapstructure:"bulk_size"`
	CheckpointEvery int `mapstructure:"checkpoint_every"`
}

type SyncConfig struct {
	// Transport is "batch" (bulk API calls) or "direct" (parallel per-deal calls).
	Transport           string        `mapstructure:"transport"`
	ProgressFile        string        `mapstructure:"progress_file"`
	StaleLockMinutes    int           `mapstructure:"stale_lock_minutes"`
	StateKey            string        `mapstructure:"state_key"`
	DeltaOverlapMinutes int           `mapstructure:"delta_overlap_minutes"`
	DeltaSchedule       string        `mapstructure:"delta_schedule"`
	DeltaTimeoutMinutes int           `mapstructure:"delta_timeout_minutes"`
	Normal              ProfileConfig `mapstructure:"normal"`
	Fast                ProfileConfig `mapstructure:"fast"`
}

type CacheConfig struct {
	// Backend is "file" or "badger".
	Backend    string `mapstructure:"backend"`
	Dir        string `mapstructure:"dir"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

type PushBackFields struct {
	TurnoverA          string `mapstructure:"turnover_a"`
	TurnoverB          string `mapstructure:"turnover_b"`
	BonusA             string `mapstructure:"bonus_a"`
	BonusB             string `mapstructure:"bonus_b"`
	Quantity           string `mapstructure:"quantity"`
	ClientBonus        string `mapstructure:"client_bonus"`
	ContactResponsible string `mapstructure:"contact_responsible"`
}

type FieldsConfig struct {
	Channel             string         `mapstructure:"channel"`
	BonusCodeProperties []string       `mapstructure:"bonus_code_properties"`
	PushBack            PushBackFields `mapstructure:"push_back"`
}

type AdminConfig struct {
	Addr               string   `mapstructure:"addr"`
	AllowedUserIDs     []string `mapstructure:"allowed_user_ids"`
	RateLimitPerMinute int      `mapstructure:"rate_limit_per_minute"`
}

func (b *BitrixConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

func (b *BitrixConfig) ConnectTimeout() time.Duration {
	return time.Duration(b.ConnectTimeoutSeconds) * time.Second
}

func (p *ProfileConfig) Delay() time.Duration {
	return time.Duration(p.DelayMs) * time.Millisecond
}

func (s *SyncConfig) StaleLockAfter() time.Duration {
	return time.Duration(s.StaleLockMinutes) * time.Minute
}

func (s *SyncConfig) DeltaOverlap() time.Duration {
	return time.Duration(s.DeltaOverlapMinutes) * time.Minute
}

func (s *SyncConfig) DeltaTimeout() time.Duration {
	return time.Duration(s.DeltaTimeoutMinutes) * time.Minute
}

// Profile returns the fast or normal throughput profile.
func (s *SyncConfig) Profile(fast bool) ProfileConfig {
	if fast {
		return s.Fast
	}
	return s.Normal
}

func (c *CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// Load reads .env, an optional config.json and the environment. Nested keys map
// to env names with "." replaced by "_", so bitrix.webhook_base_url is
// BITRIX_WEBHOOK_BASE_URL and database.url is DATABASE_URL.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	c.Bitrix.WebhookBaseURL = strings.TrimSpace(c.Bitrix.WebhookBaseURL)
	if c.Bitrix.WebhookBaseURL == "" {
		return fmt.Errorf("BITRIX_WEBHOOK_BASE_URL is empty")
	}
	if !strings.HasSuffix(c.Bitrix.WebhookBaseURL, "/") {
		c.Bitrix.WebhookBaseURL += "/"
	}

	c.Database.URL = strings.TrimSpace(c.Database.URL)
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is empty")
	}

	switch c.Sync.Transport {
	case "batch", "direct":
	default:
		return fmt.Errorf("sync.transport must be batch or direct, got %q", c.Sync.Transport)
	}
	switch c.Cache.Backend {
	case "file", "badger":
	default:
		return fmt.Errorf("cache.backend must be file or badger, got %q", c.Cache.Backend)
	}
	return nil
}

// ValidateForServe checks settings that only matter for the long-running
// server. A badger cache holds an exclusive directory lock for the life of the
// process, so a server using it would lock every sync command out of the cache.
func (c *Config) ValidateForServe() error {
	if c.Cache.Backend == "badger" {
		return fmt.Errorf("cache.backend badger cannot be shared between serve and sync commands, use file")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "bonus-sync")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("bitrix.webhook_base_url", "")
	v.SetDefault("bitrix.timeout_seconds", 25)
	v.SetDefault("bitrix.connect_timeout_seconds", 5)
	v.SetDefault("bitrix.retry_count", 3)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 5)

	v.SetDefault("sync.transport", "batch")
	v.SetDefault("sync.progress_file", "data/sync_progress.json")
	v.SetDefault("sync.stale_lock_minutes", 30)
	v.SetDefault("sync.state_key", "deals_sync")
	v.SetDefault("sync.delta_overlap_minutes", 10)
	v.SetDefault("sync.delta_schedule", "0 */10 * * * *")
	v.SetDefault("sync.delta_timeout_minutes", 30)

	v.SetDefault("sync.normal.page_size", 50)
	v.SetDefault("sync.normal.parallelism", 10)
	v.SetDefault("sync.normal.delay_ms", 500)
	v.SetDefault("sync.normal.bulk_size", 100)
	v.SetDefault("sync.normal.checkpoint_every", 1)

	v.SetDefault("sync.fast.page_size", 50)
	v.SetDefault("sync.fast.parallelism", 20)
	v.SetDefault("sync.fast.delay_ms", 100)
	v.SetDefault("sync.fast.bulk_size", 100)
	v.SetDefault("sync.fast.checkpoint_every", 5)

	v.SetDefault("cache.backend", "file")
	v.SetDefault("cache.dir", "data/cache")
	v.SetDefault("cache.ttl_seconds", 3600)

	v.SetDefault("fields.channel", "UF_CRM_1698142542036")
	v.SetDefault("fields.bonus_code_properties", []string{"property221", "PROPERTY_221"})
	v.SetDefault("fields.push_back.turnover_a", "UF_CRM_TURNOVER_A")
	v.SetDefault("fields.push_back.turnover_b", "UF_CRM_TURNOVER_B")
	v.SetDefault("fields.push_back.bonus_a", "UF_CRM_BONUS_A")
	v.SetDefault("fields.push_back.bonus_b", "UF_CRM_BONUS_B")
	v.SetDefault("fields.push_back.quantity", "")
	v.SetDefault("fields.push_back.client_bonus", "UF_CRM_CLIENT_BONUS")
	v.SetDefault("fields.push_back.contact_responsible", "UF_CRM_CONTACT_RESPONSIBLE")

	v.SetDefault("admin.addr", ":8080")
	v.SetDefault("admin.allowed_user_ids", []string{})
	v.SetDefault("admin.rate_limit_per_minute", 120)
}
