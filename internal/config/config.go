// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // market timezones on hosts without zoneinfo

	"gopkg.in/yaml.v3"

	"github.com/tathienbao/execrl/internal/experience"
	"github.com/tathienbao/execrl/internal/recommend"
	"github.com/tathienbao/execrl/internal/scheduler"
	"github.com/tathienbao/execrl/internal/state"
	"github.com/tathienbao/execrl/internal/trainer"
	"github.com/tathienbao/execrl/internal/types"
)

// Config represents the full application configuration.
type Config struct {
	Market      MarketConfig      `yaml:"market"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Trainer     TrainerConfig     `yaml:"trainer"`
	Reward      RewardConfig      `yaml:"reward"`
	Recommend   RecommendConfig   `yaml:"recommend"`
	Health      HealthConfig      `yaml:"health"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// MarketConfig holds market-related settings.
type MarketConfig struct {
	Timezone string `yaml:"timezone"`
}

// PersistenceConfig holds persistence settings.
type PersistenceConfig struct {
	Type string `yaml:"type"` // sqlite
	Path string `yaml:"path"`
}

// TrainerConfig holds training settings.
type TrainerConfig struct {
	MinExperiences int     `yaml:"min_experiences"`
	LearningRate   float64 `yaml:"learning_rate"`
	Schedule       string  `yaml:"schedule"` // cron with seconds field; empty disables
	RunOnStart     bool    `yaml:"run_on_start"`
	TimeoutSec     int     `yaml:"timeout_sec"`
}

// RewardConfig holds reward shaping settings.
type RewardConfig struct {
	QualityBonus          float64 `yaml:"quality_bonus"`
	QualityBonusThreshold float64 `yaml:"quality_bonus_threshold"`
	MinReward             float64 `yaml:"min_reward"`
	MaxReward             float64 `yaml:"max_reward"`
}

// RecommendConfig holds recommendation serving settings.
type RecommendConfig struct {
	CacheTTLSec       int     `yaml:"cache_ttl_sec"`
	LoadTimeoutMs     int     `yaml:"load_timeout_ms"`
	ReloadRetryPerSec float64 `yaml:"reload_retry_per_sec"`
	ProfileTimeoutMs  int     `yaml:"profile_timeout_ms"`
}

// HealthConfig holds health check settings.
type HealthConfig struct {
	HeartbeatIntervalSec int `yaml:"heartbeat_interval_sec"`
}

// ShutdownConfig holds shutdown settings.
type ShutdownConfig struct {
	TimeoutSec int `yaml:"timeout_sec"`
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Channels []ChannelConfig `yaml:"channels"`
	Events   []string        `yaml:"events"`
}

// ChannelConfig holds a single alert channel configuration.
type ChannelConfig struct {
	Type     string `yaml:"type"` // console | telegram
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns the configuration used for unset fields.
func DefaultConfig() Config {
	reward := experience.DefaultRewardConfig()
	tr := trainer.DefaultConfig()
	cache := recommend.DefaultCacheConfig()
	builder := state.DefaultBuilderConfig()

	return Config{
		Market: MarketConfig{Timezone: "America/New_York"},
		Persistence: PersistenceConfig{
			Type: "sqlite",
			Path: "data/execrl.db",
		},
		Trainer: TrainerConfig{
			MinExperiences: tr.MinExperiences,
			LearningRate:   tr.LearningRate,
			Schedule:       "0 30 16 * * MON-FRI",
			TimeoutSec:     300,
		},
		Reward: RewardConfig{
			QualityBonus:          reward.QualityBonus,
			QualityBonusThreshold: reward.QualityBonusThreshold,
			MinReward:             reward.MinReward,
			MaxReward:             reward.MaxReward,
		},
		Recommend: RecommendConfig{
			CacheTTLSec:       int(cache.TTL / time.Second),
			LoadTimeoutMs:     int(cache.LoadTimeout / time.Millisecond),
			ReloadRetryPerSec: cache.RetryPerSecond,
			ProfileTimeoutMs:  int(builder.ProfileTimeout / time.Millisecond),
		},
		Health:   HealthConfig{HeartbeatIntervalSec: 30},
		Shutdown: ShutdownConfig{TimeoutSec: 30},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes. Fields absent from
// data keep their DefaultConfig values.
func LoadFromBytes(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	// Market validation
	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("market.timezone '%s' is not a valid IANA zone", c.Market.Timezone))
	}

	// Persistence validation
	if c.Persistence.Type != "sqlite" {
		errs = append(errs, "persistence.type must be 'sqlite'")
	}
	if c.Persistence.Path == "" {
		errs = append(errs, "persistence.path is required")
	}

	// Trainer validation
	if c.Trainer.MinExperiences <= 0 {
		errs = append(errs, "trainer.min_experiences must be positive")
	}
	if c.Trainer.LearningRate <= 0 || c.Trainer.LearningRate > 1 {
		errs = append(errs, "trainer.learning_rate must be in (0, 1]")
	}
	if c.Trainer.Schedule != "" {
		if err := scheduler.ParseSchedule(c.Trainer.Schedule); err != nil {
			errs = append(errs, fmt.Sprintf("trainer.schedule '%s' is invalid: %v", c.Trainer.Schedule, err))
		}
	}
	if c.Trainer.TimeoutSec < 0 {
		errs = append(errs, "trainer.timeout_sec must not be negative")
	}

	// Reward validation
	if c.Reward.MinReward >= c.Reward.MaxReward {
		errs = append(errs, "reward.min_reward must be below reward.max_reward")
	}

	// Recommend validation
	if c.Recommend.CacheTTLSec <= 0 {
		errs = append(errs, "recommend.cache_ttl_sec must be positive")
	}
	if c.Recommend.LoadTimeoutMs <= 0 {
		errs = append(errs, "recommend.load_timeout_ms must be positive")
	}
	if c.Recommend.ReloadRetryPerSec <= 0 {
		errs = append(errs, "recommend.reload_retry_per_sec must be positive")
	}
	if c.Recommend.ProfileTimeoutMs <= 0 {
		errs = append(errs, "recommend.profile_timeout_ms must be positive")
	}

	// Alerting validation
	if c.Alerting.Enabled {
		for i, ch := range c.Alerting.Channels {
			switch ch.Type {
			case "console":
			case "telegram":
				if ch.BotToken == "" || ch.ChatID == "" {
					errs = append(errs, fmt.Sprintf("alerting.channels[%d]: telegram requires bot_token and chat_id", i))
				}
			default:
				errs = append(errs, fmt.Sprintf("alerting.channels[%d]: unknown type '%s'", i, ch.Type))
			}
		}
	}

	// Metrics validation
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		errs = append(errs, "metrics.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

// Location returns the market timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Market.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ToRewardConfig converts to experience.RewardConfig.
func (c *Config) ToRewardConfig() experience.RewardConfig {
	return experience.RewardConfig{
		QualityBonus:          c.Reward.QualityBonus,
		QualityBonusThreshold: c.Reward.QualityBonusThreshold,
		MinReward:             c.Reward.MinReward,
		MaxReward:             c.Reward.MaxReward,
	}
}

// ToRecorderConfig converts to experience.RecorderConfig.
func (c *Config) ToRecorderConfig() experience.RecorderConfig {
	cfg := experience.DefaultRecorderConfig()
	cfg.Location = c.Location()
	cfg.Reward = c.ToRewardConfig()
	return cfg
}

// ToTrainerConfig converts to trainer.Config.
func (c *Config) ToTrainerConfig() trainer.Config {
	return trainer.Config{
		LearningRate:   c.Trainer.LearningRate,
		MinExperiences: c.Trainer.MinExperiences,
	}
}

// ToCacheConfig converts to recommend.CacheConfig.
func (c *Config) ToCacheConfig() recommend.CacheConfig {
	return recommend.CacheConfig{
		TTL:            time.Duration(c.Recommend.CacheTTLSec) * time.Second,
		LoadTimeout:    time.Duration(c.Recommend.LoadTimeoutMs) * time.Millisecond,
		RetryPerSecond: c.Recommend.ReloadRetryPerSec,
	}
}

// ToBuilderConfig converts to state.BuilderConfig.
func (c *Config) ToBuilderConfig() state.BuilderConfig {
	return state.BuilderConfig{
		Location:       c.Location(),
		ProfileTimeout: time.Duration(c.Recommend.ProfileTimeoutMs) * time.Millisecond,
	}
}

// TrainTimeout returns the bound on a scheduled training run.
func (c *Config) TrainTimeout() time.Duration {
	return time.Duration(c.Trainer.TimeoutSec) * time.Second
}

// HeartbeatInterval returns the heartbeat interval.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Health.HeartbeatIntervalSec) * time.Second
}

// ShutdownTimeout returns the shutdown timeout duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Shutdown.TimeoutSec) * time.Second
}
