package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Bandit     BanditConfig     `mapstructure:"bandit"`
	Features   FeatureConfig    `mapstructure:"features"`
	Reward     RewardConfig     `mapstructure:"reward"`
	Feedback   FeedbackConfig   `mapstructure:"feedback"`
	Diversity  DiversityConfig  `mapstructure:"diversity"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Security   SecurityConfig   `mapstructure:"security"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
	// ResponseCacheTTL bounds the staleness of cached ranking and model
	// listings. Zero disables the cache.
	ResponseCacheTTL time.Duration `mapstructure:"response_cache_ttl"`
}

type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	MaxConnections int           `mapstructure:"max_connections"`
	MaxIdleTime    time.Duration `mapstructure:"max_idle_time"`
	MaxLifetime    time.Duration `mapstructure:"max_lifetime"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type RedisConfig struct {
	URL        string        `mapstructure:"url"`
	MaxRetries int           `mapstructure:"max_retries"`
	PoolSize   int           `mapstructure:"pool_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Brokers       []string `mapstructure:"brokers"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
	Topics        struct {
		AllocationEvents string `mapstructure:"allocation_events"`
		TaskOutcomes     string `mapstructure:"task_outcomes"`
		TaskOutcomesDLQ  string `mapstructure:"task_outcomes_dlq"`
	} `mapstructure:"topics"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// BanditConfig holds the LinUCB hyper-parameters. The context dimension is
// fixed by the feature layout and is not configurable.
type BanditConfig struct {
	Alpha          float64       `mapstructure:"alpha"`
	Lambda         float64       `mapstructure:"lambda"`
	ModelCacheSize int           `mapstructure:"model_cache_size"`
	ModelCacheTTL  time.Duration `mapstructure:"model_cache_ttl"`
}

type FeatureConfig struct {
	LookupTimeout     time.Duration `mapstructure:"lookup_timeout"`
	EfficiencyWindow  time.Duration `mapstructure:"efficiency_window"`
	DefaultEfficiency float64       `mapstructure:"default_efficiency"`
	DefaultSkillLevel float64       `mapstructure:"default_skill_level"`
	MaxParallel       int           `mapstructure:"max_parallel"`

	DefaultQuantity      float64 `mapstructure:"default_quantity"`
	DefaultDeadlineHours float64 `mapstructure:"default_deadline_hours"`
	DefaultPriority      float64 `mapstructure:"default_priority"`
	DefaultComplexity    float64 `mapstructure:"default_complexity"`

	MaxQuantity  float64 `mapstructure:"max_quantity"`
	MaxTenure    float64 `mapstructure:"max_tenure_days"`
	MaxHoursDay  float64 `mapstructure:"max_hours_day"`
	FatigueStart float64 `mapstructure:"fatigue_start_hours"`
}

type RewardConfig struct {
	EfficiencyWeight float64 `mapstructure:"efficiency_weight"`
	QualityWeight    float64 `mapstructure:"quality_weight"`
	OvertimePenalty  float64 `mapstructure:"overtime_penalty"`
	DefaultQuality   float64 `mapstructure:"default_quality"`
	MaxEfficiency    float64 `mapstructure:"max_efficiency"`
	MaxReward        float64 `mapstructure:"max_reward"`
}

type FeedbackConfig struct {
	ImmediateUpdate bool          `mapstructure:"immediate_update"`
	BatchAgeCutoff  time.Duration `mapstructure:"batch_age_cutoff"`
	BatchLimit      int           `mapstructure:"batch_limit"`
	BatchParallel   int           `mapstructure:"batch_parallel"`
}

// DiversityConfig holds every tunable weight of the fairness / skill
// maintenance / rotation reranker.
type DiversityConfig struct {
	BanditWeight      float64 `mapstructure:"bandit_weight"`
	FairnessWeight    float64 `mapstructure:"fairness_weight"`
	SkillWeight       float64 `mapstructure:"skill_weight"`
	RepetitionWeight  float64 `mapstructure:"repetition_weight"`
	ComplexityWeight  float64 `mapstructure:"complexity_weight"`
	RepetitionPenalty float64 `mapstructure:"repetition_penalty"`
	SeverePenalty     float64 `mapstructure:"severe_penalty"`
	ExcludedScore     float64 `mapstructure:"excluded_score"`

	FairnessWindowDays   int `mapstructure:"fairness_window_days"`
	SkillDecayDays       int `mapstructure:"skill_decay_days"`
	RepetitionWindowDays int `mapstructure:"repetition_window_days"`
	MaxConsecutiveDays   int `mapstructure:"max_consecutive_days"`

	Temporary TemporaryWorkerConfig `mapstructure:"temporary"`

	MMRLambda      float64 `mapstructure:"mmr_lambda"`
	MMRHistoryDays int     `mapstructure:"mmr_history_days"`

	TimeZone        string        `mapstructure:"time_zone"`
	HistoryCacheTTL time.Duration `mapstructure:"history_cache_ttl"`
}

// TemporaryWorkerConfig overrides applied to contingent workers.
type TemporaryWorkerConfig struct {
	BanditMultiplier   float64 `mapstructure:"bandit_multiplier"`
	FairnessMultiplier float64 `mapstructure:"fairness_multiplier"`
	LearningBonus      float64 `mapstructure:"learning_bonus"`
	LearningFactor     float64 `mapstructure:"learning_factor"`
}

type SchedulerConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	BatchUpdateCron string `mapstructure:"batch_update_cron"`
}

type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
}

type SecurityConfig struct {
	CORS      CORSConfig      `mapstructure:"cors"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig caps recommendation requests per factory.
type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

func Load() (*Config, error) {
	viper.SetConfigName("app")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional, continue with env vars and defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Default returns a Config populated only from defaults. Used by tests and
// tools that must not read the environment.
func Default() *Config {
	setDefaults()
	var config Config
	_ = viper.Unmarshal(&config)
	return &config
}

func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "development")
	viper.SetDefault("server.response_cache_ttl", "30s")

	viper.SetDefault("database.max_connections", 25)
	viper.SetDefault("database.max_idle_time", "15m")
	viper.SetDefault("database.max_lifetime", "1h")
	viper.SetDefault("database.connect_timeout", "10s")

	viper.SetDefault("redis.url", "localhost:6379")
	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.timeout", "5s")

	viper.SetDefault("kafka.enabled", false)
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.consumer_group", "workalloc-outcomes")
	viper.SetDefault("kafka.topics.allocation_events", "allocation-events")
	viper.SetDefault("kafka.topics.task_outcomes", "task-outcomes")
	viper.SetDefault("kafka.topics.task_outcomes_dlq", "task-outcomes-dlq")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")

	viper.SetDefault("bandit.alpha", 0.5)
	viper.SetDefault("bandit.lambda", 1.0)
	viper.SetDefault("bandit.model_cache_size", 4096)
	viper.SetDefault("bandit.model_cache_ttl", "5m")

	viper.SetDefault("features.lookup_timeout", "200ms")
	viper.SetDefault("features.efficiency_window", "720h")
	viper.SetDefault("features.default_efficiency", 0.8)
	viper.SetDefault("features.default_skill_level", 3.0)
	viper.SetDefault("features.max_parallel", 8)
	viper.SetDefault("features.default_quantity", 100.0)
	viper.SetDefault("features.default_deadline_hours", 8.0)
	viper.SetDefault("features.default_priority", 5.0)
	viper.SetDefault("features.default_complexity", 3.0)
	viper.SetDefault("features.max_quantity", 1000.0)
	viper.SetDefault("features.max_tenure_days", 365.0)
	viper.SetDefault("features.max_hours_day", 12.0)
	viper.SetDefault("features.fatigue_start_hours", 6.0)

	viper.SetDefault("reward.efficiency_weight", 0.6)
	viper.SetDefault("reward.quality_weight", 0.4)
	viper.SetDefault("reward.overtime_penalty", 0.1)
	viper.SetDefault("reward.default_quality", 1.0)
	viper.SetDefault("reward.max_efficiency", 1.2)
	viper.SetDefault("reward.max_reward", 1.2)

	viper.SetDefault("feedback.immediate_update", true)
	viper.SetDefault("feedback.batch_age_cutoff", "720h")
	viper.SetDefault("feedback.batch_limit", 1000)
	viper.SetDefault("feedback.batch_parallel", 4)

	viper.SetDefault("diversity.bandit_weight", 0.5)
	viper.SetDefault("diversity.fairness_weight", 0.2)
	viper.SetDefault("diversity.skill_weight", 0.2)
	viper.SetDefault("diversity.repetition_weight", 0.1)
	viper.SetDefault("diversity.complexity_weight", 0.05)
	viper.SetDefault("diversity.repetition_penalty", 0.5)
	viper.SetDefault("diversity.severe_penalty", 0.3)
	viper.SetDefault("diversity.excluded_score", -1.0)
	viper.SetDefault("diversity.fairness_window_days", 14)
	viper.SetDefault("diversity.skill_decay_days", 30)
	viper.SetDefault("diversity.repetition_window_days", 3)
	viper.SetDefault("diversity.max_consecutive_days", 3)
	viper.SetDefault("diversity.temporary.bandit_multiplier", 0.8)
	viper.SetDefault("diversity.temporary.fairness_multiplier", 1.2)
	viper.SetDefault("diversity.temporary.learning_bonus", 0.1)
	viper.SetDefault("diversity.temporary.learning_factor", 1.2)
	viper.SetDefault("diversity.mmr_lambda", 0.7)
	viper.SetDefault("diversity.mmr_history_days", 7)
	viper.SetDefault("diversity.time_zone", "Local")
	viper.SetDefault("diversity.history_cache_ttl", "60s")

	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.batch_update_cron", "0 */10 * * * *")

	viper.SetDefault("monitoring.enabled", true)
	viper.SetDefault("monitoring.metrics_path", "/metrics")

	viper.SetDefault("security.cors.allowed_origins", []string{"*"})
	viper.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	viper.SetDefault("security.cors.allowed_headers", []string{"*"})
	viper.SetDefault("security.rate_limit.enabled", true)
	viper.SetDefault("security.rate_limit.requests", 600)
	viper.SetDefault("security.rate_limit.window", "1m")
}
