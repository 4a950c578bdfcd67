package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	Server      ServerConfig
	Logging     LoggingConfig
	Redis       RedisConfig
	Scylla      ScyllaConfig
	Clickhouse  ClickhouseConfig
	Kafka       KafkaConfig
	Elastic     ElasticConfig
	Monitoring  MonitoringConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers    []string
	AlertTopic string
}

type ElasticConfig struct {
	URL        string
	Username   string
	Password   string
	AlertIndex string
}

// MonitoringConfig carries the engine tunables. AlertThresholdDefault is only
// the fallback; the live value comes from the monitoring_thresholds table and
// is operator-editable without a restart.
type MonitoringConfig struct {
	AlertThresholdDefault int64
	WindowSeconds         int
	RetentionHours        int
	DecayPerHour          int64
	ScoreFloor            int64
	ScoreStaleAfter       time.Duration
	BlockGracePeriod      time.Duration
	BlockCacheTTL         time.Duration
	EventBuckets          int
	WriteRetries          int
	RetryBackoff          time.Duration
	StoreTimeout          time.Duration
}

// LoadConfig reads configuration from the environment, loading a local .env
// file first when present.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvList("SCYLLA_NODES", "localhost:9042"),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "threat_monitor"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Clickhouse: ClickhouseConfig{
			URL:      getEnv("CLICKHOUSE_URL", "http://localhost:8123"),
			Database: getEnv("CLICKHOUSE_DATABASE", "threat_monitor"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Brokers:    getEnvList("KAFKA_BROKERS", "localhost:9092"),
			AlertTopic: getEnv("KAFKA_ALERT_TOPIC", "security-alerts"),
		},
		Elastic: ElasticConfig{
			URL:        getEnv("ELASTICSEARCH_URL", ""),
			Username:   getEnv("ELASTICSEARCH_USERNAME", ""),
			Password:   getEnv("ELASTICSEARCH_PASSWORD", ""),
			AlertIndex: getEnv("ELASTICSEARCH_ALERT_INDEX", "security-alerts"),
		},
		Monitoring: MonitoringConfig{
			AlertThresholdDefault: int64(getEnvInt("ALERT_THRESHOLD_DEFAULT", 10)),
			WindowSeconds:         getEnvInt("ALERT_WINDOW_SECONDS", 60),
			RetentionHours:        getEnvInt("EVENT_RETENTION_HOURS", 168),
			DecayPerHour:          int64(getEnvInt("SCORE_DECAY_PER_HOUR", 5)),
			ScoreFloor:            int64(getEnvInt("SCORE_FLOOR", 0)),
			ScoreStaleAfter:       getEnvDuration("SCORE_STALE_AFTER", 72*time.Hour),
			BlockGracePeriod:      getEnvDuration("BLOCK_GRACE_PERIOD", 5*time.Minute),
			BlockCacheTTL:         getEnvDuration("BLOCK_CACHE_TTL", 5*time.Second),
			EventBuckets:          getEnvInt("EVENT_BUCKETS", 64),
			WriteRetries:          getEnvInt("STORE_WRITE_RETRIES", 3),
			RetryBackoff:          getEnvDuration("STORE_RETRY_BACKOFF", 100*time.Millisecond),
			StoreTimeout:          getEnvDuration("STORE_TIMEOUT", 5*time.Second),
		},
	}
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	value := getEnv(key, defaultValue)
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
