package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Reconnect ReconnectConfig
	Chat      ChatConfig
	Storage   StorageConfig
	Auth      AuthConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	URL            string
	ConnectTimeout time.Duration
	AckTimeout     time.Duration
	PingInterval   time.Duration
}

// ReconnectConfig governs connection-level retries. Per-message retries are
// ChatConfig.OfflineMaxRetries.
type ReconnectConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxJitter   time.Duration
	MaxAttempts int
}

type ChatConfig struct {
	RoomWindow        int
	OfflineMaxRetries int
	ReadBatchInterval time.Duration
	TypingInterval    time.Duration
	TypingTTL         time.Duration
}

type StorageConfig struct {
	Backend       string
	Path          string
	EncryptionKey string
	Redis         RedisConfig
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type AuthConfig struct {
	TokenKey string
}

type LoggingConfig struct {
	Level      string
	Format     string
	Output     string
	EnableFile bool
	FilePath   string
}

type MetricsConfig struct {
	Enabled bool
	Port    int
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL:            "ws://localhost:3000/socket",
			ConnectTimeout: 20 * time.Second,
			AckTimeout:     10 * time.Second,
			PingInterval:   25 * time.Second,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			MaxJitter:   time.Second,
			MaxAttempts: 10,
		},
		Chat: ChatConfig{
			RoomWindow:        500,
			OfflineMaxRetries: 3,
			ReadBatchInterval: 500 * time.Millisecond,
			TypingInterval:    2 * time.Second,
			TypingTTL:         5 * time.Second,
		},
		Storage: StorageConfig{
			Backend: "pebble",
			Path:    "./data/rally",
			Redis: RedisConfig{
				Host: "localhost",
				Port: 6379,
			},
		},
		Auth: AuthConfig{
			TokenKey: "@auth_token",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Port: 9100,
		},
	}
}

func Load() (*Config, error) {
	d := Default()
	cfg := &Config{
		Server: ServerConfig{
			URL:            getEnv("CHAT_SERVER_URL", d.Server.URL),
			ConnectTimeout: getEnvDuration("CHAT_CONNECT_TIMEOUT", d.Server.ConnectTimeout),
			AckTimeout:     getEnvDuration("CHAT_ACK_TIMEOUT", d.Server.AckTimeout),
			PingInterval:   getEnvDuration("CHAT_PING_INTERVAL", d.Server.PingInterval),
		},
		Reconnect: ReconnectConfig{
			BaseDelay:   getEnvDuration("RECONNECT_BASE_DELAY", d.Reconnect.BaseDelay),
			MaxDelay:    getEnvDuration("RECONNECT_MAX_DELAY", d.Reconnect.MaxDelay),
			MaxJitter:   getEnvDuration("RECONNECT_MAX_JITTER", d.Reconnect.MaxJitter),
			MaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", d.Reconnect.MaxAttempts),
		},
		Chat: ChatConfig{
			RoomWindow:        getEnvInt("CHAT_ROOM_WINDOW", d.Chat.RoomWindow),
			OfflineMaxRetries: getEnvInt("CHAT_OFFLINE_MAX_RETRIES", d.Chat.OfflineMaxRetries),
			ReadBatchInterval: getEnvDuration("CHAT_READ_BATCH_INTERVAL", d.Chat.ReadBatchInterval),
			TypingInterval:    getEnvDuration("CHAT_TYPING_INTERVAL", d.Chat.TypingInterval),
			TypingTTL:         getEnvDuration("CHAT_TYPING_TTL", d.Chat.TypingTTL),
		},
		Storage: StorageConfig{
			Backend:       getEnv("STORAGE_BACKEND", d.Storage.Backend),
			Path:          getEnv("STORAGE_PATH", d.Storage.Path),
			EncryptionKey: getEnv("STORAGE_ENCRYPTION_KEY", ""),
			Redis: RedisConfig{
				Host:     getEnv("REDIS_HOST", d.Storage.Redis.Host),
				Port:     getEnvInt("REDIS_PORT", d.Storage.Redis.Port),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
			},
		},
		Auth: AuthConfig{
			TokenKey: getEnv("AUTH_TOKEN_KEY", d.Auth.TokenKey),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", d.Logging.Level),
			Format:     getEnv("LOG_FORMAT", d.Logging.Format),
			Output:     getEnv("LOG_OUTPUT", d.Logging.Output),
			EnableFile: getEnvBool("LOG_ENABLE_FILE", false),
			FilePath:   getEnv("LOG_FILE_PATH", "./rally.log"),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", false),
			Port:    getEnvInt("METRICS_PORT", d.Metrics.Port),
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return fallback
}
