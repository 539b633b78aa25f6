package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"controlsync/internal/domain/terminal"
)

const (
	envPath  = ".env"
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	Env       string           `mapstructure:"app_env"`
	HTTP      HTTP             `mapstructure:"http"`
	Storage   Storage          `mapstructure:"storage"`
	Gateway   Gateway          `mapstructure:"gateway"`
	Session   Session          `mapstructure:"session"`
	Sync      Sync             `mapstructure:"sync"`
	Photo     Photo            `mapstructure:"photo"`
	Redis     Redis            `mapstructure:"redis"`
	AMQP      AMQP             `mapstructure:"amqp"`
	Terminals []TerminalConfig `mapstructure:"terminals"`
}

type HTTP struct {
	Address  string `mapstructure:"address"`
	APIToken string `mapstructure:"api_token"`
}

type Storage struct {
	Driver     string `mapstructure:"driver"`
	URI        string `mapstructure:"uri"`
	Migrations string `mapstructure:"migrations_path"`
	SecretKey  string `mapstructure:"secret_key"`
}

type Gateway struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

type Session struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

type Sync struct {
	Interval            time.Duration `mapstructure:"interval"`
	PageSize            int           `mapstructure:"page_size"`
	DeleteConfirmations int           `mapstructure:"delete_confirmations"`
	PruneUnmanaged      bool          `mapstructure:"prune_unmanaged"`
	DeleteOrphanPhotos  bool          `mapstructure:"delete_orphan_photos"`
}

type Photo struct {
	DrainInterval time.Duration `mapstructure:"drain_interval"`
	MaxBatchItems int           `mapstructure:"max_batch_items"`
	MaxBatchBytes int           `mapstructure:"max_batch_bytes"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	Match         bool          `mapstructure:"match"`
}

type Redis struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

type AMQP struct {
	URL      string `mapstructure:"url"`
	Queue    string `mapstructure:"queue"`
	Prefetch int    `mapstructure:"prefetch"`
}

type TerminalConfig struct {
	ID             string `mapstructure:"id"`
	Address        string `mapstructure:"address"`
	Login          string `mapstructure:"login"`
	Password       string `mapstructure:"password"`
	Mode           string `mapstructure:"mode"`
	MaxConcurrency int    `mapstructure:"max_concurrency"`
}

// MustLoad загружает конфигурацию сервера и завершает процесс при ошибке
func MustLoad() *Config {
	cfg, err := Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

// Load читает .env, yaml-файл (если указан) и переменные окружения
func Load(path string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := v.UnmarshalKey("terminals", &cfg.Terminals); err != nil {
		return nil, fmt.Errorf("failed to decode terminals: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_env", EnvLocal)
	v.SetDefault("http.address", ":8080")
	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.migrations_path", "migrations")
	v.SetDefault("gateway.max_attempts", 5)
	v.SetDefault("gateway.base_delay", 200*time.Millisecond)
	v.SetDefault("gateway.max_delay", 5*time.Second)
	v.SetDefault("gateway.call_timeout", 10*time.Second)
	v.SetDefault("session.probe_interval", 30*time.Second)
	v.SetDefault("sync.interval", 15*time.Minute)
	v.SetDefault("sync.page_size", 500)
	v.SetDefault("sync.delete_confirmations", 1)
	v.SetDefault("sync.prune_unmanaged", true)
	v.SetDefault("sync.delete_orphan_photos", false)
	v.SetDefault("photo.drain_interval", 10*time.Second)
	v.SetDefault("photo.max_batch_items", 50)
	v.SetDefault("photo.max_batch_bytes", terminal.MaxBatchBytes)
	v.SetDefault("photo.max_attempts", 5)
	v.SetDefault("photo.match", true)
	v.SetDefault("redis.lock_ttl", 30*time.Second)
	v.SetDefault("amqp.queue", "directory.changes")
	v.SetDefault("amqp.prefetch", 16)
}

// bindEnv привязывает короткие имена переменных окружения
func bindEnv(v *viper.Viper) {
	pairs := map[string]string{
		"http.address":            "HTTP_ADDRESS",
		"http.api_token":          "API_TOKEN",
		"storage.driver":          "STORAGE_DRIVER",
		"storage.uri":             "DATABASE_URI",
		"storage.migrations_path": "MIGRATIONS_PATH",
		"storage.secret_key":      "STORAGE_SECRET_KEY",
		"redis.addr":              "REDIS_ADDR",
		"redis.password":          "REDIS_PASSWORD",
		"amqp.url":                "AMQP_URL",
		"amqp.queue":              "AMQP_QUEUE",
		"sync.interval":           "SYNC_INTERVAL",
	}
	for key, env := range pairs {
		_ = v.BindEnv(key, env)
	}
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres, DriverSQLite:
		if c.Storage.URI == "" {
			return fmt.Errorf("storage uri is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Gateway.MaxAttempts <= 0 {
		return errors.New("gateway.max_attempts must be positive")
	}
	if c.Photo.MaxBatchBytes <= 0 || c.Photo.MaxBatchBytes > terminal.MaxBatchBytes {
		return fmt.Errorf("photo.max_batch_bytes must be in (0, %d]", terminal.MaxBatchBytes)
	}

	seen := make(map[string]struct{}, len(c.Terminals))
	for _, tc := range c.Terminals {
		t := tc.Terminal()
		if err := t.Validate(); err != nil {
			return err
		}
		if _, ok := seen[t.ID]; ok {
			return fmt.Errorf("duplicate terminal id %q", t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	return nil
}

// Terminal преобразует запись конфигурации в модель терминала
func (tc TerminalConfig) Terminal() terminal.Terminal {
	mode := terminal.Mode(tc.Mode)
	if mode == "" {
		mode = terminal.ModeStandalone
	}
	return terminal.Terminal{
		ID:             tc.ID,
		Address:        tc.Address,
		Login:          tc.Login,
		Password:       tc.Password,
		Mode:           mode,
		MaxConcurrency: tc.MaxConcurrency,
	}
}

// IsProd проверяет, prod ли окружение
func (c *Config) IsProd() bool {
	return c.Env == EnvProd
}
