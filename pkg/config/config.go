package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Backend  BackendConfig  `mapstructure:"backend"`
	Polling  PollingConfig  `mapstructure:"polling"`
	User     UserConfig     `mapstructure:"user"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Log      LogConfig      `mapstructure:"log"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
}

type BackendConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type PollingConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MaxAttempts int           `mapstructure:"max_attempts"` // 0 polls until the task is terminal
}

type UserConfig struct {
	ID int64 `mapstructure:"id"`
}

type AuthConfig struct {
	TokenDB string `mapstructure:"token_db"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Mode  string `mapstructure:"mode"`
	File  string `mapstructure:"file"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
}

type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	JWTTTL         time.Duration `mapstructure:"jwt_ttl"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	TaskDelay      time.Duration `mapstructure:"task_delay"`
	ResultTTL      time.Duration `mapstructure:"result_ttl"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

type OpenAIConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// DSN renders the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return DatabaseConfig{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

// LoadConfig reads path when it exists and layers defaults and environment
// variables around it. A missing file is not an error: every setting has a
// default good enough to talk to a local dev server.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("backend.base_url", "http://localhost:3000")
	v.SetDefault("backend.timeout", 30*time.Second)
	v.SetDefault("polling.interval", time.Second)
	v.SetDefault("polling.max_attempts", 0)
	v.SetDefault("user.id", 0)
	v.SetDefault("auth.token_db", defaultTokenDB())
	v.SetDefault("log.level", "info")
	v.SetDefault("log.mode", "development")
	v.SetDefault("server.addr", ":3000")
	v.SetDefault("server.jwt_secret", "dev-secret")
	v.SetDefault("server.jwt_ttl", 24*time.Hour)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000", "http://localhost:3001"})
	v.SetDefault("server.task_delay", 2*time.Second)
	v.SetDefault("server.result_ttl", 10*time.Minute)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", true)
	v.SetDefault("openai.model", "gpt-3.5-turbo")
	v.SetDefault("openai.max_tokens", 300)
	v.SetDefault("openai.temperature", 0.0)

	// Enable environment variable support
	v.SetEnvPrefix("SQLASSIST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %v", err)
		}
		config.Database = dbConfig
	}

	if token := os.Getenv("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}

	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}

	if config.Polling.Interval <= 0 {
		return nil, fmt.Errorf("polling.interval must be positive, got %s", config.Polling.Interval)
	}
	if config.Polling.MaxAttempts < 0 {
		return nil, fmt.Errorf("polling.max_attempts must not be negative")
	}

	return &config, nil
}

func defaultTokenDB() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "sqlassist-credentials.db"
	}
	return dir + string(os.PathSeparator) + "sqlassist" + string(os.PathSeparator) + "credentials.db"
}
