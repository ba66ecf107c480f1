package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Env         string            `mapstructure:"env"`
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Auth        AuthConfig        `mapstructure:"auth"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Chat        ChatConfig        `mapstructure:"chat"`
	Upload      UploadConfig      `mapstructure:"upload"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Usage       UsageConfig       `mapstructure:"usage"`
	Billing     BillingConfig     `mapstructure:"billing"`
	Security    SecurityConfig    `mapstructure:"security"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// IsProduction reports whether the service runs in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	MiddlewareTimeout time.Duration `mapstructure:"middleware_timeout"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type AuthConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	Issuer         string        `mapstructure:"issuer"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

type LLMConfig struct {
	DefaultProvider string       `mapstructure:"default_provider"`
	Dify            DifyConfig   `mapstructure:"dify"`
	Gemini          GeminiConfig `mapstructure:"gemini"`
	OpenAI          OpenAIConfig `mapstructure:"openai"`
	Ollama          OllamaConfig `mapstructure:"ollama"`
}

type DifyConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	WorkflowAPIKey string        `mapstructure:"workflow_api_key"`
	WorkflowID     string        `mapstructure:"workflow_id"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

type OllamaConfig struct {
	Host  string `mapstructure:"host"`
	Model string `mapstructure:"model"`
}

type ChatConfig struct {
	Streaming    bool `mapstructure:"streaming"`
	HistoryLimit int  `mapstructure:"history_limit"`
	ListLimit    int  `mapstructure:"list_limit"`
}

type UploadConfig struct {
	MaxFiles      int `mapstructure:"max_files"`
	MaxFileSizeMB int `mapstructure:"max_file_size_mb"`
}

// PersistenceConfig selects where per-user chat state is mirrored
type PersistenceConfig struct {
	Backend       string        `mapstructure:"backend"`
	Slices        []string      `mapstructure:"slices"`
	TTL           time.Duration `mapstructure:"ttl"`
	SQLitePath    string        `mapstructure:"sqlite_path"`
	MySQLDSN      string        `mapstructure:"mysql_dsn"`
	MongoURI      string        `mapstructure:"mongo_uri"`
	MongoDatabase string        `mapstructure:"mongo_database"`
}

type PlanLimitsConfig struct {
	MonthlyMessages int `mapstructure:"monthly_messages"`
	MonthlyUploads  int `mapstructure:"monthly_uploads"`
	MaxUploadSizeMB int `mapstructure:"max_upload_size_mb"`
}

type UsageConfig struct {
	Free    PlanLimitsConfig `mapstructure:"free"`
	Premium PlanLimitsConfig `mapstructure:"premium"`
}

type BillingConfig struct {
	StripeSecretKey string `mapstructure:"stripe_secret_key"`
	WebhookSecret   string `mapstructure:"webhook_secret"`
	PriceID         string `mapstructure:"price_id"`
	ProductName     string `mapstructure:"product_name"`
	Currency        string `mapstructure:"currency"`
	UnitAmount      int64  `mapstructure:"unit_amount"`
	SuccessURL      string `mapstructure:"success_url"`
	CancelURL       string `mapstructure:"cancel_url"`
	PortalReturnURL string `mapstructure:"portal_return_url"`
}

type SecurityConfig struct {
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
}

type LoggingConfig struct {
	Level        string        `mapstructure:"level"`
	Format       string        `mapstructure:"format"`
	File         string        `mapstructure:"file"`
	MaxAge       time.Duration `mapstructure:"max_age"`
	RotationTime time.Duration `mapstructure:"rotation_time"`
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	// Set config file path
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./configs/config.yaml"
	}

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and env vars
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")

	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	// SSE streams stay open; handlers bound their own work
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.middleware_timeout", "180s")
	v.SetDefault("server.allowed_origins", []string{"*"})

	// Database
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "dify_chat")
	v.SetDefault("database.database", "dify_chat")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.auto_migrate", false)

	// Redis
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// Auth
	v.SetDefault("auth.issuer", "pre-next-dify")
	v.SetDefault("auth.access_token_ttl", "1h")

	// LLM
	v.SetDefault("llm.default_provider", "dify")
	v.SetDefault("llm.dify.base_url", "https://api.dify.ai/v1")
	v.SetDefault("llm.dify.timeout", "120s")
	v.SetDefault("llm.gemini.model", "gemini-2.5-flash")
	v.SetDefault("llm.openai.model", "gpt-4o-mini")
	v.SetDefault("llm.ollama.model", "llama3.1")

	// Chat
	v.SetDefault("chat.streaming", false)
	v.SetDefault("chat.history_limit", 100)
	v.SetDefault("chat.list_limit", 50)

	// Upload
	v.SetDefault("upload.max_files", 5)
	v.SetDefault("upload.max_file_size_mb", 10)

	// Persistence
	v.SetDefault("persistence.backend", "redis")
	v.SetDefault("persistence.slices", []string{"registry", "resources"})
	v.SetDefault("persistence.ttl", "720h")
	v.SetDefault("persistence.sqlite_path", "./data/chatstate.db")
	v.SetDefault("persistence.mongo_database", "dify_chat")

	// Usage
	v.SetDefault("usage.free.monthly_messages", 50)
	v.SetDefault("usage.free.monthly_uploads", 10)
	v.SetDefault("usage.free.max_upload_size_mb", 10)
	v.SetDefault("usage.premium.monthly_messages", 500)
	v.SetDefault("usage.premium.monthly_uploads", 100)
	v.SetDefault("usage.premium.max_upload_size_mb", 10)

	// Billing
	v.SetDefault("billing.product_name", "Pro Plan")
	v.SetDefault("billing.currency", "usd")
	v.SetDefault("billing.unit_amount", 1000)
	v.SetDefault("billing.success_url", "http://localhost:3000/dashboard?success=true")
	v.SetDefault("billing.cancel_url", "http://localhost:3000/pricing?canceled=true")
	v.SetDefault("billing.portal_return_url", "http://localhost:3000/dashboard")

	// Security
	v.SetDefault("security.rate_limit.requests_per_minute", 60)
	v.SetDefault("security.rate_limit.burst", 10)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_age", "168h")
	v.SetDefault("logging.rotation_time", "24h")
}

func bindEnvVars(v *viper.Viper) {
	v.BindEnv("env", "ENV")

	// Database
	v.BindEnv("database.password", "POSTGRES_PASSWORD")

	// Redis
	v.BindEnv("redis.password", "REDIS_PASSWORD")

	// Auth
	v.BindEnv("auth.jwt_secret", "JWT_SECRET")

	// LLM
	v.BindEnv("llm.dify.api_key", "DIFY_API_KEY")
	v.BindEnv("llm.dify.base_url", "DIFY_API_URL")
	v.BindEnv("llm.dify.workflow_api_key", "DIFY_WORKFLOW_API_KEY")
	v.BindEnv("llm.dify.workflow_id", "DIFY_WORKFLOW_ID")
	v.BindEnv("llm.gemini.api_key", "GEMINI_API_KEY")
	v.BindEnv("llm.openai.api_key", "OPENAI_API_KEY")
	v.BindEnv("llm.ollama.host", "OLLAMA_HOST")

	// Billing
	v.BindEnv("billing.stripe_secret_key", "STRIPE_SECRET_KEY")
	v.BindEnv("billing.webhook_secret", "STRIPE_WEBHOOK_SECRET")
	v.BindEnv("billing.price_id", "STRIPE_PRICE_ID")

	// Persistence
	v.BindEnv("persistence.mongo_uri", "MONGO_URI")
	v.BindEnv("persistence.mysql_dsn", "MYSQL_DSN")
}
