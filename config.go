package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreMySQL  = "mysql"
)

// Config is the gateway configuration. Every field maps to an environment variable of the same name in upper snake case.
type Config struct {
	HTTPAddr       string
	RequestTimeout time.Duration

	BankURL            string
	BankConnectTimeout time.Duration
	BankReadTimeout    time.Duration

	StoreBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	MySQL         MySQLConfig

	KafkaBroker string
	KafkaTopic  string

	JWTSecret               string
	TokenTTL                time.Duration
	BootstrapMerchantName   string
	BootstrapMerchantSecret string

	RateLimitRPM       int
	MaxActiveRequests  int
	CBFailureThreshold int
	CBCooldown         time.Duration

	LogLevel   LogLevel
	PIIMasking bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8090")
	v.SetDefault("request_timeout", "45s")
	v.SetDefault("bank_url", "http://localhost:8080")
	v.SetDefault("bank_connect_timeout", "5s")
	v.SetDefault("bank_read_timeout", "30s")
	v.SetDefault("store_backend", StoreMemory)
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("mysql_host", "localhost")
	v.SetDefault("mysql_port", "3306")
	v.SetDefault("mysql_database", "paygate")
	v.SetDefault("kafka_topic", DefaultSettledTopic)
	v.SetDefault("token_ttl", "24h")
	v.SetDefault("rate_limit_rpm", 600)
	v.SetDefault("max_active_requests", 1000)
	v.SetDefault("cb_failure_threshold", 10)
	v.SetDefault("cb_cooldown", "30s")
	v.SetDefault("log_level", string(LogLevelInfo))
	v.SetDefault("pii_masking", true)
}

// LoadConfig reads .env (if present), then an optional config file, then the environment.
// Environment variables win over the file.
func LoadConfig(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		HTTPAddr:           v.GetString("http_addr"),
		RequestTimeout:     v.GetDuration("request_timeout"),
		BankURL:            v.GetString("bank_url"),
		BankConnectTimeout: v.GetDuration("bank_connect_timeout"),
		BankReadTimeout:    v.GetDuration("bank_read_timeout"),
		StoreBackend:       strings.ToLower(v.GetString("store_backend")),
		RedisAddr:          v.GetString("redis_addr"),
		RedisPassword:      v.GetString("redis_password"),
		RedisDB:            v.GetInt("redis_db"),
		MySQL: MySQLConfig{
			Host:     v.GetString("mysql_host"),
			Port:     v.GetString("mysql_port"),
			User:     v.GetString("mysql_user"),
			Password: v.GetString("mysql_password"),
			Database: v.GetString("mysql_database"),
		},
		KafkaBroker:             v.GetString("kafka_broker"),
		KafkaTopic:              v.GetString("kafka_topic"),
		JWTSecret:               v.GetString("jwt_secret"),
		TokenTTL:                v.GetDuration("token_ttl"),
		BootstrapMerchantName:   v.GetString("bootstrap_merchant_name"),
		BootstrapMerchantSecret: v.GetString("bootstrap_merchant_secret"),
		RateLimitRPM:            v.GetInt("rate_limit_rpm"),
		MaxActiveRequests:       v.GetInt("max_active_requests"),
		CBFailureThreshold:      v.GetInt("cb_failure_threshold"),
		CBCooldown:              v.GetDuration("cb_cooldown"),
		LogLevel:                ParseLogLevel(v.GetString("log_level")),
		PIIMasking:              v.GetBool("pii_masking"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the gateway cannot start with
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory, StoreRedis, StoreMySQL:
	default:
		return fmt.Errorf("STORE_BACKEND must be one of memory, redis, mysql: got %q", c.StoreBackend)
	}

	if c.BankURL == "" {
		return errors.New("BANK_URL is required")
	}
	if c.BankConnectTimeout <= 0 || c.BankReadTimeout <= 0 {
		return errors.New("BANK_CONNECT_TIMEOUT and BANK_READ_TIMEOUT must be positive")
	}
	if c.StoreBackend == StoreMySQL && c.MySQL.User == "" {
		return errors.New("MYSQL_USER is required for the mysql store")
	}
	if c.BootstrapMerchantName != "" && c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required when a bootstrap merchant is configured")
	}
	return nil
}
