package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Redis       RedisConfig       `yaml:"redis"`
	RunnerWatch RunnerWatchConfig `yaml:"runnerwatch"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	WatchTopicName   string `yaml:"watch_topic_name"`
	OutcomeTopicName string `yaml:"outcome_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type RunnerWatchConfig struct {
	HTTPAddr                string `yaml:"http_addr"`
	KafkaConsumerGroup      string `yaml:"kafka_consumer_group"`
	CurrentStatusTTLSeconds int    `yaml:"current_status_ttl_seconds"`

	APIRateLimitRPS   float64 `yaml:"api_rate_limit_rps"`
	APIRateLimitBurst int     `yaml:"api_rate_limit_burst"`
	RunnerSpeedKmh    float64 `yaml:"runner_speed_kmh"`

	// Watch defaults sent with every start command; the worker caps the timeout.
	WatchIntervalMS int `yaml:"watch_interval_ms"`
	WatchTimeoutMS  int `yaml:"watch_timeout_ms"`

	// runner-api closes requests still watching past their deadline plus grace.
	ExpireSweepSeconds int `yaml:"expire_sweep_seconds"`
	ExpireGraceSeconds int `yaml:"expire_grace_seconds"`

	WorkerHTTPAddr           string `yaml:"worker_http_addr"`
	WorkerKafkaConsumerGroup string `yaml:"worker_kafka_consumer_group"`
	WorkerConcurrency        int    `yaml:"worker_concurrency"`
	WorkerMaxTimeoutSeconds  int    `yaml:"worker_max_timeout_seconds"`
	WorkerRateLimitPerMinute int    `yaml:"worker_rate_limit_per_minute"`

	DeliveryBaseURL string `yaml:"delivery_base_url"`
	DeliveryToken   string `yaml:"delivery_token"`
	StoreID         string `yaml:"store_id"`
}

// Secrets may come from the environment instead of the YAML file.
const (
	envDatabasePassword = "DATABASE_PASSWORD"
	envDeliveryToken    = "DELIVERY_TOKEN"
)

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	if v := os.Getenv(envDatabasePassword); v != "" {
		config.Database.Password = v
	}
	if v := os.Getenv(envDeliveryToken); v != "" {
		config.RunnerWatch.DeliveryToken = v
	}
	return &config, nil
}

// Paths are the files a binary needs at startup.
type Paths struct {
	Config  string
	Swagger string
}

// ResolvePaths reads .env (if present), then the configPath/swaggerPath env
// vars, then --config/--swagger flags. Later sources win.
func ResolvePaths(name string, args []string) (Paths, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Paths{}, fmt.Errorf("failed to load .env: %w", err)
	}

	p := Paths{
		Config:  os.Getenv("configPath"),
		Swagger: os.Getenv("swaggerPath"),
	}

	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.StringVarP(&p.Config, "config", "c", p.Config, "path to the YAML config")
	flags.StringVar(&p.Swagger, "swagger", p.Swagger, "path to the swagger JSON served on /swagger.json")
	if err := flags.Parse(args); err != nil {
		return Paths{}, err
	}

	if p.Config == "" {
		return Paths{}, fmt.Errorf("config path is required (--config or configPath env var)")
	}
	if p.Swagger == "" {
		return Paths{}, fmt.Errorf("swagger path is required (--swagger or swaggerPath env var)")
	}
	return p, nil
}

func (c DatabaseConfig) ConnString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Username, c.Password, c.Host, c.Port, c.DBName, sslMode)
}

func (c KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", c.Host, c.Port)}
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
