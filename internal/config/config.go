package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Requeue   RequeueConfig   `yaml:"requeue"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	MinIO     MinIOConfig     `yaml:"minio"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Migration MigrationConfig `yaml:"migration"`
	LogLevel  string          `yaml:"log_level"`
}

type RabbitMQConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	VHost    string `yaml:"vhost"`
	// Pointer so an explicit 0 (fail on the first dial error) survives applyDefaults.
	DialRetries *int `yaml:"dial_retries"`
}

func (c RabbitMQConfig) Retries() int {
	if c.DialRetries == nil {
		return defaultDialRetries
	}
	return *c.DialRetries
}

// URL builds the AMQP URI. Credentials and vhost are escaped.
func (c RabbitMQConfig) URL() string {
	u := &url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
	}
	if c.VHost != "" && c.VHost != "/" {
		u.Path = "/" + c.VHost
	} else {
		u.Path = "/"
	}
	return u.String()
}

type RequeueConfig struct {
	DefaultQueue     string `yaml:"default_queue"`
	DefaultMessageID string `yaml:"default_message_id"`
	IDPath           string `yaml:"id_path"`
	CallTimeoutSecs  int    `yaml:"call_timeout_secs"`
	// Pointer so an explicit false in YAML survives applyDefaults.
	PublisherConfirms *bool `yaml:"publisher_confirms"`
	MaxMessages       int   `yaml:"max_messages"`
	RateLimitPerSec   int   `yaml:"rate_limit_per_sec"`
}

func (c RequeueConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSecs) * time.Second
}

func (c RequeueConfig) ConfirmsEnabled() bool {
	return c.PublisherConfirms == nil || *c.PublisherConfirms
}

type RedisConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Password    string `yaml:"password"`
	PoolSize    int    `yaml:"pool_size"`
	LockTTLSecs int    `yaml:"lock_ttl_secs"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c RedisConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSecs) * time.Second
}

type PostgresConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int32  `yaml:"max_conns"`
	AppName  string `yaml:"application_name"`
}

func (c PostgresConfig) DSN() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     c.Database,
		RawQuery: fmt.Sprintf("sslmode=%s", sslmode),
	}
	return u.String()
}

type MinIOConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

type MigrationConfig struct {
	Path string `yaml:"path"`
}

const (
	defaultRabbitHost       = "localhost"
	defaultRabbitPort       = 5672
	defaultRabbitUser       = "guest"
	defaultRabbitPassword   = "guest"
	defaultDialRetries      = 3
	defaultIDPath           = "Attributes.MessageId"
	defaultCallTimeoutSecs  = 10
	defaultRedisHost        = "localhost"
	defaultRedisPort        = 6379
	defaultRedisPoolSize    = 2
	defaultLockTTLSecs      = 300
	defaultPostgresHost     = "localhost"
	defaultPostgresPort     = 5432
	defaultPostgresUser     = "requeue"
	defaultPostgresDB       = "requeue"
	defaultPostgresMaxConns = 4
	defaultPostgresAppName  = "nimbus-requeue"
	defaultMinIOEndpoint    = "localhost:9000"
	defaultMinIOBucket      = "requeue-reports"
	defaultMetricsJob       = "dlq_requeue"
	defaultMigrationPath    = "file://internal/database/migrations"
	defaultLogLevel         = "info"
)

func LoadFromEnv() *Config {
	_ = godotenv.Load()
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.RabbitMQ.Host == "" {
		c.RabbitMQ.Host = defaultRabbitHost
	}
	if c.RabbitMQ.Port == 0 {
		c.RabbitMQ.Port = defaultRabbitPort
	}
	if c.RabbitMQ.User == "" {
		c.RabbitMQ.User = defaultRabbitUser
	}
	if c.RabbitMQ.Password == "" {
		c.RabbitMQ.Password = defaultRabbitPassword
	}
	if c.RabbitMQ.DialRetries == nil {
		n := defaultDialRetries
		c.RabbitMQ.DialRetries = &n
	}
	if c.Requeue.IDPath == "" {
		c.Requeue.IDPath = defaultIDPath
	}
	if c.Requeue.CallTimeoutSecs == 0 {
		c.Requeue.CallTimeoutSecs = defaultCallTimeoutSecs
	}
	if c.Requeue.PublisherConfirms == nil {
		on := true
		c.Requeue.PublisherConfirms = &on
	}
	if c.Redis.Host == "" {
		c.Redis.Host = defaultRedisHost
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = defaultRedisPort
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = defaultRedisPoolSize
	}
	if c.Redis.LockTTLSecs == 0 {
		c.Redis.LockTTLSecs = defaultLockTTLSecs
	}
	if c.Postgres.Host == "" {
		c.Postgres.Host = defaultPostgresHost
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = defaultPostgresPort
	}
	if c.Postgres.User == "" {
		c.Postgres.User = defaultPostgresUser
	}
	if c.Postgres.Database == "" {
		c.Postgres.Database = defaultPostgresDB
	}
	if c.Postgres.MaxConns == 0 {
		c.Postgres.MaxConns = defaultPostgresMaxConns
	}
	if c.Postgres.AppName == "" {
		c.Postgres.AppName = defaultPostgresAppName
	}
	if c.MinIO.Endpoint == "" {
		c.MinIO.Endpoint = defaultMinIOEndpoint
	}
	if c.MinIO.Bucket == "" {
		c.MinIO.Bucket = defaultMinIOBucket
	}
	if c.Metrics.Job == "" {
		c.Metrics.Job = defaultMetricsJob
	}
	if c.Migration.Path == "" {
		c.Migration.Path = defaultMigrationPath
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
}

// Load reads a YAML config file. A .env file in the working directory, if any,
// is loaded into the environment first so ${VAR} references and overrides see it.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RABBITMQ_HOST"); v != "" {
		c.RabbitMQ.Host = v
	}
	if v := os.Getenv("RABBITMQ_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.RabbitMQ.Port = p
		}
	}
	if v := os.Getenv("RABBITMQ_USER"); v != "" {
		c.RabbitMQ.User = v
	}
	if v := os.Getenv("RABBITMQ_PASSWORD"); v != "" {
		c.RabbitMQ.Password = v
	}
	if v := os.Getenv("RABBITMQ_VHOST"); v != "" {
		c.RabbitMQ.VHost = v
	}
	if v := os.Getenv("RABBITMQ_DIAL_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RabbitMQ.DialRetries = &n
		}
	}
	if v := os.Getenv("DLE_QUEUE"); v != "" {
		c.Requeue.DefaultQueue = v
	}
	if v := os.Getenv("DLE_MESSAGE_ID"); v != "" {
		c.Requeue.DefaultMessageID = v
	}
	if v := os.Getenv("REQUEUE_CALL_TIMEOUT_SECS"); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			c.Requeue.CallTimeoutSecs = s
		}
	}
	if v := os.Getenv("REQUEUE_PUBLISHER_CONFIRMS"); v != "" {
		on := strings.EqualFold(v, "true")
		c.Requeue.PublisherConfirms = &on
	}
	if v := os.Getenv("REQUEUE_RATE_LIMIT_PER_SEC"); v != "" {
		if r, err := strconv.Atoi(v); err == nil {
			c.Requeue.RateLimitPerSec = r
		}
	}
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		c.Redis.Enabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Redis.Port = p
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.PoolSize = n
		}
	}
	if v := os.Getenv("POSTGRES_ENABLED"); v != "" {
		c.Postgres.Enabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		c.Postgres.Host = v
	}
	if v := os.Getenv("POSTGRES_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Postgres.Port = p
		}
	}
	if v := os.Getenv("POSTGRES_USER"); v != "" {
		c.Postgres.User = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		c.Postgres.Password = v
	}
	if v := os.Getenv("POSTGRES_DB"); v != "" {
		c.Postgres.Database = v
	}
	if v := os.Getenv("POSTGRES_SSLMODE"); v != "" {
		c.Postgres.SSLMode = v
	}
	if v := os.Getenv("MINIO_ENABLED"); v != "" {
		c.MinIO.Enabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		c.MinIO.Endpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		c.MinIO.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		c.MinIO.SecretKey = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		c.MinIO.UseSSL = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		c.MinIO.Bucket = v
	}
	if v := os.Getenv("PUSHGATEWAY_URL"); v != "" {
		c.Metrics.PushgatewayURL = v
	}
	if v := os.Getenv("MIGRATION_PATH"); v != "" {
		c.Migration.Path = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate reports configuration that cannot produce a working run.
func (c *Config) Validate() error {
	var errs []error
	if c.RabbitMQ.Host == "" {
		errs = append(errs, errors.New("rabbitmq host must be set"))
	}
	if c.RabbitMQ.User == "" || c.RabbitMQ.Password == "" {
		errs = append(errs, errors.New("rabbitmq user and password must be set"))
	}
	if c.RabbitMQ.Retries() < 0 {
		errs = append(errs, errors.New("rabbitmq dial_retries cannot be negative"))
	}
	// Without confirms a mandatory return can arrive after the dead letter was
	// acked, losing the message.
	if !c.Requeue.ConfirmsEnabled() {
		errs = append(errs, errors.New("requeue publisher_confirms cannot be disabled"))
	}
	if c.Requeue.CallTimeoutSecs < 0 {
		errs = append(errs, errors.New("requeue call_timeout_secs cannot be negative"))
	}
	if c.Requeue.MaxMessages < 0 {
		errs = append(errs, errors.New("requeue max_messages cannot be negative"))
	}
	if c.Requeue.RateLimitPerSec > 0 && !c.Redis.Enabled {
		errs = append(errs, errors.New("requeue rate_limit_per_sec requires redis to be enabled"))
	}
	if c.Redis.Enabled && c.Redis.PoolSize < 1 {
		errs = append(errs, errors.New("redis pool_size must be at least 1"))
	}
	if c.MinIO.Enabled && (c.MinIO.AccessKey == "" || c.MinIO.SecretKey == "") {
		errs = append(errs, errors.New("minio access_key and secret_key must be set when minio is enabled"))
	}
	return errors.Join(errs...)
}
