// Package config loads the server configuration from an optional file, a
// .env file and CHATSYNC_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	HTTP      HTTP      `mapstructure:"http"`
	Store     string    `mapstructure:"store"`
	Postgres  Postgres  `mapstructure:"postgres"`
	Redis     Redis     `mapstructure:"redis"`
	Kafka     Kafka     `mapstructure:"kafka"`
	Auth      Auth      `mapstructure:"auth"`
	Uploads   Uploads   `mapstructure:"uploads"`
	CORS      CORS      `mapstructure:"cors"`
	RateLimit RateLimit `mapstructure:"ratelimit"`
	Realtime  Realtime  `mapstructure:"realtime"`
	OTel      OTel      `mapstructure:"otel"`
	Log       Log       `mapstructure:"log"`
}

type HTTP struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
}

type Postgres struct {
	DSN string `mapstructure:"dsn"`
}

// Redis is optional. An empty Addr disables the page cache, the relay
// de-duplication and the request rate limiter.
type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Kafka export is disabled when Brokers is empty.
type Kafka struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type Auth struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type Uploads struct {
	Provider  string `mapstructure:"provider"`
	CloudName string `mapstructure:"cloud_name"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	Minio     Minio  `mapstructure:"minio"`
}

type Minio struct {
	Endpoint  string        `mapstructure:"endpoint"`
	AccessKey string        `mapstructure:"access_key"`
	SecretKey string        `mapstructure:"secret_key"`
	Bucket    string        `mapstructure:"bucket"`
	UseSSL    bool          `mapstructure:"use_ssl"`
	Region    string        `mapstructure:"region"`
	URLTTL    time.Duration `mapstructure:"url_ttl"`
}

type CORS struct {
	Origins []string `mapstructure:"origins"`
}

type RateLimit struct {
	UploadRequests  int           `mapstructure:"upload_requests"`
	UploadWindow    time.Duration `mapstructure:"upload_window"`
	MessageRequests int           `mapstructure:"message_requests"`
	MessageWindow   time.Duration `mapstructure:"message_window"`
	EventsPerSecond float64       `mapstructure:"events_per_second"`
	EventBurst      int           `mapstructure:"event_burst"`
}

type Realtime struct {
	SendBuffer   int           `mapstructure:"send_buffer"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

type OTel struct {
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	Insecure    bool    `mapstructure:"insecure"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var defaults = map[string]any{
	"http.addr":                   ":8080",
	"http.read_header_timeout":    5 * time.Second,
	"http.write_timeout":          30 * time.Second,
	"http.idle_timeout":           90 * time.Second,
	"store":                       "memory",
	"postgres.dsn":                "",
	"redis.addr":                  "",
	"redis.password":              "",
	"redis.db":                    0,
	"kafka.brokers":               []string{},
	"kafka.topic":                 "chatsync.changes",
	"auth.jwt_secret":             "",
	"uploads.provider":            "cloud",
	"uploads.cloud_name":          "",
	"uploads.api_key":             "",
	"uploads.api_secret":          "",
	"uploads.minio.endpoint":      "",
	"uploads.minio.access_key":    "",
	"uploads.minio.secret_key":    "",
	"uploads.minio.bucket":        "",
	"uploads.minio.use_ssl":       false,
	"uploads.minio.region":        "",
	"uploads.minio.url_ttl":       15 * time.Minute,
	"cors.origins":                []string{"http://localhost:3000"},
	"ratelimit.upload_requests":   20,
	"ratelimit.upload_window":     15 * time.Minute,
	"ratelimit.message_requests":  120,
	"ratelimit.message_window":    time.Minute,
	"ratelimit.events_per_second": 20.0,
	"ratelimit.event_burst":       40,
	"realtime.send_buffer":        64,
	"realtime.ping_interval":      25 * time.Second,
	"otel.endpoint":               "",
	"otel.service_name":           "chatsync",
	"otel.sample_ratio":           1.0,
	"otel.insecure":               true,
	"log.level":                   "info",
	"log.format":                  "text",
}

// Load reads the configuration. path names an optional YAML, TOML or JSON
// file; a .env file in the working directory is loaded first if present.
// Environment variables override both, e.g. CHATSYNC_POSTGRES_DSN.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("CHATSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store {
	case "memory":
	case "postgres":
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres.dsn is required when store is postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store must be postgres or memory, got %q", c.Store))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	switch c.Uploads.Provider {
	case "cloud", "minio":
	default:
		errs = append(errs, fmt.Errorf("uploads.provider must be cloud or minio, got %q", c.Uploads.Provider))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when kafka.brokers is set"))
	}
	if c.OTel.SampleRatio < 0 || c.OTel.SampleRatio > 1 {
		errs = append(errs, errors.New("otel.sample_ratio must be within [0, 1]"))
	}
	if c.Realtime.SendBuffer < 1 {
		errs = append(errs, errors.New("realtime.send_buffer must be positive"))
	}
	return errors.Join(errs...)
}
