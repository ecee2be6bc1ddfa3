package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CHATSYNC_AUTH_JWT_SECRET", "secret")

	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", c.HTTP.Addr)
	assert.Equal(t, "memory", c.Store)
	assert.Equal(t, []string{"http://localhost:3000"}, c.CORS.Origins)
	assert.Equal(t, 20, c.RateLimit.UploadRequests)
	assert.Equal(t, 15*time.Minute, c.RateLimit.UploadWindow)
	assert.Equal(t, 64, c.Realtime.SendBuffer)
	assert.Equal(t, 25*time.Second, c.Realtime.PingInterval)
	assert.Equal(t, "chatsync", c.OTel.ServiceName)
	assert.Empty(t, c.Kafka.Brokers)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CHATSYNC_AUTH_JWT_SECRET", "secret")
	t.Setenv("CHATSYNC_STORE", "postgres")
	t.Setenv("CHATSYNC_POSTGRES_DSN", "postgres://localhost/chat")
	t.Setenv("CHATSYNC_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("CHATSYNC_REALTIME_PING_INTERVAL", "10s")
	t.Setenv("CHATSYNC_OTEL_SAMPLE_RATIO", "0.5")

	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", c.Store)
	assert.Equal(t, "postgres://localhost/chat", c.Postgres.DSN)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.Kafka.Brokers)
	assert.Equal(t, 10*time.Second, c.Realtime.PingInterval)
	assert.InDelta(t, 0.5, c.OTel.SampleRatio, 1e-9)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatsync.yaml")
	err := os.WriteFile(path, []byte(strings.Join([]string{
		"auth:",
		"  jwt_secret: fromfile",
		"uploads:",
		"  provider: minio",
		"  minio:",
		"    bucket: media",
		"log:",
		"  format: json",
	}, "\n")), 0o600)
	require.NoError(t, err)

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "fromfile", c.Auth.JWTSecret)
	assert.Equal(t, "minio", c.Uploads.Provider)
	assert.Equal(t, "media", c.Uploads.Minio.Bucket)
	assert.Equal(t, 15*time.Minute, c.Uploads.Minio.URLTTL)
	assert.Equal(t, "json", c.Log.Format)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Store:    "memory",
			Auth:     Auth{JWTSecret: "s"},
			Uploads:  Uploads{Provider: "cloud"},
			Kafka:    Kafka{Topic: "t"},
			OTel:     OTel{SampleRatio: 1},
			Realtime: Realtime{SendBuffer: 1},
		}
	}

	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr string
	}{
		{name: "Valid", modify: func(c *Config) {}},
		{name: "PostgresWithoutDSN", modify: func(c *Config) { c.Store = "postgres" }, wantErr: "postgres.dsn is required"},
		{name: "UnknownStore", modify: func(c *Config) { c.Store = "sqlite" }, wantErr: "store must be postgres or memory"},
		{name: "NoSecret", modify: func(c *Config) { c.Auth.JWTSecret = "" }, wantErr: "auth.jwt_secret is required"},
		{name: "UnknownProvider", modify: func(c *Config) { c.Uploads.Provider = "s3" }, wantErr: "uploads.provider"},
		{name: "BrokersWithoutTopic", modify: func(c *Config) { c.Kafka = Kafka{Brokers: []string{"k:9092"}} }, wantErr: "kafka.topic"},
		{name: "Ratio", modify: func(c *Config) { c.OTel.SampleRatio = 2 }, wantErr: "otel.sample_ratio"},
		{name: "SendBuffer", modify: func(c *Config) { c.Realtime.SendBuffer = 0 }, wantErr: "realtime.send_buffer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.modify(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
