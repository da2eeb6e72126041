package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	req := require.New(t)
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load()
	req.NoError(err)
	req.Equal(8080, cfg.Port)
	req.Equal(StoragePostgres, cfg.StorageDriver)
	req.Equal(BroadcastLocal, cfg.BroadcastBackend)
	req.Equal("chat_queue", cfg.QueueName)
	req.Equal(5, cfg.QueueDeliveryLimit)
	req.Equal(1, cfg.QueuePrefetch)
	req.Equal(5*time.Second, cfg.PublishTimeout)
	req.Equal(2000, cfg.MaxContentLength)
}

func TestLoad_Overrides(t *testing.T) {
	req := require.New(t)
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("STORAGE_DRIVER", "sqlite")
	t.Setenv("BROADCAST_BACKEND", "redis")
	t.Setenv("FANOUT_TIMEOUT", "250ms")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	req.NoError(err)
	req.Equal(StorageSQLite, cfg.StorageDriver)
	req.Equal(BroadcastRedis, cfg.BroadcastBackend)
	req.Equal(250*time.Millisecond, cfg.FanoutTimeout)
	req.Equal("0.0.0.0:9090", cfg.Address())
}

func TestLoad_MissingSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "placeholder")
	require.NoError(t, os.Unsetenv("JWT_SECRET"))

	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Config{
		StorageDriver:      StorageSQLite,
		BroadcastBackend:   BroadcastLocal,
		JWTSecret:          "s",
		QueueName:          "q",
		QueueDeliveryLimit: 1,
		QueuePrefetch:      1,
		MaxContentLength:   10,
		ClientBufferSize:   1,
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"unknown driver", func(c *Config) { c.StorageDriver = "mongo" }, true},
		{"unknown backend", func(c *Config) { c.BroadcastBackend = "nats" }, true},
		{"zero delivery limit", func(c *Config) { c.QueueDeliveryLimit = 0 }, true},
		{"zero prefetch", func(c *Config) { c.QueuePrefetch = 0 }, true},
		{"zero content length", func(c *Config) { c.MaxContentLength = 0 }, true},
		{"empty queue", func(c *Config) { c.QueueName = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
