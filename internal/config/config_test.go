package config_test

import (
	"testing"
	"time"

	"github.com/lorrc/collab-relay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("INSTANCE_ID", "relay-test")

	cfg := config.FromEnv()

	assert.Equal(t, ":8080", cfg.Server.Port)
	assert.False(t, cfg.Database.Enabled())
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, "collab:room:", cfg.Redis.ChannelPrefix)
	assert.Equal(t, 54*time.Second, cfg.WebSocket.PingInterval)
	assert.Equal(t, 100, cfg.Relay.MaxMembersPerRoom)
	assert.Equal(t, "relay-test", cfg.App.InstanceID)
	require.NoError(t, cfg.Validate())
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://relay:secret@db:5432/relay")
	t.Setenv("REDIS_URL", "redis://cache:6379/0")
	t.Setenv("WS_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("RELAY_MAX_ROOMS", "5")
	t.Setenv("WS_PONG_WAIT", "2m")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("RELAY_SHARDS", "not-a-number")

	cfg := config.FromEnv()

	assert.True(t, cfg.Database.Enabled())
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.WebSocket.AllowedOrigins)
	assert.Equal(t, 5, cfg.Relay.MaxRooms)
	assert.Equal(t, 2*time.Minute, cfg.WebSocket.PongWait)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 32, cfg.Relay.Shards, "unparsable values fall back to the default")
}

func TestValidate(t *testing.T) {
	valid := func() *config.Config {
		t.Setenv("INSTANCE_ID", "relay-test")
		return config.FromEnv()
	}

	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{
			name:    "auth required without secret",
			mutate:  func(c *config.Config) { c.JWT.Required = true },
			wantErr: "JWT_SECRET is required",
		},
		{
			name: "production needs origins and strong secret",
			mutate: func(c *config.Config) {
				c.App.Environment = "production"
				c.JWT.Required = true
				c.JWT.Secret = "short"
			},
			wantErr: "WS_ALLOWED_ORIGINS must be set in production",
		},
		{
			name:    "ping interval must be below pong wait",
			mutate:  func(c *config.Config) { c.WebSocket.PingInterval = c.WebSocket.PongWait },
			wantErr: "WS_PING_INTERVAL",
		},
		{
			name:    "payload larger than a frame",
			mutate:  func(c *config.Config) { c.Relay.MaxPayloadBytes = int(c.WebSocket.MaxMessageSize) + 1 },
			wantErr: "RELAY_MAX_PAYLOAD_BYTES",
		},
		{
			name:    "empty instance id",
			mutate:  func(c *config.Config) { c.App.InstanceID = "" },
			wantErr: "INSTANCE_ID",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestString_RedactsSecrets(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://relay:secret@db:5432/relay")
	t.Setenv("REDIS_URL", "redis://:hunter2@cache:6379/0")
	t.Setenv("JWT_SECRET", "super-secret-signing-key")

	s := config.FromEnv().String()

	assert.NotContains(t, s, "secret@")
	assert.NotContains(t, s, "hunter2")
	assert.NotContains(t, s, "super-secret-signing-key")
	assert.Contains(t, s, "@db:5432/relay")
}
