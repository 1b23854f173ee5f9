package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromEnviron_Defaults(t *testing.T) {
	req := require.New(t)

	cfg, err := FromEnviron()
	req.NoError(err)

	req.Equal("0.0.0.0:8080", cfg.Address())
	req.Equal("bolt", cfg.StoreDriver)
	req.Equal(256, cfg.SendQueueSize)
	req.Equal(30*time.Second, cfg.PingInterval)
	req.Equal(10*time.Second, cfg.PongTimeout)
	req.Equal(float64(20), cfg.RateLimit)
	req.Empty(cfg.Origins())
	req.False(cfg.AuthEnabled())
}

func TestFromEnviron_Overrides(t *testing.T) {
	req := require.New(t)
	t.Setenv("COURIER_PORT", "9090")
	t.Setenv("STORE_DRIVER", "badger")
	t.Setenv("MESSAGE_RETENTION", "72h")
	t.Setenv("ALLOWED_ORIGINS", "example.com, *.example.org ,")
	t.Setenv("AUTH_SECRET", "0123456789abcdef0123456789abcdef")

	cfg, err := FromEnviron()
	req.NoError(err)

	req.Equal(9090, cfg.Port)
	req.Equal("badger", cfg.StoreDriver)
	req.Equal(72*time.Hour, cfg.MessageRetention)
	req.Equal([]string{"example.com", "*.example.org"}, cfg.Origins())
	req.True(cfg.AuthEnabled())
}

func TestFromEnviron_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")

	_, err := FromEnviron()
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestFromEnviron_RejectsShortSecret(t *testing.T) {
	t.Setenv("AUTH_SECRET", "short")

	_, err := FromEnviron()
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestFromEnviron_RejectsPongTimeoutAbovePingInterval(t *testing.T) {
	t.Setenv("PING_INTERVAL", "5s")
	t.Setenv("PONG_TIMEOUT", "5s")

	_, err := FromEnviron()
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestFromEnviron_RejectsUnparsableDuration(t *testing.T) {
	t.Setenv("WRITE_TIMEOUT", "soon")

	_, err := FromEnviron()
	require.ErrorIs(t, err, ErrInvalidConfig)
}
