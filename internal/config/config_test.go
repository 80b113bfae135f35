package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	req := require.New(t)

	// Given no config file and the short deployment env vars
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("PORT", "6000")
	t.Setenv("BACKPLANE_DRIVER", "kafka")
	t.Setenv("CASSANDRA_HOSTS", "cass-1:9042,cass-2:9042")
	t.Setenv("INSTANCE_ID", "gw-1")

	// When the config is loaded
	cfg, err := Load(t.TempDir())

	// Then defaults fill the gaps and env vars win
	req.NoError(err)
	req.Equal("s3cret", cfg.Auth.JWTSecret)
	req.Equal(6000, cfg.Server.Port)
	req.Equal("kafka", cfg.Backplane.Driver)
	req.Equal([]string{"cass-1:9042", "cass-2:9042"}, cfg.Cassandra.Hosts)
	req.Equal("gw-1", cfg.InstanceID)
	req.Equal("gw-1", cfg.Backplane.Kafka.ConsumerID)

	req.Equal("/chat/ws", cfg.WebSocket.Path)
	req.Equal(256, cfg.WebSocket.SendBuffer)
	req.Equal("chat:fanout", cfg.Backplane.Channel)
	req.Equal(5*time.Second, cfg.Auth.HandshakeTimeout)
	req.Equal(2*time.Second, cfg.Backplane.ResubscribeGap)
	req.Equal(32, cfg.Registry.Shards)
	req.True(cfg.Fanout.EchoToSender)
	req.False(cfg.Fanout.NotifyActor)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	req := require.New(t)

	// Given a config file
	dir := t.TempDir()
	req.NoError(os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
auth:
  jwt_secret: from-file
dispatch:
  lanes: 4
  drain_timeout: 3s
fanout:
  echo_to_sender: false
`), 0o644))

	// When it is loaded
	cfg, err := Load(dir)

	// Then its values apply
	req.NoError(err)
	req.Equal("from-file", cfg.Auth.JWTSecret)
	req.Equal(4, cfg.Dispatch.Lanes)
	req.Equal(3*time.Second, cfg.Dispatch.DrainTimeout)
	req.False(cfg.Fanout.EchoToSender)
	req.NotEmpty(cfg.InstanceID)
}

func TestLoad_RequiresSecret(t *testing.T) {
	_, err := Load(t.TempDir())

	require.ErrorContains(t, err, "jwt_secret")
}
