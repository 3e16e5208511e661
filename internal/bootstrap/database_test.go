package bootstrap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/jobexec/config"
)

func TestConnectRedis_DisabledReturnsNilClient(t *testing.T) {
	client, err := ConnectRedis(DatabaseConfig{RedisConfig: config.RedisConfig{Enabled: false}})
	require.NoError(t, err)
	assert.Nil(t, client)
}

func TestNewDirectClient(t *testing.T) {
	_, _, err := newDirectClient(config.RedisConfig{URI: "  "})
	require.Error(t, err)

	client, addr, err := newDirectClient(config.RedisConfig{URI: "redis://:secret@cache:6380/2"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	assert.Equal(t, "cache:6380", addr)

	client, addr, err = newDirectClient(config.RedisConfig{URI: "cache:6379", DB: 3})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	assert.Equal(t, "cache:6379", addr)
}

func TestNormalizeAddrs(t *testing.T) {
	assert.Equal(t, []string{"a:1", "b:2"}, normalizeAddrs([]string{" a:1 ", "", "b:2", "  "}))
	assert.Empty(t, normalizeAddrs(nil))
}

func TestClusterFallbackFromURI(t *testing.T) {
	tests := []struct {
		name         string
		uri          string
		wantAddr     string
		wantUser     string
		wantPassword string
		wantTLS      bool
	}{
		{name: "empty", uri: "", wantPassword: "default"},
		{name: "host only", uri: "node:7000", wantAddr: "node:7000", wantPassword: "default"},
		{
			name:         "url with credentials",
			uri:          "redis://app:pw@node:7001",
			wantAddr:     "node:7001",
			wantUser:     "app",
			wantPassword: "pw",
		},
		{name: "tls url", uri: "rediss://node:7002", wantAddr: "node:7002", wantPassword: "default", wantTLS: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, user, password, tlsCfg, err := clusterFallbackFromURI(tt.uri, "default")
			require.NoError(t, err)
			assert.Equal(t, tt.wantAddr, addr)
			assert.Equal(t, tt.wantUser, user)
			assert.Equal(t, tt.wantPassword, password)
			assert.Equal(t, tt.wantTLS, tlsCfg != nil)
		})
	}
}

func TestIsRedisURL(t *testing.T) {
	assert.True(t, isRedisURL("redis://localhost"))
	assert.True(t, isRedisURL("rediss://localhost"))
	assert.False(t, isRedisURL("localhost:6379"))
}

func TestGetEnabledServices_StartupOrder(t *testing.T) {
	cfg := &config.AppConfig{Services: "sweeper,executor"}
	assert.Equal(t, []string{"executor", "sweeper"}, GetEnabledServices(cfg))
	assert.Empty(t, GetEnabledServices(&config.AppConfig{Services: "nope"}))
	require.Error(t, ValidateServiceConfig(&config.AppConfig{Services: ""}))
	require.NoError(t, ValidateServiceConfig(cfg))
}
