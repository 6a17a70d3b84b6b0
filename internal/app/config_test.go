package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxyConfig_PlatformDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://pdv@db/pdv")
	t.Setenv("PORT", "9000")

	cfg := ProxyConfig{Addr: "0.0.0.0:8080"}
	cfg.applyPlatformDefaults()
	assert.Equal(t, "postgres://pdv@db/pdv", cfg.Storage.DatabaseURL)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr)

	cfg = ProxyConfig{Addr: "127.0.0.1:7000", Storage: StorageConfig{DatabaseURL: "postgres://explicit"}}
	cfg.applyPlatformDefaults()
	assert.Equal(t, "postgres://explicit", cfg.Storage.DatabaseURL)
	assert.Equal(t, "127.0.0.1:7000", cfg.Addr, "explicit address wins over PORT")
}

func TestProxyConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ProxyConfig
		wantErr string
	}{
		{
			name:    "no upstream",
			cfg:     ProxyConfig{Storage: StorageConfig{Driver: StorageMemory}},
			wantErr: "upstream is required",
		},
		{
			name: "memory",
			cfg:  ProxyConfig{Upstream: "http://erp:8000", Storage: StorageConfig{Driver: StorageMemory}},
		},
		{
			name:    "postgres without url",
			cfg:     ProxyConfig{Upstream: "http://erp:8000", Storage: StorageConfig{Driver: StoragePostgres}},
			wantErr: "database URL",
		},
		{
			name: "postgres",
			cfg: ProxyConfig{Upstream: "http://erp:8000", Storage: StorageConfig{
				Driver:      StoragePostgres,
				DatabaseURL: "postgres://pdv@db/pdv",
			}},
		},
		{
			name:    "unknown driver",
			cfg:     ProxyConfig{Upstream: "http://erp:8000", Storage: StorageConfig{Driver: "redis"}},
			wantErr: `unknown storage driver "redis"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestProxyConfig_WorkerConfig(t *testing.T) {
	cfg := ProxyConfig{
		Upstream: "http://erp:8000",
		Cache: CacheConfig{
			Name:      "pdv-movel",
			Version:   "v7",
			APIPrefix: "/pdv-movel/api/",
			Shell:     "/pdv-movel/",
		},
	}
	wc := cfg.WorkerConfig()
	assert.Equal(t, "pdv-movel-v7", wc.CacheName())
	assert.Equal(t, "http://erp:8000", wc.Upstream)
	assert.Nil(t, wc.Precache, "unset precache list falls back to the worker default")
}
