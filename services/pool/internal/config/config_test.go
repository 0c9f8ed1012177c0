package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseEnv() map[string]string {
	return map[string]string{
		"MASTER_KEY":     "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=",
		"JWT_PUBLIC_KEY": "pub",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(baseEnv()))
	require.NoError(t, err)
	assert.Equal(t, ":8090", cfg.Addr)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, 4*time.Hour, cfg.AccessTTL)
	assert.Equal(t, 5*time.Second, cfg.IssueWait)
	assert.Equal(t, 2*time.Minute, cfg.RotationTimeout)
	assert.Zero(t, cfg.SwapCreditMinutes)
	assert.Equal(t, "log", cfg.NotifyBackend)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoadOverrides(t *testing.T) {
	env := baseEnv()
	env["SWAP_CREDIT_MINUTES"] = "30"
	env["TIMEZONE"] = "Europe/Berlin"
	env["CORS_ORIGINS"] = "https://a.example,https://b.example"
	env["DATABASE_DRIVER"] = "sqlite"

	cfg, err := load(context.Background(), envconfig.MapLookuper(env))
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.SwapCreditMinutes)
	assert.Equal(t, "Europe/Berlin", cfg.Location().String())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"missing master key": {"JWT_PUBLIC_KEY": "pub"},
		"bad driver":         {"DATABASE_DRIVER": "mysql"},
		"bad notifier":       {"NOTIFY_BACKEND": "smtp"},
		"bad master key":     {"MASTER_KEY": "%%%"},
		"bad timezone":       {"TIMEZONE": "Mars/Olympus"},
		"negative credit":    {"SWAP_CREDIT_MINUTES": "-5"},
	}
	for name, override := range cases {
		t.Run(name, func(t *testing.T) {
			env := baseEnv()
			if name == "missing master key" {
				delete(env, "MASTER_KEY")
			}
			for k, v := range override {
				env[k] = v
			}
			_, err := load(context.Background(), envconfig.MapLookuper(env))
			require.Error(t, err)
		})
	}
}
