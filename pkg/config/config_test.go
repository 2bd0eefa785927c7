package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "2025-06-18", cfg.ProtocolVersion)
	assert.Equal(t, 60*time.Second, cfg.Queue.LeaseTTL)
	assert.Equal(t, 15*time.Second, cfg.Queue.HeartbeatInterval)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 0.85, cfg.Cache.SimilarityTau)
	assert.Equal(t, 0.5, cfg.Index.Alpha)
	assert.Equal(t, 768, cfg.Models.EmbeddingDim)
	assert.Equal(t, ExposureAll, cfg.ToolExposure)
	assert.Equal(t, "@every 10m", cfg.Retain.Schedule)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/research?sslmode=require")
	t.Setenv("LEASE_TTL", "90s")
	t.Setenv("HEARTBEAT_INTERVAL", "10s")
	t.Setenv("TOOL_EXPOSURE", "MANUAL")
	t.Setenv("TOOL_ALLOWLIST", "research, job_status ,search")
	t.Setenv("AUTH_REQUIRED_SCOPES", "research reports")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://u:p@db:5432/research?sslmode=require", cfg.Database.DSN())
	assert.Equal(t, 90*time.Second, cfg.Queue.LeaseTTL)
	assert.Equal(t, ExposureManual, cfg.ToolExposure)
	assert.Equal(t, []string{"research", "job_status", "search"}, cfg.ToolAllowlist)
}

func TestDSNFromParts(t *testing.T) {
	d := DatabaseConfig{
		Host: "localhost", Port: 5433, User: "u", Password: "p",
		Database: "inquest", SSLMode: "disable",
	}
	assert.Equal(t, "postgres://u:p@localhost:5433/inquest?sslmode=disable", d.DSN())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	t.Run("heartbeat must leave slack under the lease", func(t *testing.T) {
		cfg := valid()
		cfg.Queue.HeartbeatInterval = cfg.Queue.LeaseTTL / 2
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HEARTBEAT_INTERVAL")
	})

	t.Run("max attempts at least one", func(t *testing.T) {
		cfg := valid()
		cfg.Queue.MaxAttempts = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("similarity tau bounds", func(t *testing.T) {
		cfg := valid()
		cfg.Cache.SimilarityTau = 0
		assert.Error(t, cfg.Validate())
		cfg.Cache.SimilarityTau = 1.1
		assert.Error(t, cfg.Validate())
		cfg.Cache.SimilarityTau = 1
		assert.NoError(t, cfg.Validate())
	})

	t.Run("alpha bounds", func(t *testing.T) {
		cfg := valid()
		cfg.Index.Alpha = -0.1
		assert.Error(t, cfg.Validate())
		cfg.Index.Alpha = 1
		assert.NoError(t, cfg.Validate())
	})

	t.Run("unknown exposure rejected", func(t *testing.T) {
		cfg := valid()
		cfg.ToolExposure = "SOME"
		assert.Error(t, cfg.Validate())
	})

	t.Run("manual exposure needs an allowlist", func(t *testing.T) {
		cfg := valid()
		cfg.ToolExposure = ExposureManual
		cfg.ToolAllowlist = nil
		assert.Error(t, cfg.Validate())

		cfg.ToolAllowlist = []string{"research"}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("kappa bounds", func(t *testing.T) {
		cfg := valid()
		cfg.Memory.KappaMin = 0
		assert.Error(t, cfg.Validate())
		cfg.Memory.KappaMin = 0.4
		cfg.Memory.KappaMax = 0.2
		assert.Error(t, cfg.Validate())
	})
}
