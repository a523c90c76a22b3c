package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigEnvOverrides(t *testing.T) {
	type testConfig struct {
		Name   string        `env:"TESTCFG_NAME"`
		Window time.Duration `env:"TESTCFG_WINDOW"`
		Nested struct {
			Port int
		}
	}

	t.Setenv("TESTCFG_NAME", "override")
	t.Setenv("TESTCFG_WINDOW", "36h")
	t.Setenv("NESTED_PORT", "9090")

	cfg := &testConfig{}
	cfg.Window = time.Hour

	require.NoError(t, LoadConfig(cfg))
	require.Equal(t, "override", cfg.Name)
	require.Equal(t, 36*time.Hour, cfg.Window)
	require.Equal(t, 9090, cfg.Nested.Port)
}

func TestLoadConfigBadDuration(t *testing.T) {
	type testConfig struct {
		Window time.Duration `env:"TESTCFG_BAD_WINDOW"`
	}

	t.Setenv("TESTCFG_BAD_WINDOW", "soon")
	require.Error(t, LoadConfig(&testConfig{}))
}
