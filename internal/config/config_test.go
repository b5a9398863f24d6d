package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func newTestManager(t *testing.T, contents string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if contents != "" {
		require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	}
	m, err := NewManager(path)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestNewManager_CreatesDefaults(t *testing.T) {
	m := newTestManager(t, "")

	_, err := os.Stat(m.GetConfigPath())
	require.NoError(t, err)

	if diff := cmp.Diff(Defaults(), m.Get()); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestNewManager_LoadsFileOverDefaults(t *testing.T) {
	m := newTestManager(t, `
background_volume_factor: 0.25
excluded_identifiers:
  - discord
server_port: 8085
foreground:
  backend: x11
`)

	cfg := m.Get()
	assert.Equal(t, 0.25, cfg.BackgroundVolumeFactor)
	assert.Equal(t, []string{"discord"}, cfg.ExcludedIdentifiers)
	assert.Equal(t, 8085, cfg.ServerPort)
	assert.Equal(t, "x11", cfg.Foreground.Backend)
	assert.Equal(t, 100, cfg.Foreground.PollIntervalMS)
	assert.Equal(t, 100*time.Millisecond, cfg.Audio.CreatedDelay())
	assert.Equal(t, 2*time.Second, cfg.Audio.CommandTimeout())
}

func TestNewManager_RejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("background_volume_factor: 1.5\n"), 0644))

	_, err := NewManager(path)
	assert.Error(t, err)
}

func TestNewManager_EnvOverride(t *testing.T) {
	t.Setenv("FOCUSDUCKER_SERVER_PORT", "9191")
	t.Setenv("FOCUSDUCKER_FOREGROUND_BACKEND", "kwin")

	m := newTestManager(t, "server_port: 8080\n")
	assert.Equal(t, 9191, m.GetPort())
	assert.Equal(t, "kwin", m.Get().Foreground.Backend)
}

func TestGet_ReturnsCopy(t *testing.T) {
	m := newTestManager(t, "excluded_identifiers: [obs]\n")

	cfg := m.Get()
	cfg.ExcludedIdentifiers[0] = "mutated"
	cfg.BackgroundVolumeFactor = 0

	assert.Equal(t, []string{"obs"}, m.Get().ExcludedIdentifiers)
	assert.Equal(t, 0.5, m.Get().BackgroundVolumeFactor)
}

func TestExcluded_AddRemove(t *testing.T) {
	m := newTestManager(t, "")

	require.NoError(t, m.AddExcluded("  Discord "))
	require.NoError(t, m.AddExcluded("discord"))
	require.NoError(t, m.AddExcluded("OBS"))

	assert.Equal(t, []string{"discord", "obs"}, m.Get().ExcludedIdentifiers)
	assert.True(t, m.IsExcluded("DISCORD"))

	require.NoError(t, m.RemoveExcluded("Discord"))
	assert.Equal(t, []string{"obs"}, m.Get().ExcludedIdentifiers)
	assert.Error(t, m.RemoveExcluded("discord"))
	assert.Error(t, m.AddExcluded("   "))

	// Persisted
	reloaded, err := NewManager(m.GetConfigPath())
	require.NoError(t, err)
	assert.Equal(t, []string{"obs"}, reloaded.Get().ExcludedIdentifiers)
}

func TestSetBackgroundFactor(t *testing.T) {
	m := newTestManager(t, "")

	require.NoError(t, m.SetBackgroundFactor(0.2))
	assert.Equal(t, 0.2, m.Get().BackgroundVolumeFactor)
	assert.Equal(t, 0.2, m.GetViper().GetFloat64("background_volume_factor"))

	assert.Error(t, m.SetBackgroundFactor(1.2))
	assert.Error(t, m.SetBackgroundFactor(-0.1))
	assert.Equal(t, 0.2, m.Get().BackgroundVolumeFactor)
}

func TestSet(t *testing.T) {
	m := newTestManager(t, "")

	tests := []struct {
		key     string
		value   string
		wantErr bool
		check   func(t *testing.T, cfg *Config)
	}{
		{key: "server_port", value: "9090", check: func(t *testing.T, cfg *Config) {
			assert.Equal(t, 9090, cfg.ServerPort)
		}},
		{key: "log_level", value: "DEBUG", check: func(t *testing.T, cfg *Config) {
			assert.Equal(t, "debug", cfg.LogLevel)
		}},
		{key: "background_volume_factor", value: "0.3", check: func(t *testing.T, cfg *Config) {
			assert.Equal(t, 0.3, cfg.BackgroundVolumeFactor)
		}},
		{key: "excluded_identifiers", value: "Discord, obs,,", check: func(t *testing.T, cfg *Config) {
			assert.Equal(t, []string{"discord", "obs"}, cfg.ExcludedIdentifiers)
		}},
		{key: "foreground.poll_interval_ms", value: "250", check: func(t *testing.T, cfg *Config) {
			assert.Equal(t, 250*time.Millisecond, cfg.Foreground.PollInterval())
		}},
		{key: "server_port", value: "abc", wantErr: true},
		{key: "log_level", value: "loud", wantErr: true},
		{key: "foreground.backend", value: "wayland", wantErr: true},
		{key: "no_such_key", value: "1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			err := m.Set(tt.key, tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, m.Get())
		})
	}
}

func TestOnChange_FiresOnUpdate(t *testing.T) {
	m := newTestManager(t, "")

	var got []float64
	unsubscribe := m.OnChange(func(cfg *Config) {
		got = append(got, cfg.BackgroundVolumeFactor)
	})

	require.NoError(t, m.SetBackgroundFactor(0.4))
	unsubscribe()
	unsubscribe()
	require.NoError(t, m.SetBackgroundFactor(0.6))

	assert.Equal(t, []float64{0.4}, got)
}

func TestWatch_ReloadsExternalEdits(t *testing.T) {
	m := newTestManager(t, "")
	require.NoError(t, m.Watch())
	require.NoError(t, m.Watch())

	var (
		mu      sync.Mutex
		factors []float64
	)
	m.OnChange(func(cfg *Config) {
		mu.Lock()
		defer mu.Unlock()
		factors = append(factors, cfg.BackgroundVolumeFactor)
	})

	require.NoError(t, os.WriteFile(m.GetConfigPath(), []byte("background_volume_factor: 0.1\n"), 0644))

	assert.Eventually(t, func() bool {
		return m.Get().BackgroundVolumeFactor == 0.1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, factors)
	assert.Equal(t, 0.1, factors[len(factors)-1])
}

func TestWatch_KeepsPreviousOnInvalidEdit(t *testing.T) {
	m := newTestManager(t, "background_volume_factor: 0.3\n")
	require.NoError(t, m.Watch())

	require.NoError(t, os.WriteFile(m.GetConfigPath(), []byte("background_volume_factor: 7\n"), 0644))
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, 0.3, m.Get().BackgroundVolumeFactor)
}

func TestClose_Idempotent(t *testing.T) {
	m := newTestManager(t, "")
	require.NoError(t, m.Watch())
	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	cfg.ServerPort = 70000
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.Foreground.DebounceMS = -1
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.Audio.CommandTimeoutMS = -5
	assert.Error(t, cfg.Validate())
}

func TestOverride(t *testing.T) {
	m := newTestManager(t, "server_port: 8080\n")

	require.NoError(t, m.Override("server_port", 9999))
	assert.Equal(t, 9999, m.GetPort())

	data, err := os.ReadFile(m.GetConfigPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "8080")

	assert.Error(t, m.Override("log_level", "chatty"))
	assert.Equal(t, "info", m.GetLogLevel())
}

func TestUpdate_DoesNotPersistOverridesOrEnv(t *testing.T) {
	t.Setenv("FOCUSDUCKER_LOG_LEVEL", "debug")
	m := newTestManager(t, "server_port: 8080\n")

	require.NoError(t, m.Override("server_port", 9090))
	require.NoError(t, m.AddExcluded("discord"))

	assert.Equal(t, 9090, m.GetPort())
	assert.Equal(t, "debug", m.GetLogLevel())
	assert.Equal(t, []string{"discord"}, m.Get().ExcludedIdentifiers)

	data, err := os.ReadFile(m.GetConfigPath())
	require.NoError(t, err)
	var onDisk Config
	require.NoError(t, yaml.Unmarshal(data, &onDisk))
	assert.Equal(t, 8080, onDisk.ServerPort)
	assert.Equal(t, "info", onDisk.LogLevel)
	assert.Equal(t, []string{"discord"}, onDisk.ExcludedIdentifiers)

	fresh, err := NewManager(m.GetConfigPath())
	require.NoError(t, err)
	assert.Equal(t, 8080, fresh.GetPort())
}
