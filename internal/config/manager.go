package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/bryanchriswhite/FocusDucker/internal/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. FOCUSDUCKER_SERVER_PORT
const EnvPrefix = "FOCUSDUCKER"

type observer struct {
	id uint64
	fn func(*Config)
}

// Manager handles configuration
type Manager struct {
	configPath string
	v          *viper.Viper

	mu     sync.RWMutex
	// config is what the process runs with: file, environment and overrides
	config *Config
	// file is the file layer alone, the only thing ever written back
	file   *Config

	obsMu     sync.Mutex
	observers []observer
	nextID    uint64

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// DefaultConfigPath returns $HOME/.config/focusducker/config.yaml
func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "focusducker", "config.yaml"), nil
}

// NewManager loads configFile, or the default path when empty, creating it
// with defaults if it does not exist yet
func NewManager(configFile string) (*Manager, error) {
	actualConfigPath := configFile
	if actualConfigPath == "" {
		p, err := DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		actualConfigPath = p
	}

	if err := os.MkdirAll(filepath.Dir(actualConfigPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	m := &Manager{
		configPath: actualConfigPath,
		v:          newViper(actualConfigPath),
	}

	if _, err := os.Stat(m.configPath); errors.Is(err, os.ErrNotExist) {
		logger.WithComponent("config").Info().
			Str("path", m.configPath).
			Msg("Config file not found, creating new config")
		if err := m.writeFile(Defaults()); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	cfg, file, err := m.load()
	if err != nil {
		return nil, err
	}
	m.config = cfg
	m.file = file

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Float64("background_volume_factor", cfg.BackgroundVolumeFactor).
		Int("excluded", len(cfg.ExcludedIdentifiers)).
		Msg("Config loaded")

	return m, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := Defaults()
	v.SetDefault("background_volume_factor", d.BackgroundVolumeFactor)
	v.SetDefault("excluded_identifiers", d.ExcludedIdentifiers)
	v.SetDefault("restore_on_exit", d.RestoreOnExit)
	v.SetDefault("server_port", d.ServerPort)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("foreground.backend", d.Foreground.Backend)
	v.SetDefault("foreground.debounce_ms", d.Foreground.DebounceMS)
	v.SetDefault("foreground.poll_interval_ms", d.Foreground.PollIntervalMS)
	v.SetDefault("foreground.poll_error_interval_ms", d.Foreground.PollErrorIntervalMS)
	v.SetDefault("audio.created_delay_ms", d.Audio.CreatedDelayMS)
	v.SetDefault("audio.command_timeout_ms", d.Audio.CommandTimeoutMS)
	return v
}

// load re-reads the file through viper and validates the result. It returns
// the effective config and the file layer on its own.
func (m *Manager) load() (*Config, *Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := m.decodeLocked()
	if err != nil {
		return nil, nil, err
	}
	file, err := m.readFileLayer()
	if err != nil {
		return nil, nil, err
	}
	return cfg, file, nil
}

// readFileLayer decodes the file over the defaults without the environment
// or overrides
func (m *Manager) readFileLayer() (*Config, error) {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.ExcludedIdentifiers == nil {
		cfg.ExcludedIdentifiers = []string{}
	}
	return cfg, nil
}

func (m *Manager) decodeLocked() (*Config, error) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.ExcludedIdentifiers == nil {
		cfg.ExcludedIdentifiers = []string{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", m.configPath, err)
	}
	return &cfg, nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return Defaults()
	}
	return m.config.clone()
}

// GetViper exposes the underlying viper instance for key-based access
func (m *Manager) GetViper() *viper.Viper {
	return m.v
}

// Save writes the file layer to disk. Environment values and overrides are
// never persisted.
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := Defaults()
	if m.file != nil {
		cfg = m.file.clone()
	}
	m.mu.RUnlock()

	return m.writeFile(cfg)
}

func (m *Manager) writeFile(cfg *Config) error {
	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Saving config")

	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write then rename so a watcher never sees a half-written file
	tmp := m.configPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", tmp).
			Msg("Failed to write config")
		return err
	}
	if err := os.Rename(tmp, m.configPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace config: %w", err)
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config saved successfully")
	return nil
}

// update applies fn to a copy of the file layer, validates and saves it,
// then recomputes the effective config with the environment and overrides
// on top
func (m *Manager) update(fn func(cfg *Config) error) error {
	m.mu.Lock()
	file := Defaults()
	if m.file != nil {
		file = m.file.clone()
	}
	if err := fn(file); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := file.Validate(); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := m.writeFile(file); err != nil {
		m.mu.Unlock()
		return err
	}
	m.file = file

	if err := m.v.ReadInConfig(); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to re-read config after save: %w", err)
	}
	cfg, err := m.decodeLocked()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.config = cfg
	m.mu.Unlock()

	m.notify(cfg.clone())
	return nil
}

// Set parses value according to key's type and persists it
func (m *Manager) Set(key, value string) error {
	key = strings.ToLower(strings.TrimSpace(key))

	m.mu.Lock()
	known := m.v.IsSet(key)
	m.mu.Unlock()
	if !known {
		return fmt.Errorf("configuration key not found: %s", key)
	}

	return m.update(func(cfg *Config) error {
		return setField(cfg, key, value)
	})
}

// Override sets key for this process without writing it to disk. It wins
// over the file and the environment, including across reloads.
func (m *Manager) Override(key string, value interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous := m.v.Get(key)
	m.v.Set(key, value)
	cfg, err := m.decodeLocked()
	if err != nil {
		m.v.Set(key, previous)
		return err
	}
	m.config = cfg
	return nil
}

// SetBackgroundFactor sets background_volume_factor
func (m *Manager) SetBackgroundFactor(factor float64) error {
	return m.update(func(cfg *Config) error {
		cfg.BackgroundVolumeFactor = factor
		return nil
	})
}

// AddExcluded adds an identifier to the exclusion list. Identifiers are
// compared case-insensitively and stored lowercase.
func (m *Manager) AddExcluded(identifier string) error {
	normalized := normalizeIdentifier(identifier)
	if normalized == "" {
		return fmt.Errorf("identifier must not be empty")
	}

	if m.IsExcluded(normalized) {
		logger.WithComponent("config").Debug().
			Str("identifier", normalized).
			Msg("Identifier already excluded, skipping")
		return nil
	}

	if err := m.update(func(cfg *Config) error {
		cfg.ExcludedIdentifiers = append(cfg.ExcludedIdentifiers, normalized)
		return nil
	}); err != nil {
		return err
	}

	logger.WithComponent("config").Info().
		Str("identifier", normalized).
		Msg("Added identifier to exclusion list")
	return nil
}

// RemoveExcluded removes an identifier from the exclusion list
func (m *Manager) RemoveExcluded(identifier string) error {
	normalized := normalizeIdentifier(identifier)

	if !m.IsExcluded(normalized) {
		return fmt.Errorf("identifier not excluded: %s", identifier)
	}

	return m.update(func(cfg *Config) error {
		filtered := make([]string, 0, len(cfg.ExcludedIdentifiers))
		for _, id := range cfg.ExcludedIdentifiers {
			if normalizeIdentifier(id) != normalized {
				filtered = append(filtered, id)
			}
		}
		cfg.ExcludedIdentifiers = filtered
		return nil
	})
}

// IsExcluded checks if an identifier is on the exclusion list
func (m *Manager) IsExcluded(identifier string) bool {
	normalized := normalizeIdentifier(identifier)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return false
	}
	for _, id := range m.config.ExcludedIdentifiers {
		if normalizeIdentifier(id) == normalized {
			return true
		}
	}
	return false
}

// GetPort gets the server port
func (m *Manager) GetPort() int {
	return m.Get().ServerPort
}

// GetLogLevel gets the log level
func (m *Manager) GetLogLevel() string {
	return m.Get().LogLevel
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetConfigDir returns the config directory path
func (m *Manager) GetConfigDir() string {
	return filepath.Dir(m.configPath)
}

// OnChange registers fn to receive the new configuration whenever it
// changes, whether through this Manager or an edit on disk
func (m *Manager) OnChange(fn func(*Config)) func() {
	m.obsMu.Lock()
	id := m.nextID
	m.nextID++
	m.observers = append(m.observers, observer{id: id, fn: fn})
	m.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.obsMu.Lock()
			defer m.obsMu.Unlock()
			for i, o := range m.observers {
				if o.id == id {
					m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
					break
				}
			}
		})
	}
}

func (m *Manager) notify(cfg *Config) {
	m.obsMu.Lock()
	observers := make([]observer, len(m.observers))
	copy(observers, m.observers)
	m.obsMu.Unlock()

	for _, o := range observers {
		o.fn(cfg.clone())
	}
}

// reload re-reads the file after an external edit. Invalid edits are logged
// and the previous configuration is kept.
func (m *Manager) reload() {
	log := logger.WithComponent("config")

	// Truncation shows up as a write of its own
	if fi, err := os.Stat(m.configPath); err != nil || fi.Size() == 0 {
		return
	}

	cfg, file, err := m.load()
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring config change")
		return
	}

	m.mu.Lock()
	changed := m.config == nil || !reflect.DeepEqual(m.config, cfg)
	m.config = cfg
	m.file = file
	m.mu.Unlock()

	if !changed {
		return
	}

	log.Info().Str("path", m.configPath).Msg("Config reloaded")
	m.notify(cfg)
}

func normalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

func setField(cfg *Config, key, value string) error {
	var err error
	switch key {
	case "background_volume_factor":
		_, err = fmt.Sscanf(value, "%g", &cfg.BackgroundVolumeFactor)
	case "excluded_identifiers":
		cfg.ExcludedIdentifiers = []string{}
		for _, id := range strings.Split(value, ",") {
			if id = normalizeIdentifier(id); id != "" {
				cfg.ExcludedIdentifiers = append(cfg.ExcludedIdentifiers, id)
			}
		}
	case "restore_on_exit":
		_, err = fmt.Sscanf(value, "%t", &cfg.RestoreOnExit)
	case "server_port":
		_, err = fmt.Sscanf(value, "%d", &cfg.ServerPort)
	case "log_level":
		cfg.LogLevel = strings.ToLower(value)
	case "foreground.backend":
		cfg.Foreground.Backend = strings.ToLower(value)
	case "foreground.debounce_ms":
		_, err = fmt.Sscanf(value, "%d", &cfg.Foreground.DebounceMS)
	case "foreground.poll_interval_ms":
		_, err = fmt.Sscanf(value, "%d", &cfg.Foreground.PollIntervalMS)
	case "foreground.poll_error_interval_ms":
		_, err = fmt.Sscanf(value, "%d", &cfg.Foreground.PollErrorIntervalMS)
	case "audio.created_delay_ms":
		_, err = fmt.Sscanf(value, "%d", &cfg.Audio.CreatedDelayMS)
	case "audio.command_timeout_ms":
		_, err = fmt.Sscanf(value, "%d", &cfg.Audio.CommandTimeoutMS)
	default:
		return fmt.Errorf("configuration key cannot be set: %s", key)
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %s", key, value)
	}
	return nil
}
