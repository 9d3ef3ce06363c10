// Package config handles configuration management using Viper
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the daemon configuration
type Config struct {
	Socket    SocketConfig    `mapstructure:"socket"`
	Control   ControlConfig   `mapstructure:"control"`
	Store     StoreConfig     `mapstructure:"store"`
	Wallpaper WallpaperConfig `mapstructure:"wallpaper"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`

	// Outputs advertised as wl_output globals at start
	Outputs []OutputConfig `mapstructure:"outputs"`
}

// SocketConfig controls the client-facing Wayland socket
type SocketConfig struct {
	Name            string `mapstructure:"name"` // Empty means auto-discover wayland-N
	FreezeOnDisable bool   `mapstructure:"freeze_on_disable"`
	Backlog         int    `mapstructure:"backlog"`
}

// ControlConfig controls the local CLI control socket
type ControlConfig struct {
	SocketPath string `mapstructure:"socket_path"` // Empty means $XDG_RUNTIME_DIR/treelandd.sock
}

// StoreConfig controls settings persistence
type StoreConfig struct {
	Path    string `mapstructure:"path"`
	Workers int    `mapstructure:"workers"`
}

// WallpaperConfig controls where committed wallpapers are cached
type WallpaperConfig struct {
	CacheDir string `mapstructure:"cache_dir"`
}

// MetricsConfig controls the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	LogLevel string `mapstructure:"log_level"` // Override LOG_LEVEL env var
}

// OutputConfig describes one statically configured output
type OutputConfig struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	Width       int32  `mapstructure:"width"`
	Height      int32  `mapstructure:"height"`
	Primary     bool   `mapstructure:"primary"`
}

var (
	// DefaultConfig provides sensible defaults
	DefaultConfig = Config{
		Socket: SocketConfig{
			Name:            "",
			FreezeOnDisable: true,
			Backlog:         128,
		},
		Control: ControlConfig{
			SocketPath: "",
		},
		Store: StoreConfig{
			Path:    filepath.Join(dataHome(), "treeland", "settings.db"),
			Workers: 2,
		},
		Wallpaper: WallpaperConfig{
			CacheDir: filepath.Join(cacheHome(), "treeland", "wallpaper"),
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9464",
		},
		Logging: LoggingConfig{
			LogLevel: "",
		},
		Outputs: []OutputConfig{},
	}

	// Global config instance
	cfg *Config

	// Override config path if set
	configPathOverride string
)

// SetConfigPath allows overriding the config path
func SetConfigPath(path string) {
	configPathOverride = path
}

// Init initializes the configuration system
func Init() error {
	viper.SetConfigName("treeland")
	viper.SetConfigType("toml")

	if configPathOverride != "" {
		viper.SetConfigFile(configPathOverride)
	} else {
		viper.AddConfigPath("/etc/treeland")
		viper.AddConfigPath(filepath.Join(configHome(), "treeland"))
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("TREELAND")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set defaults - need to set individual fields for proper merging
	viper.SetDefault("socket.name", DefaultConfig.Socket.Name)
	viper.SetDefault("socket.freeze_on_disable", DefaultConfig.Socket.FreezeOnDisable)
	viper.SetDefault("socket.backlog", DefaultConfig.Socket.Backlog)

	viper.SetDefault("control.socket_path", DefaultConfig.Control.SocketPath)

	viper.SetDefault("store.path", DefaultConfig.Store.Path)
	viper.SetDefault("store.workers", DefaultConfig.Store.Workers)

	viper.SetDefault("wallpaper.cache_dir", DefaultConfig.Wallpaper.CacheDir)

	viper.SetDefault("metrics.enabled", DefaultConfig.Metrics.Enabled)
	viper.SetDefault("metrics.address", DefaultConfig.Metrics.Address)

	viper.SetDefault("logging.log_level", DefaultConfig.Logging.LogLevel)

	viper.SetDefault("outputs", DefaultConfig.Outputs)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found, use defaults
	}

	cfg = &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("unable to unmarshal config: %w", err)
	}

	return nil
}

// Get returns the current configuration
func Get() *Config {
	if cfg == nil {
		// Return defaults if not initialized
		c := DefaultConfig
		return &c
	}
	return cfg
}

// Set sets the current configuration (for testing)
func Set(c *Config) {
	cfg = c
}

// Save writes the current configuration to file
func Save() error {
	configPath := GetConfigPath()

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		if os.IsPermission(err) && strings.HasPrefix(configPath, "/etc/") {
			return fmt.Errorf("failed to create config directory %s: permission denied. Try running with sudo", dir)
		}
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := viper.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// GetConfigPath returns the path to the config file
func GetConfigPath() string {
	if configPathOverride != "" {
		return configPathOverride
	}

	if viper.ConfigFileUsed() != "" {
		return viper.ConfigFileUsed()
	}

	if os.Getuid() == 0 {
		return "/etc/treeland/treeland.toml"
	}

	return filepath.Join(configHome(), "treeland", "treeland.toml")
}

// RuntimeDir returns $XDG_RUNTIME_DIR, or an error if it is unset or relative.
func RuntimeDir() (string, error) {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		return "", fmt.Errorf("XDG_RUNTIME_DIR is not set")
	}
	if !filepath.IsAbs(dir) {
		return "", fmt.Errorf("XDG_RUNTIME_DIR is not absolute: %s", dir)
	}
	return dir, nil
}

// ControlSocketPath resolves the control socket location.
func (c *Config) ControlSocketPath() (string, error) {
	if c.Control.SocketPath != "" {
		return c.Control.SocketPath, nil
	}
	dir, err := RuntimeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "treelandd.sock"), nil
}

// PrimaryOutput returns the configured primary output name, or the first
// output if none is marked.
func (c *Config) PrimaryOutput() string {
	for _, o := range c.Outputs {
		if o.Primary {
			return o.Name
		}
	}
	if len(c.Outputs) > 0 {
		return c.Outputs[0].Name
	}
	return ""
}

func configHome() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return dir
	}
	return filepath.Join(homeDir(), ".config")
}

func dataHome() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir
	}
	return filepath.Join(homeDir(), ".local", "share")
}

func cacheHome() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return dir
	}
	return filepath.Join(homeDir(), ".cache")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.TempDir()
	}
	return home
}
