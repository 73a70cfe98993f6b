// Package config loads the bridge configuration using Viper. Values come from
// defaults, an optional YAML/JSON file and AIRCAST_ prefixed environment
// variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultReceiverPortBase  = 5000
	defaultStreamPortBase    = 7000
	defaultStreamPath        = "stream.wav"
	defaultBufferBytes       = 1 << 20
	defaultChunkSize         = 4096
	defaultStreamPoll        = 10 * time.Millisecond
	defaultSupervisorPoll    = 5 * time.Second
	defaultStopTimeout       = 5 * time.Second
	defaultBackoffInitial    = time.Second
	defaultBackoffMax        = time.Minute
	defaultBackoffReset      = 30 * time.Second
	defaultSessionTimeout    = 20
	defaultControlTimeout    = 10 * time.Second
	defaultControlRate       = 5.0
	defaultControlBurst      = 5
	defaultHTTPAddr          = ":8099"
	defaultControlPlaneURL   = "http://supervisor/core/api"
	defaultControlPlaneToken = "SUPERVISOR_TOKEN"
)

// Restart policies accepted by supervisor.restart_policy.
const (
	RestartBackoff   = "backoff"
	RestartImmediate = "immediate"
)

// Config holds all configuration for the bridge.
type Config struct {
	Enabled      bool               `mapstructure:"enabled"`
	PipeDir      string             `mapstructure:"pipe_dir"`
	StateDir     string             `mapstructure:"state_dir"`
	InboxDir     string             `mapstructure:"inbox_dir"`
	Devices      []DeviceConfig     `mapstructure:"devices"`
	Receiver     ReceiverConfig     `mapstructure:"receiver"`
	Transcoder   TranscoderConfig   `mapstructure:"transcoder"`
	Stream       StreamConfig       `mapstructure:"stream"`
	Supervisor   SupervisorConfig   `mapstructure:"supervisor"`
	ControlPlane ControlPlaneConfig `mapstructure:"control_plane"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Zeroconf     ZeroconfConfig     `mapstructure:"zeroconf"`
	Maintenance  MaintenanceConfig  `mapstructure:"maintenance"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// DeviceConfig is one entry of the static device list. Zero ports and an
// empty pipe path are filled in by Devices.
type DeviceConfig struct {
	ID           string `mapstructure:"id"`
	Name         string `mapstructure:"name"`
	ReceiverPort int    `mapstructure:"receiver_port"`
	StreamPort   int    `mapstructure:"stream_port"`
	PipePath     string `mapstructure:"pipe_path"`
}

// ReceiverConfig controls the shairport-sync instances.
type ReceiverConfig struct {
	Binary         string   `mapstructure:"binary"`
	Args           []string `mapstructure:"args"` // {config} is the generated config file
	PortBase       int      `mapstructure:"port_base"`
	ConfigDir      string   `mapstructure:"config_dir"`
	SessionTimeout int      `mapstructure:"session_timeout"` // seconds
	Interpolation  string   `mapstructure:"interpolation"`
	HookCommand    string   `mapstructure:"hook_command"` // empty = this executable
	Metadata       bool     `mapstructure:"metadata"`
}

// TranscoderConfig describes the external transcoder. Args may contain the
// placeholder {pipe}, replaced by the session's pipe path.
type TranscoderConfig struct {
	Binary string   `mapstructure:"binary"`
	Args   []string `mapstructure:"args"`
	Format string   `mapstructure:"format"` // wav, mp3, flac, aac
}

// StreamConfig controls the per-device HTTP stream listeners.
type StreamConfig struct {
	BindHost      string        `mapstructure:"bind_host"`
	PortBase      int           `mapstructure:"port_base"`
	Path          string        `mapstructure:"path"`
	AdvertiseHost string        `mapstructure:"advertise_host"`
	BufferBytes   int           `mapstructure:"buffer_bytes"`
	ChunkSize     int           `mapstructure:"chunk_size"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
}

// SupervisorConfig controls receiver supervision.
type SupervisorConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
	RestartPolicy  string        `mapstructure:"restart_policy"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	BackoffReset   time.Duration `mapstructure:"backoff_reset"`
}

// ControlPlaneConfig holds Home Assistant API settings.
type ControlPlaneConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	TokenEnv      string        `mapstructure:"token_env"`
	EnvFile       string        `mapstructure:"env_file"`
	Timeout       time.Duration `mapstructure:"timeout"`
	BypassProxy   bool          `mapstructure:"bypass_proxy"`
	RateLimit     float64       `mapstructure:"rate_limit"` // requests per second
	Burst         int           `mapstructure:"burst"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryInitial  time.Duration `mapstructure:"retry_initial"`
}

// HTTPConfig holds the status API listener settings.
type HTTPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	KeysFile string `mapstructure:"keys_file"` // empty = no authentication
}

// ZeroconfConfig controls the mDNS advertisement of the status API.
type ZeroconfConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Name    string `mapstructure:"name"`
}

// MaintenanceConfig controls background housekeeping.
type MaintenanceConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"` // control-plane probe period, 0 disables
	Retention     time.Duration `mapstructure:"retention"`      // age after which stale spool files are pruned
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

// FlagKeys maps command-line flag names to the configuration keys they
// override.
var FlagKeys = map[string]string{
	"http-addr":      "http.addr",
	"inbox-dir":      "inbox_dir",
	"state-dir":      "state_dir",
	"pipe-dir":       "pipe_dir",
	"advertise-host": "stream.advertise_host",
	"log-level":      "logging.level",
	"log-format":     "logging.format",
}

// Load reads configuration from file and environment variables.
// Environment variables are prefixed with AIRCAST_ and use underscores for
// nesting, e.g. AIRCAST_STREAM_PORT_BASE=7100.
func Load(configPath string) (*Config, error) {
	return LoadWithFlags(configPath, nil)
}

// LoadWithFlags is Load with flags from FlagKeys taking precedence over every
// other source when they were set on the command line.
func LoadWithFlags(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if flags != nil {
		for name, key := range FlagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("binding flag %s: %w", name, err)
			}
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("aircast")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/aircast")
		v.AddConfigPath("/data")
	}

	v.SetEnvPrefix("AIRCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// Add-on option files name the switch esphome_enabled.
	if v.InConfig("esphome_enabled") && !v.InConfig("enabled") {
		if _, ok := os.LookupEnv("AIRCAST_ENABLED"); !ok {
			v.Set("enabled", v.GetBool("esphome_enabled"))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.ControlPlane.EnvFile != "" {
		if err := LoadEnvFile(cfg.ControlPlane.EnvFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("enabled", true)
	v.SetDefault("pipe_dir", os.TempDir())
	v.SetDefault("state_dir", os.TempDir())
	v.SetDefault("inbox_dir", filepath.Join(os.TempDir(), "aircast-inbox"))

	v.SetDefault("receiver.binary", "shairport-sync")
	v.SetDefault("receiver.args", []string{"-c", "{config}"})
	v.SetDefault("receiver.port_base", defaultReceiverPortBase)
	v.SetDefault("receiver.config_dir", filepath.Join(os.TempDir(), "aircast-receivers"))
	v.SetDefault("receiver.session_timeout", defaultSessionTimeout)
	v.SetDefault("receiver.interpolation", "soxr")
	v.SetDefault("receiver.hook_command", "")
	v.SetDefault("receiver.metadata", true)

	v.SetDefault("transcoder.binary", "ffmpeg")
	v.SetDefault("transcoder.args", DefaultTranscoderArgs())
	v.SetDefault("transcoder.format", "wav")

	v.SetDefault("stream.bind_host", "0.0.0.0")
	v.SetDefault("stream.port_base", defaultStreamPortBase)
	v.SetDefault("stream.path", defaultStreamPath)
	v.SetDefault("stream.advertise_host", "")
	v.SetDefault("stream.buffer_bytes", defaultBufferBytes)
	v.SetDefault("stream.chunk_size", defaultChunkSize)
	v.SetDefault("stream.poll_interval", defaultStreamPoll)

	v.SetDefault("supervisor.poll_interval", defaultSupervisorPoll)
	v.SetDefault("supervisor.stop_timeout", defaultStopTimeout)
	v.SetDefault("supervisor.restart_policy", RestartBackoff)
	v.SetDefault("supervisor.backoff_initial", defaultBackoffInitial)
	v.SetDefault("supervisor.backoff_max", defaultBackoffMax)
	v.SetDefault("supervisor.backoff_reset", defaultBackoffReset)

	v.SetDefault("control_plane.base_url", defaultControlPlaneURL)
	v.SetDefault("control_plane.token_env", defaultControlPlaneToken)
	v.SetDefault("control_plane.env_file", "")
	v.SetDefault("control_plane.timeout", defaultControlTimeout)
	v.SetDefault("control_plane.bypass_proxy", false)
	v.SetDefault("control_plane.rate_limit", defaultControlRate)
	v.SetDefault("control_plane.burst", defaultControlBurst)
	v.SetDefault("control_plane.retry_attempts", 0)
	v.SetDefault("control_plane.retry_initial", 500*time.Millisecond)

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", defaultHTTPAddr)
	v.SetDefault("http.keys_file", "")

	v.SetDefault("zeroconf.enabled", true)
	v.SetDefault("zeroconf.name", "aircast")

	v.SetDefault("maintenance.check_interval", 5*time.Minute)
	v.SetDefault("maintenance.retention", 24*time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// DefaultTranscoderArgs reads raw 44.1kHz stereo PCM from the pipe and writes
// WAV to stdout.
func DefaultTranscoderArgs() []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "s16le", "-ar", "44100", "-ac", "2",
		"-i", PipePlaceholder,
		"-f", "wav", "pipe:1",
	}
}

// PipePlaceholder is substituted with the session pipe path in transcoder args.
const PipePlaceholder = "{pipe}"

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535

	if c.Receiver.PortBase < 1 || c.Receiver.PortBase > maxPort {
		return fmt.Errorf("receiver.port_base must be between 1 and %d", maxPort)
	}
	if c.Stream.PortBase < 1 || c.Stream.PortBase > maxPort {
		return fmt.Errorf("stream.port_base must be between 1 and %d", maxPort)
	}
	if c.Receiver.Binary == "" {
		return errors.New("receiver.binary is required")
	}
	if c.Transcoder.Binary == "" {
		return errors.New("transcoder.binary is required")
	}
	if _, ok := ContentTypes[c.Transcoder.Format]; !ok {
		return fmt.Errorf("transcoder.format must be one of: wav, mp3, flac, aac")
	}
	if strings.Trim(c.Stream.Path, "/") == "" {
		return errors.New("stream.path is required")
	}
	if c.Stream.BufferBytes < 1 {
		return errors.New("stream.buffer_bytes must be positive")
	}
	if c.Stream.ChunkSize < 1 {
		return errors.New("stream.chunk_size must be positive")
	}
	if c.Stream.PollInterval <= 0 {
		return errors.New("stream.poll_interval must be positive")
	}
	if c.Supervisor.PollInterval <= 0 {
		return errors.New("supervisor.poll_interval must be positive")
	}
	switch c.Supervisor.RestartPolicy {
	case RestartBackoff, RestartImmediate:
	default:
		return fmt.Errorf("supervisor.restart_policy must be one of: backoff, immediate")
	}
	if c.ControlPlane.Timeout <= 0 {
		return errors.New("control_plane.timeout must be positive")
	}
	if c.ControlPlane.RetryAttempts < 0 {
		return errors.New("control_plane.retry_attempts must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.ID == "" {
			return fmt.Errorf("devices[%d].id is required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate device id %q", d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}

// ContentTypes maps transcoder output formats to HTTP content types.
var ContentTypes = map[string]string{
	"wav":  "audio/wav",
	"mp3":  "audio/mpeg",
	"flac": "audio/flac",
	"aac":  "audio/aac",
}

// ContentType returns the HTTP content type of the transcoder output.
func (c *TranscoderConfig) ContentType() string {
	if ct, ok := ContentTypes[c.Format]; ok {
		return ct
	}
	return "audio/wav"
}

// URLPath returns the stream path with a leading slash.
func (c *StreamConfig) URLPath() string {
	return "/" + strings.Trim(c.Path, "/")
}
