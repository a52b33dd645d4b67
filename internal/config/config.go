package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/banshee-data/opi.server/internal/opi"
	"github.com/banshee-data/opi.server/internal/serialmux"
	"github.com/banshee-data/opi.server/internal/telemetry"
)

// Defaults used when a field is absent from the config file.
const (
	DefaultListenPort = 50001
	DefaultAdminAddr  = "localhost:8081"
	DefaultDBPath     = "opi_journal.db"
)

// ServerConfig is the JSON configuration of the OPI server. Every field is
// optional; the Get* methods supply defaults for anything left out, so a
// partial file is safe. Command-line flags override file values.
type ServerConfig struct {
	// Listener
	ListenHost      *string `json:"listen_host,omitempty"`
	ListenPort      *int    `json:"listen_port,omitempty"`
	IdleTimeout     *string `json:"idle_timeout,omitempty"` // duration string; empty disables
	StrictFields    *bool   `json:"strict_fields,omitempty"`
	MaxFrameBytes   *int    `json:"max_frame_bytes,omitempty"`
	ShutdownTimeout *string `json:"shutdown_timeout,omitempty"`

	// Side channels
	AdminAddr *string `json:"admin_addr,omitempty"`
	DBPath    *string `json:"db_path,omitempty"`

	Telemetry *TelemetryConfig `json:"telemetry,omitempty"`
	Serial    *SerialConfig    `json:"serial,omitempty"`
}

// TelemetryConfig tunes the pupil telemetry pipeline.
type TelemetryConfig struct {
	WindowSize    *int    `json:"window_size,omitempty"`
	Cadence       *string `json:"cadence,omitempty"` // "0s" requests on demand only
	QueueCapacity *int    `json:"queue_capacity,omitempty"`
	PollAttempts  *int    `json:"poll_attempts,omitempty"`
	PollInterval  *string `json:"poll_interval,omitempty"`
	Staleness     *string `json:"staleness,omitempty"`
	// SyntheticCamera attaches a SyntheticDetector to machines that can
	// track, for bench testing without a camera.
	SyntheticCamera *bool `json:"synthetic_camera,omitempty"`
}

// SerialConfig configures the serial perimeters.
type SerialConfig struct {
	// Ports maps a machine name (O900, Compass) to its device path.
	Ports    map[string]string `json:"ports,omitempty"`
	BaudRate *int              `json:"baud_rate,omitempty"`
	Timeout  *string           `json:"timeout,omitempty"`
}

func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }
func ptrBool(v bool) *bool       { return &v }

// Empty returns a config with every field unset.
func Empty() *ServerConfig {
	return &ServerConfig{}
}

// Load reads a ServerConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func Load(path string) (*ServerConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func checkDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must be non-negative, got %s", name, *v)
	}
	return nil
}

// Validate checks that the configuration values are usable.
func (c *ServerConfig) Validate() error {
	if c.ListenPort != nil && (*c.ListenPort < 0 || *c.ListenPort > 65535) {
		return fmt.Errorf("listen_port must be between 0 and 65535, got %d", *c.ListenPort)
	}
	if c.MaxFrameBytes != nil && *c.MaxFrameBytes < 64 {
		return fmt.Errorf("max_frame_bytes must be at least 64, got %d", *c.MaxFrameBytes)
	}
	if err := checkDuration("idle_timeout", c.IdleTimeout); err != nil {
		return err
	}
	if err := checkDuration("shutdown_timeout", c.ShutdownTimeout); err != nil {
		return err
	}

	if t := c.Telemetry; t != nil {
		if t.WindowSize != nil && *t.WindowSize < 1 {
			return fmt.Errorf("telemetry.window_size must be positive, got %d", *t.WindowSize)
		}
		if t.QueueCapacity != nil && *t.QueueCapacity < 1 {
			return fmt.Errorf("telemetry.queue_capacity must be positive, got %d", *t.QueueCapacity)
		}
		if t.PollAttempts != nil && *t.PollAttempts < 1 {
			return fmt.Errorf("telemetry.poll_attempts must be positive, got %d", *t.PollAttempts)
		}
		if err := checkDuration("telemetry.cadence", t.Cadence); err != nil {
			return err
		}
		if err := checkDuration("telemetry.poll_interval", t.PollInterval); err != nil {
			return err
		}
		if err := checkDuration("telemetry.staleness", t.Staleness); err != nil {
			return err
		}
	}

	if s := c.Serial; s != nil {
		for _, name := range slices.Sorted(maps.Keys(s.Ports)) {
			v, ok := opi.ParseVariant(name)
			if !ok || (v != opi.O900 && v != opi.Compass) {
				return fmt.Errorf("serial.ports: %q is not a serial machine (want O900 or Compass)", name)
			}
		}
		if s.BaudRate != nil {
			if _, err := (serialmux.PortOptions{BaudRate: *s.BaudRate}).Normalize(); err != nil {
				return fmt.Errorf("serial.baud_rate: %w", err)
			}
		}
		if err := checkDuration("serial.timeout", s.Timeout); err != nil {
			return err
		}
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetListenHost returns the bind host; empty binds every interface.
func (c *ServerConfig) GetListenHost() string {
	if c.ListenHost == nil {
		return ""
	}
	return *c.ListenHost
}

// GetListenPort returns the OPI port. Zero asks for an ephemeral port.
func (c *ServerConfig) GetListenPort() int {
	if c.ListenPort == nil {
		return DefaultListenPort
	}
	return *c.ListenPort
}

// GetIdleTimeout returns the per-read idle timeout, zero meaning none.
func (c *ServerConfig) GetIdleTimeout() time.Duration {
	return durationOr(c.IdleTimeout, 0)
}

// GetFieldPolicy maps strict_fields onto the validator's policy.
func (c *ServerConfig) GetFieldPolicy() opi.FieldPolicy {
	if c.StrictFields != nil && *c.StrictFields {
		return opi.RejectUnexpected
	}
	return opi.IgnoreUnexpected
}

// GetMaxFrameBytes returns the longest accepted request line.
func (c *ServerConfig) GetMaxFrameBytes() int {
	if c.MaxFrameBytes == nil {
		return opi.DefaultMaxFrameBytes
	}
	return *c.MaxFrameBytes
}

// GetShutdownTimeout returns how long shutdown waits for busy sessions.
func (c *ServerConfig) GetShutdownTimeout() time.Duration {
	return durationOr(c.ShutdownTimeout, opi.DefaultShutdownTimeout)
}

// GetAdminAddr returns the admin HTTP address; empty disables it.
func (c *ServerConfig) GetAdminAddr() string {
	if c.AdminAddr == nil {
		return DefaultAdminAddr
	}
	return *c.AdminAddr
}

// GetDBPath returns the journal path; empty disables the journal.
func (c *ServerConfig) GetDBPath() string {
	if c.DBPath == nil {
		return DefaultDBPath
	}
	return *c.DBPath
}

// GetSyntheticCamera reports whether tracking machines get a synthetic
// detector.
func (c *ServerConfig) GetSyntheticCamera() bool {
	if c.Telemetry == nil || c.Telemetry.SyntheticCamera == nil {
		return false
	}
	return *c.Telemetry.SyntheticCamera
}

// GetTelemetry builds the pipeline configuration. Unset fields keep the
// pipeline defaults.
func (c *ServerConfig) GetTelemetry() telemetry.Config {
	cfg := telemetry.DefaultConfig()
	t := c.Telemetry
	if t == nil {
		return cfg
	}
	if t.WindowSize != nil {
		cfg.WindowSize = *t.WindowSize
	}
	if t.QueueCapacity != nil {
		cfg.QueueCapacity = *t.QueueCapacity
	}
	if t.PollAttempts != nil {
		cfg.PollAttempts = *t.PollAttempts
	}
	cfg.Cadence = durationOr(t.Cadence, cfg.Cadence)
	cfg.PollInterval = durationOr(t.PollInterval, cfg.PollInterval)
	cfg.Staleness = durationOr(t.Staleness, cfg.Staleness)
	return cfg
}

// GetSerialPaths returns the configured port path per serial machine.
func (c *ServerConfig) GetSerialPaths() map[opi.Variant]string {
	out := make(map[opi.Variant]string)
	if c.Serial == nil {
		return out
	}
	for name, path := range c.Serial.Ports {
		if v, ok := opi.ParseVariant(name); ok && path != "" {
			out[v] = path
		}
	}
	return out
}

// GetSerialOptions returns the port settings shared by every perimeter.
func (c *ServerConfig) GetSerialOptions() serialmux.PortOptions {
	opts := serialmux.PortOptions{BaudRate: serialmux.DefaultBaudRate}
	if c.Serial != nil && c.Serial.BaudRate != nil {
		opts.BaudRate = *c.Serial.BaudRate
	}
	return opts
}

// GetSerialTimeout returns the request/reply timeout for perimeters.
func (c *ServerConfig) GetSerialTimeout() time.Duration {
	if c.Serial == nil {
		return 3 * time.Second
	}
	return durationOr(c.Serial.Timeout, 3*time.Second)
}
