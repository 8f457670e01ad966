package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/teleop.link/internal/fsutil"
	"github.com/banshee-data/teleop.link/internal/serialmux"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/teleop.defaults.json"

// Actuator kinds.
const (
	ActuatorSerial   = "serial"
	ActuatorUDP      = "udp"
	ActuatorDisabled = "disabled"
)

// Config is the root startup configuration. Every field is optional: the
// Get* accessors supply defaults for anything left out, so a partial file is
// safe.
type Config struct {
	// DeviceLabel names this unit in logs and the admin API.
	DeviceLabel *string `json:"device_label,omitempty"`

	ListenAddress    *string `json:"listen_address,omitempty"`
	UDPPort          *int    `json:"udp_port,omitempty"`
	MaxDatagramBytes *int    `json:"max_datagram_bytes,omitempty"`

	// Durations are strings like "100ms" or "3s".
	PollInterval       *string `json:"poll_interval,omitempty"`
	SessionTimeout     *string `json:"session_timeout,omitempty"`
	MotorFailsafe      *string `json:"motor_failsafe,omitempty"`
	DisplayTakeTimeout *string `json:"display_take_timeout,omitempty"`

	Actuator *ActuatorConfig `json:"actuator,omitempty"`

	AdminListen *string `json:"admin_listen,omitempty"`
	DBPath      *string `json:"db_path,omitempty"`
	LogFile     *string `json:"log_file,omitempty"`
}

// ActuatorConfig selects and configures the downstream frame sink.
type ActuatorConfig struct {
	Kind       *string `json:"kind,omitempty"`
	Port       *string `json:"port,omitempty"`
	BaudRate   *int    `json:"baud_rate,omitempty"`
	DataBits   *int    `json:"data_bits,omitempty"`
	StopBits   *int    `json:"stop_bits,omitempty"`
	Parity     *string `json:"parity,omitempty"`
	UDPAddress *string `json:"udp_address,omitempty"`
}

// LoadConfig reads a Config from a JSON file. The file must have a .json
// extension and be under 1MB.
func LoadConfig(path string) (*Config, error) {
	return LoadConfigFS(fsutil.OSFileSystem{}, path)
}

// LoadConfigFS is LoadConfig over an arbitrary filesystem.
func LoadConfigFS(fsys fsutil.FileSystem, path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := fsys.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := fsys.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks every field that is set.
func (c *Config) Validate() error {
	if c.UDPPort != nil && (*c.UDPPort <= 0 || *c.UDPPort > 65535) {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", *c.UDPPort)
	}
	if c.MaxDatagramBytes != nil && (*c.MaxDatagramBytes < 16 || *c.MaxDatagramBytes > 65507) {
		return fmt.Errorf("max_datagram_bytes must be between 16 and 65507, got %d", *c.MaxDatagramBytes)
	}

	for name, v := range map[string]*string{
		"poll_interval":        c.PollInterval,
		"session_timeout":      c.SessionTimeout,
		"motor_failsafe":       c.MotorFailsafe,
		"display_take_timeout": c.DisplayTakeTimeout,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	// The watchdog runs once per poll, so a poll longer than the timeout
	// would let a silent owner keep the lock.
	if c.GetPollInterval() >= c.GetSessionTimeout() {
		return fmt.Errorf("poll_interval (%s) must be shorter than session_timeout (%s)",
			c.GetPollInterval(), c.GetSessionTimeout())
	}
	// A neutral frame must reach the actuator before the session times out.
	if c.GetMotorFailsafe() >= c.GetSessionTimeout() {
		return fmt.Errorf("motor_failsafe (%s) must be shorter than session_timeout (%s)",
			c.GetMotorFailsafe(), c.GetSessionTimeout())
	}

	if c.Actuator != nil {
		switch c.GetActuatorKind() {
		case ActuatorSerial:
			if _, err := c.GetSerialOptions().Normalise(); err != nil {
				return fmt.Errorf("actuator: %w", err)
			}
		case ActuatorUDP:
			if c.Actuator.UDPAddress == nil || *c.Actuator.UDPAddress == "" {
				return fmt.Errorf("actuator: udp_address is required for kind %q", ActuatorUDP)
			}
		case ActuatorDisabled:
		default:
			return fmt.Errorf("actuator: unknown kind %q", c.GetActuatorKind())
		}
	}
	return nil
}

func getDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetDeviceLabel returns the unit name.
func (c *Config) GetDeviceLabel() string {
	if c.DeviceLabel == nil || *c.DeviceLabel == "" {
		return "teleop"
	}
	return *c.DeviceLabel
}

// GetListenAddress returns the host:port for the control socket.
func (c *Config) GetListenAddress() string {
	host := ""
	if c.ListenAddress != nil {
		host = *c.ListenAddress
	}
	return fmt.Sprintf("%s:%d", host, c.GetUDPPort())
}

// GetUDPPort returns the control port.
func (c *Config) GetUDPPort() int {
	if c.UDPPort == nil {
		return 3333
	}
	return *c.UDPPort
}

// GetMaxDatagramBytes returns the receive bound.
func (c *Config) GetMaxDatagramBytes() int {
	if c.MaxDatagramBytes == nil {
		return 255
	}
	return *c.MaxDatagramBytes
}

// GetPollInterval returns the listener's receive deadline.
func (c *Config) GetPollInterval() time.Duration {
	return getDuration(c.PollInterval, 100*time.Millisecond)
}

// GetSessionTimeout returns the owner silence limit.
func (c *Config) GetSessionTimeout() time.Duration {
	return getDuration(c.SessionTimeout, 3*time.Second)
}

// GetMotorFailsafe returns the relay's take window.
func (c *Config) GetMotorFailsafe() time.Duration {
	return getDuration(c.MotorFailsafe, 500*time.Millisecond)
}

// GetDisplayTakeTimeout returns the controls view's take window.
func (c *Config) GetDisplayTakeTimeout() time.Duration {
	return getDuration(c.DisplayTakeTimeout, time.Second)
}

// GetActuatorKind returns serial, udp or disabled.
func (c *Config) GetActuatorKind() string {
	if c.Actuator == nil || c.Actuator.Kind == nil || *c.Actuator.Kind == "" {
		return ActuatorDisabled
	}
	return strings.ToLower(*c.Actuator.Kind)
}

// GetActuatorPort returns the serial device path.
func (c *Config) GetActuatorPort() string {
	if c.Actuator == nil || c.Actuator.Port == nil || *c.Actuator.Port == "" {
		return "/dev/ttyUSB0"
	}
	return *c.Actuator.Port
}

// GetActuatorUDPAddress returns the simulator address for the udp kind.
func (c *Config) GetActuatorUDPAddress() string {
	if c.Actuator == nil || c.Actuator.UDPAddress == nil {
		return ""
	}
	return *c.Actuator.UDPAddress
}

// GetSerialOptions returns the UART settings. Unset fields are left zero
// for serialmux.PortOptions.Normalise to fill in.
func (c *Config) GetSerialOptions() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.Actuator == nil {
		return opts
	}
	if c.Actuator.BaudRate != nil {
		opts.BaudRate = *c.Actuator.BaudRate
	}
	if c.Actuator.DataBits != nil {
		opts.DataBits = *c.Actuator.DataBits
	}
	if c.Actuator.StopBits != nil {
		opts.StopBits = *c.Actuator.StopBits
	}
	if c.Actuator.Parity != nil {
		opts.Parity = *c.Actuator.Parity
	}
	return opts
}

// GetAdminListen returns the admin HTTP address; empty disables it.
func (c *Config) GetAdminListen() string {
	if c.AdminListen == nil {
		return "127.0.0.1:8080"
	}
	return *c.AdminListen
}

// GetDBPath returns the session event database path; empty disables it.
func (c *Config) GetDBPath() string {
	if c.DBPath == nil {
		return "teleop.db"
	}
	return *c.DBPath
}

// GetLogFile returns the rotating log file path; empty logs to stderr only.
func (c *Config) GetLogFile() string {
	if c.LogFile == nil {
		return ""
	}
	return *c.LogFile
}
