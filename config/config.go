// Package config loads daemon tunables from a TOML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"grblmc/machine"
)

// Config holds runtime parameters for the daemon. Durations are
// expressed in milliseconds in the file.
type Config struct {
	// Port is the serial device path.
	Port string `toml:"port"`
	Baud int    `toml:"baud"`
	// Addr is the HTTP bind address.
	Addr string `toml:"addr"`

	LogLevel string `toml:"log_level"`

	// Capacity is the controller's serial receive buffer in bytes.
	Capacity       int `toml:"capacity"`
	PollIntervalMs int `toml:"poll_interval_ms"`

	LineDelayMs int `toml:"line_delay_ms"`

	JogThrottleMs int     `toml:"jog_throttle_ms"`
	JogStep       float64 `toml:"jog_step"`
	JogFraction   float64 `toml:"jog_fraction"`

	Probe machine.ProbeConfig `toml:"probe"`
}

func Default() Config {
	return Config{
		Port:           "/dev/ttyUSB0",
		Baud:           115200,
		Addr:           ":9091",
		LogLevel:       "info",
		Capacity:       128,
		PollIntervalMs: 200,
		LineDelayMs:    15,
		JogThrottleMs:  50,
		JogStep:        1.0,
		JogFraction:    0.5,
		Probe:          machine.DefaultProbeConfig(),
	}
}

// Load returns the defaults overlaid with the TOML file (when path is
// non-empty) and then with environment variables. A missing file at
// the default path is not an error; env loading (.env) is the
// caller's concern.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		} else if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, cfg.validate()
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv("GRBLMC_PORT"); ok {
		c.Port = v
	}
	if v, ok := os.LookupEnv("GRBLMC_ADDR"); ok {
		c.Addr = v
	}
	if v, ok := os.LookupEnv("GRBLMC_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv("GRBLMC_BAUD"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Baud = n
		}
	}
}

func (c Config) validate() error {
	if c.Baud <= 0 {
		return fmt.Errorf("baud must be positive, got %d", c.Baud)
	}
	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", c.Capacity)
	}
	if c.JogFraction <= 0 || c.JogFraction > 1 {
		return fmt.Errorf("jog_fraction must be in (0,1], got %v", c.JogFraction)
	}
	if c.Probe.TouchCount < 2 {
		return fmt.Errorf("probe.touch_count must be at least 2, got %d", c.Probe.TouchCount)
	}
	return nil
}

// Machine maps the file-facing fields onto the controller facade
// configuration.
func (c Config) Machine() machine.Config {
	m := machine.DefaultConfig()
	m.Capacity = c.Capacity
	m.PollInterval = time.Duration(c.PollIntervalMs) * time.Millisecond
	probe := c.Probe
	probe.TimeoutFloor = m.Probe.TimeoutFloor
	probe.IdleTimeout = m.Probe.IdleTimeout
	m.Probe = probe
	return m
}
