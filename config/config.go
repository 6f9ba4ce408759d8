// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the daemon configuration from a YAML or TOML file and
// PN54X_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultPath is where Load looks when no file is given.
	DefaultPath = "/etc/pn54x/pn54x.yaml"
	// DefaultDevice is the device node used when none is configured.
	DefaultDevice = "/dev/pn544"
)

// Transport names.
const (
	TransportCharDev = "chardev"
	TransportUART    = "uart"
	TransportI2C     = "i2c"
)

// Isolator names. IsolatorAuto picks the process isolator for the char
// device, whose kernel driver cannot cancel a read, and the goroutine
// isolator for the rest.
const (
	IsolatorAuto      = "auto"
	IsolatorGoroutine = "goroutine"
	IsolatorProcess   = "process"
)

// ErrInvalid is wrapped by every Validate error.
var ErrInvalid = errors.New("invalid configuration")

// UART configures the serial transport.
type UART struct {
	Baud int `yaml:"baud" toml:"baud"`
	// PowerLine selects the modem line wired to VEN: "dtr", "rts" or "none".
	PowerLine string `yaml:"power_line" toml:"power_line"`
}

// I2C configures the I2C transport. Pin names are resolved with gpioreg.
type I2C struct {
	Bus     string `yaml:"bus" toml:"bus"`
	IRQPin  string `yaml:"irq_pin" toml:"irq_pin"`
	VENPin  string `yaml:"ven_pin" toml:"ven_pin"`
	Address uint16 `yaml:"address" toml:"address"`
}

// Config is the daemon configuration.
type Config struct {
	Device    string `yaml:"device" toml:"device"`
	Transport string `yaml:"transport" toml:"transport"`
	Isolator  string `yaml:"isolator" toml:"isolator"`
	// LogDir enables a session log in this directory when set.
	LogDir  string `yaml:"log_dir" toml:"log_dir"`
	UART    UART   `yaml:"uart" toml:"uart"`
	I2C     I2C    `yaml:"i2c" toml:"i2c"`
	Debug   bool   `yaml:"debug" toml:"debug"`
	Hexdump bool   `yaml:"hexdump" toml:"hexdump"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Device:    DefaultDevice,
		Transport: TransportCharDev,
		Isolator:  IsolatorAuto,
		UART: UART{
			Baud:      115200,
			PowerLine: "dtr",
		},
		I2C: I2C{
			Address: 0x28,
			IRQPin:  "GPIO23",
			VENPin:  "GPIO24",
		},
	}
}

// Load reads path on top of the defaults and applies the environment. A
// missing file is not an error. An empty path means DefaultPath. Files
// ending in .toml are parsed as TOML, anything else as YAML.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg := Default()

	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return toml.Unmarshal(data, cfg)
	}
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnv overrides fields from PN54X_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(name)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = b
		return nil
	}

	str("PN54X_DEVICE", &c.Device)
	str("PN54X_TRANSPORT", &c.Transport)
	str("PN54X_ISOLATOR", &c.Isolator)
	str("PN54X_LOG_DIR", &c.LogDir)
	str("PN54X_I2C_BUS", &c.I2C.Bus)
	if err := boolean("PN54X_HEXDUMP", &c.Hexdump); err != nil {
		return err
	}
	if v, ok := lookup("PN54X_UART_BAUD"); ok && v != "" {
		baud, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PN54X_UART_BAUD: %w", err)
		}
		c.UART.Baud = baud
	}
	return nil
}

// ResolvedIsolator returns the isolator to run, with IsolatorAuto resolved
// against the transport.
func (c *Config) ResolvedIsolator() string {
	if c.Isolator != IsolatorAuto {
		return c.Isolator
	}
	if c.Transport == TransportCharDev {
		return IsolatorProcess
	}
	return IsolatorGoroutine
}

// Validate checks the configuration for values the daemon cannot use.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Device) == "" && c.Transport != TransportI2C {
		errs = append(errs, errors.New("device path is empty"))
	}
	switch c.Transport {
	case TransportCharDev, TransportUART, TransportI2C:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	switch c.Isolator {
	case IsolatorAuto, IsolatorGoroutine, IsolatorProcess:
	default:
		errs = append(errs, fmt.Errorf("unknown isolator %q", c.Isolator))
	}
	if c.Transport == TransportUART {
		if c.UART.Baud <= 0 {
			errs = append(errs, fmt.Errorf("uart baud %d must be positive", c.UART.Baud))
		}
		switch c.UART.PowerLine {
		case "dtr", "rts", "none":
		default:
			errs = append(errs, fmt.Errorf("unknown uart power line %q", c.UART.PowerLine))
		}
	}
	if c.Transport == TransportI2C && (c.I2C.Address == 0 || c.I2C.Address > 0x7F) {
		errs = append(errs, fmt.Errorf("i2c address 0x%X out of range", c.I2C.Address))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
