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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pn54x.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	assert.Equal(t, "/dev/pn544", cfg.Device)
	assert.Equal(t, TransportCharDev, cfg.Transport)
	assert.Equal(t, IsolatorAuto, cfg.Isolator)
	assert.Equal(t, IsolatorProcess, cfg.ResolvedIsolator())
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultDevice, cfg.Device)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
device: /dev/nq-nci
isolator: process
hexdump: true
uart:
  baud: 9600
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/nq-nci", cfg.Device)
	assert.Equal(t, IsolatorProcess, cfg.Isolator)
	assert.True(t, cfg.Hexdump)
	assert.Equal(t, 9600, cfg.UART.Baud)
	assert.Equal(t, "dtr", cfg.UART.PowerLine, "unset keys keep defaults")
}

func TestLoad_TOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pn54x.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
transport = "i2c"
debug = true

[i2c]
bus = "/dev/i2c-1"
address = 0x29
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, TransportI2C, cfg.Transport)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "/dev/i2c-1", cfg.I2C.Bus)
	assert.Equal(t, uint16(0x29), cfg.I2C.Address)
	assert.Equal(t, "GPIO23", cfg.I2C.IRQPin, "unset keys keep defaults")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "device: /dev/nq-nci\n")
	t.Setenv("PN54X_DEVICE", "/dev/pn553")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/pn553", cfg.Device)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("malformed yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "device: [unterminated\n"))
		require.Error(t, err)
	})

	t.Run("malformed toml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pn54x.toml")
		require.NoError(t, os.WriteFile(path, []byte("device = \"/dev/pn544\n"), 0o600))
		_, err := Load(path)
		require.Error(t, err)
	})

	t.Run("invalid transport", func(t *testing.T) {
		_, err := Load(writeConfig(t, "transport: usb\n"))
		require.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("unreadable path", func(t *testing.T) {
		_, err := Load(t.TempDir())
		require.Error(t, err)
	})
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"PN54X_TRANSPORT": "uart",
		"PN54X_DEVICE":    "/dev/ttyUSB0",
		"PN54X_UART_BAUD": "57600",
		"PN54X_HEXDUMP":   "1",
		"PN54X_ISOLATOR":  "",
	}))
	require.NoError(t, err)

	assert.Equal(t, TransportUART, cfg.Transport)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Device)
	assert.Equal(t, 57600, cfg.UART.Baud)
	assert.True(t, cfg.Hexdump)
	assert.Equal(t, IsolatorAuto, cfg.Isolator, "empty values are ignored")

	require.Error(t, Default().ApplyEnv(envMap(map[string]string{"PN54X_UART_BAUD": "fast"})))
	require.Error(t, Default().ApplyEnv(envMap(map[string]string{"PN54X_HEXDUMP": "maybe"})))
}

func TestResolvedIsolator(t *testing.T) {
	t.Parallel()

	tests := []struct {
		transport string
		isolator  string
		want      string
	}{
		{transport: TransportCharDev, isolator: IsolatorAuto, want: IsolatorProcess},
		{transport: TransportUART, isolator: IsolatorAuto, want: IsolatorGoroutine},
		{transport: TransportI2C, isolator: IsolatorAuto, want: IsolatorGoroutine},
		{transport: TransportCharDev, isolator: IsolatorGoroutine, want: IsolatorGoroutine},
		{transport: TransportUART, isolator: IsolatorProcess, want: IsolatorProcess},
	}
	for _, tt := range tests {
		t.Run(tt.transport+"/"+tt.isolator, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			cfg.Transport = tt.transport
			cfg.Isolator = tt.isolator
			assert.Equal(t, tt.want, cfg.ResolvedIsolator())
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		modify  func(*Config)
		name    string
		wantErr bool
	}{
		{name: "defaults", modify: func(*Config) {}},
		{name: "empty device", modify: func(c *Config) { c.Device = " " }, wantErr: true},
		{name: "i2c needs no device", modify: func(c *Config) {
			c.Transport = TransportI2C
			c.Device = ""
		}},
		{name: "unknown isolator", modify: func(c *Config) { c.Isolator = "thread" }, wantErr: true},
		{name: "uart bad baud", modify: func(c *Config) {
			c.Transport = TransportUART
			c.UART.Baud = 0
		}, wantErr: true},
		{name: "uart bad power line", modify: func(c *Config) {
			c.Transport = TransportUART
			c.UART.PowerLine = "cts"
		}, wantErr: true},
		{name: "i2c address out of range", modify: func(c *Config) {
			c.Transport = TransportI2C
			c.I2C.Address = 0x80
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalid)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
