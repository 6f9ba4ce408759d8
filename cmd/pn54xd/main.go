// go-pn532
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-pn532.
//
// go-pn532 is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-pn532 is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-pn532; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

// Command pn54xd drives a PN54x controller: it powers the chip, initialises
// it and polls for NFC-A targets, switching it off cleanly on shutdown.
// With -stress it power cycles the controller instead and writes a report.
package main

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	pn54x "github.com/ZaparooProject/go-pn54x"
	"github.com/ZaparooProject/go-pn54x/config"
	"github.com/ZaparooProject/go-pn54x/detection"
	_ "github.com/ZaparooProject/go-pn54x/detection/chardev"
	_ "github.com/ZaparooProject/go-pn54x/detection/i2c"
	_ "github.com/ZaparooProject/go-pn54x/detection/uart"
	"github.com/ZaparooProject/go-pn54x/transport/chardev"
	"github.com/ZaparooProject/go-pn54x/transport/i2c"
	"github.com/ZaparooProject/go-pn54x/transport/uart"
)

// Package-level flag variables
var (
	flagConfig    string
	flagDevice    string
	flagTransport string
	flagIsolator  string
	flagLogDir    string
	flagReport    string
	flagStress    int
	flagDebug     bool
	flagHexdump   bool
	flagDetect    bool
	flagProbe     bool
)

func init() {
	flag.StringVar(&flagConfig, "config", config.DefaultPath, "Configuration file")
	flag.StringVar(&flagDevice, "device", "", "Device path (overrides the configuration)")
	flag.StringVar(&flagTransport, "transport", "", "Transport: chardev, uart or i2c")
	flag.StringVar(&flagIsolator, "isolator", "", "Read isolator: auto, goroutine or process")
	flag.StringVar(&flagLogDir, "log-dir", "", "Write a session log to this directory")
	flag.StringVar(&flagReport, "report", "", "Write the stress report to this file instead of stdout")
	flag.IntVar(&flagStress, "stress", 0, "Power cycle the controller this many times and exit")
	flag.BoolVar(&flagDebug, "debug", false, "Enable debug output")
	flag.BoolVar(&flagHexdump, "hexdump", false, "Dump every read and write")
	flag.BoolVar(&flagDetect, "detect", false, "Look for a controller instead of using the configured device")
	flag.BoolVar(&flagProbe, "probe", false, "Let -detect open candidate devices")
}

// loadConfig reads the configuration file and applies the flags that were
// set on the command line on top of it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "device":
			cfg.Device = flagDevice
		case "transport":
			cfg.Transport = flagTransport
		case "isolator":
			cfg.Isolator = flagIsolator
		case "log-dir":
			cfg.LogDir = flagLogDir
		case "debug":
			cfg.Debug = flagDebug
		case "hexdump":
			cfg.Hexdump = flagHexdump
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newDriver returns the driver for the configured transport and the path to
// open with it.
func newDriver(cfg *config.Config) (pn54x.Driver, string, error) {
	switch cfg.Transport {
	case config.TransportCharDev:
		return chardev.Driver{}, cfg.Device, nil
	case config.TransportUART:
		line, err := uart.ParsePowerLine(cfg.UART.PowerLine)
		if err != nil {
			return nil, "", err
		}
		return uart.Driver{Baud: cfg.UART.Baud, Power: line}, cfg.Device, nil
	case config.TransportI2C:
		path := cfg.I2C.Bus
		if path == "" {
			path = cfg.Device
		}
		return i2c.Driver{IRQ: cfg.I2C.IRQPin, VEN: cfg.I2C.VENPin, Addr: cfg.I2C.Address}, path, nil
	default:
		return nil, "", fmt.Errorf("unsupported transport type: %s", cfg.Transport)
	}
}

// detectDevice replaces the configured device with the best candidate found.
func detectDevice(ctx context.Context, cfg *config.Config, probe bool) error {
	opts := detection.DefaultOptions()
	if probe {
		opts.Mode = detection.Probe
	}
	devices, err := detection.DetectAll(ctx, &opts)
	if err != nil {
		return fmt.Errorf("failed to detect a controller: %w", err)
	}
	slices.SortStableFunc(devices, func(a, b detection.DeviceInfo) int {
		return cmp.Compare(b.Confidence, a.Confidence)
	})
	for _, dev := range devices {
		pn54x.Debugf("Found %s", dev)
	}

	best := devices[0]
	_, _ = fmt.Printf("Using %s\n", best)
	cfg.Transport = best.Transport
	cfg.Device = best.Path
	if best.Transport == config.TransportI2C {
		cfg.I2C.Bus = best.Path
	}
	return cfg.Validate()
}

func transportOptions(cfg *config.Config) []pn54x.Option {
	var opts []pn54x.Option
	if cfg.ResolvedIsolator() == config.IsolatorProcess {
		opts = append(opts, pn54x.WithIsolator(pn54x.ProcessIsolator{}))
	}
	if cfg.Hexdump {
		w := pn54x.SessionLogWriter()
		if w == nil {
			w = os.Stderr
		}
		opts = append(opts, pn54x.WithHexdump(pn54x.NewHexdumper(w)))
	}
	return opts
}

func run(ctx context.Context, cfg *config.Config) error {
	if flagDetect {
		if err := detectDevice(ctx, cfg, flagProbe); err != nil {
			return err
		}
	}

	driver, path, err := newDriver(cfg)
	if err != nil {
		return err
	}
	if cfg.Debug {
		_, _ = fmt.Printf("Opening %s device: %s\n", driver.Type(), path)
	}

	d, err := newDaemon(path, driver, transportOptions(cfg)...)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.close(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Failed to close device: %v\n", err)
		}
	}()

	retry := pn54x.DefaultRetryConfig()
	retry.OnRetry = func(attempt int, err error, sleep time.Duration) {
		pn54x.Debugf("Power-up attempt %d failed: %v (retrying in %v)", attempt, err, sleep)
	}

	if flagStress > 0 {
		return runStressTest(ctx, d, retry, flagStress, flagReport)
	}

	if err := d.powerUp(ctx, retry); err != nil {
		return fmt.Errorf("failed to initialise controller: %w", err)
	}
	err = d.serve(ctx, retry)

	// The context is gone by now; shutdown gets its own.
	offCtx, cancel := context.WithTimeout(context.Background(), powerOffTimeout)
	defer cancel()
	if offErr := d.powerDown(offCtx); offErr != nil {
		pn54x.Debugf("Power off: %v", offErr)
	}
	return err
}

func main() {
	// A reader process started by ProcessIsolator never gets past this.
	pn54x.MaybeRunReaderProcess()
	flag.Parse()
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	cfg, err := loadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	if cfg.Debug {
		pn54x.SetDebugEnabled(true)
	}
	if cfg.LogDir != "" {
		logPath, err := pn54x.InitSessionLog(cfg.LogDir)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Printf("Session log: %s\n", logPath)
		defer func() { _ = pn54x.CloseSessionLog() }()
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		_, _ = fmt.Print("\nShutting down gracefully...\n")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
