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

// Package uart drives a PN54x controller through a serial port, for boards
// where the NCI link is a UART and VEN is wired to a modem control line.
package uart

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	pn54x "github.com/ZaparooProject/go-pn54x"
	"github.com/ZaparooProject/go-pn54x/internal/syncutil"
	"go.bug.st/serial"
)

// DefaultBaud is the NCI UART default rate of PN7xxx parts.
const DefaultBaud = 115200

// readPoll bounds how long a Read waits before checking whether its handle
// was closed. Serial reads cannot be interrupted otherwise.
const readPoll = 50 * time.Millisecond

// PowerLine is the modem control line wired to the controller's VEN pin.
type PowerLine int

const (
	PowerDTR PowerLine = iota
	PowerRTS
	// PowerNone leaves power alone; SetPower always succeeds.
	PowerNone
)

// ParsePowerLine maps "dtr", "rts" or "none" to a PowerLine.
func ParsePowerLine(s string) (PowerLine, error) {
	switch strings.ToLower(s) {
	case "", "dtr":
		return PowerDTR, nil
	case "rts":
		return PowerRTS, nil
	case "none":
		return PowerNone, nil
	default:
		return PowerNone, fmt.Errorf("unknown power line %q", s)
	}
}

type openFunc func(name string, mode *serial.Mode) (serial.Port, error)

// Driver opens serial ports as pn54x devices.
type Driver struct {
	open  openFunc
	Baud  int
	Power PowerLine
}

// Type implements pn54x.Driver.
func (Driver) Type() pn54x.TransportType {
	return pn54x.TransportUART
}

// Open implements pn54x.Driver.
func (d Driver) Open(path string) (pn54x.Device, error) {
	baud := d.Baud
	if baud <= 0 {
		baud = DefaultBaud
	}
	open := d.open
	if open == nil {
		open = serial.Open
	}

	port, err := open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open UART port %s: %w", path, err)
	}
	if err := port.SetReadTimeout(readPoll); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set UART read timeout: %w", err)
	}

	s := &shared{port: port, name: path, power: d.Power, refs: 1}
	return &Device{shared: s}, nil
}

// shared is the open port behind every handle returned by Open and Clone.
type shared struct {
	port  serial.Port
	name  string
	power PowerLine
	mu    syncutil.Mutex
	refs  int
}

func (s *shared) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs--
	if s.refs > 0 {
		return nil
	}
	if err := s.port.Close(); err != nil {
		return fmt.Errorf("UART close failed: %w", err)
	}
	return nil
}

// Device is one handle to an open serial port. Clones share the port; it
// is closed with the last handle.
type Device struct {
	*shared
	closed atomic.Bool
}

// Name returns the port name.
func (d *Device) Name() string {
	return d.name
}

// Read waits for data. Closing this handle makes a pending Read return
// os.ErrClosed within readPoll.
func (d *Device) Read(p []byte) (int, error) {
	for {
		if d.closed.Load() {
			return 0, os.ErrClosed
		}
		n, err := d.port.Read(p)
		if err != nil {
			if isPortClosed(err) {
				return 0, os.ErrClosed
			}
			return n, fmt.Errorf("UART read failed: %w", err)
		}
		if n > 0 {
			return n, nil
		}
	}
}

// Write sends p in one call.
func (d *Device) Write(p []byte) (int, error) {
	if d.closed.Load() {
		return 0, os.ErrClosed
	}
	n, err := d.port.Write(p)
	if err != nil {
		return n, fmt.Errorf("UART write failed: %w", err)
	}
	return n, nil
}

// SetPower drives the configured modem line.
func (d *Device) SetPower(on bool) error {
	if d.closed.Load() {
		return os.ErrClosed
	}
	var err error
	switch d.power {
	case PowerDTR:
		err = d.port.SetDTR(on)
	case PowerRTS:
		err = d.port.SetRTS(on)
	case PowerNone:
	}
	if err != nil {
		return fmt.Errorf("UART power line: %w", err)
	}
	if on {
		// Drop whatever the chip sent while it was coming up unpowered.
		if err := d.port.ResetInputBuffer(); err != nil {
			pn54x.Debugf("UART %s: reset input buffer: %v", d.name, err)
		}
	}
	return nil
}

// Clone returns another handle to the same port.
func (d *Device) Clone() (pn54x.Device, error) {
	if d.closed.Load() {
		return nil, os.ErrClosed
	}
	d.mu.Lock()
	d.refs++
	d.mu.Unlock()
	return &Device{shared: d.shared}, nil
}

// Close releases this handle.
func (d *Device) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return d.release()
}

func isPortClosed(err error) bool {
	var perr *serial.PortError
	return errors.As(err, &perr) && perr.Code() == serial.PortClosed
}

var _ pn54x.Driver = Driver{}
