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

// Package i2c drives a PN54x/PN7xxx controller directly over an I2C bus from
// userspace, using an IRQ GPIO to learn when the chip has a packet and a VEN
// GPIO for power. It is for hosts without the kernel NFC driver.
package i2c

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	pn54x "github.com/ZaparooProject/go-pn54x"
	"github.com/ZaparooProject/go-pn54x/internal/frame"
	"github.com/ZaparooProject/go-pn54x/internal/syncutil"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

const (
	// DefaultAddr is the 7-bit address of PN7150/PN7160 with both address
	// pins low.
	DefaultAddr = 0x28

	maxClockFreq = 400 * physic.KiloHertz

	// irqPoll bounds an IRQ wait so a closed handle is noticed.
	irqPoll = 100 * time.Millisecond

	// venSettle is how long the chip needs after VEN goes high before it
	// answers on the bus.
	venSettle = 5 * time.Millisecond
)

// pin is the subset of gpio.PinIO the device uses.
type pin interface {
	In(pull gpio.Pull, edge gpio.Edge) error
	Out(l gpio.Level) error
	Read() gpio.Level
	WaitForEdge(timeout time.Duration) bool
}

// Driver opens an I2C bus as a pn54x device. The path given to Open is the
// bus name ("/dev/i2c-1", "1") optionally followed by ":0xNN" to override
// Addr.
type Driver struct {
	openBus   func(name string) (i2c.BusCloser, error)
	pinByName func(name string) pin
	// IRQ and VEN are GPIO names resolved through gpioreg. IRQ is required.
	// Without VEN, SetPower is a no-op.
	IRQ  string
	VEN  string
	Addr uint16
}

// Type implements pn54x.Driver.
func (Driver) Type() pn54x.TransportType {
	return pn54x.TransportI2C
}

// parseI2CPath splits "/dev/i2c-1:0x28" into bus name and address.
func parseI2CPath(path string, def uint16) (string, uint16, error) {
	bus, addr, found := strings.Cut(path, ":")
	if !found {
		return bus, def, nil
	}
	var a uint16
	if _, err := fmt.Sscanf(addr, "0x%x", &a); err != nil {
		return "", 0, fmt.Errorf("bad I2C address %q: %w", addr, err)
	}
	return bus, a, nil
}

// Open implements pn54x.Driver.
func (d Driver) Open(path string) (pn54x.Device, error) {
	def := d.Addr
	if def == 0 {
		def = DefaultAddr
	}
	busName, addr, err := parseI2CPath(path, def)
	if err != nil {
		return nil, err
	}

	openBus, pinByName := d.openBus, d.pinByName
	if openBus == nil {
		if _, err := host.Init(); err != nil {
			return nil, fmt.Errorf("failed to initialize periph host: %w", err)
		}
		openBus = i2creg.Open
	}
	if pinByName == nil {
		pinByName = func(name string) pin {
			if p := gpioreg.ByName(name); p != nil {
				return p
			}
			return nil
		}
	}

	irq := pinByName(d.IRQ)
	if irq == nil {
		return nil, fmt.Errorf("IRQ pin %q not found", d.IRQ)
	}
	var ven pin
	if d.VEN != "" {
		if ven = pinByName(d.VEN); ven == nil {
			return nil, fmt.Errorf("VEN pin %q not found", d.VEN)
		}
	}

	bus, err := openBus(busName)
	if err != nil {
		return nil, fmt.Errorf("failed to open I2C bus %s: %w", busName, err)
	}
	// Not every adapter lets us pick a speed; the default works.
	_ = bus.SetSpeed(maxClockFreq)

	if err := irq.In(gpio.PullDown, gpio.RisingEdge); err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("failed to configure IRQ pin: %w", err)
	}

	s := &shared{
		dev:  &i2c.Dev{Addr: addr, Bus: bus},
		bus:  bus,
		irq:  irq,
		ven:  ven,
		name: path,
		refs: 1,
	}
	return &Device{shared: s}, nil
}

type shared struct {
	dev  *i2c.Dev
	bus  i2c.BusCloser
	irq  pin
	ven  pin
	name string
	// mu keeps the two halves of a packet read together and writes out of
	// their way.
	mu   syncutil.Mutex
	refs int
}

// Device is one handle to the controller. Clones share the bus, which is
// closed with the last handle.
type Device struct {
	*shared
	closed atomic.Bool
}

// Read waits for the IRQ line and reads one NCI packet. p must hold at
// least the largest packet, 258 bytes.
func (d *Device) Read(p []byte) (int, error) {
	for {
		if d.closed.Load() {
			return 0, os.ErrClosed
		}
		if d.irq.Read() == gpio.Low {
			d.irq.WaitForEdge(irqPoll)
			continue
		}
		n, err := d.readPacket(p)
		if err != nil || n > 0 {
			return n, err
		}
	}
}

func (d *Device) readPacket(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var hdr [frame.HeaderSize]byte
	if err := d.dev.Tx(nil, hdr[:]); err != nil {
		return 0, fmt.Errorf("I2C read failed: %w", err)
	}
	// The chip answers 0xFF when it raised IRQ for nothing.
	if frame.IsFiller(hdr[:1]) {
		return 0, nil
	}

	total := frame.HeaderSize + int(hdr[2])
	if len(p) < total {
		return 0, io.ErrShortBuffer
	}
	copy(p, hdr[:])
	if total > frame.HeaderSize {
		if err := d.dev.Tx(nil, p[frame.HeaderSize:total]); err != nil {
			return 0, fmt.Errorf("I2C read failed: %w", err)
		}
	}
	return total, nil
}

// Write sends p as one I2C write.
func (d *Device) Write(p []byte) (int, error) {
	if d.closed.Load() {
		return 0, os.ErrClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.dev.Tx(p, nil); err != nil {
		return 0, fmt.Errorf("I2C write failed: %w", err)
	}
	return len(p), nil
}

// SetPower drives VEN.
func (d *Device) SetPower(on bool) error {
	if d.closed.Load() {
		return os.ErrClosed
	}
	if d.ven == nil {
		return nil
	}
	level := gpio.Low
	if on {
		level = gpio.High
	}
	if err := d.ven.Out(level); err != nil {
		return fmt.Errorf("failed to drive VEN: %w", err)
	}
	if on {
		time.Sleep(venSettle)
	}
	return nil
}

// Clone returns another handle to the same bus.
func (d *Device) Clone() (pn54x.Device, error) {
	if d.closed.Load() {
		return nil, os.ErrClosed
	}
	d.mu.Lock()
	d.refs++
	d.mu.Unlock()
	return &Device{shared: d.shared}, nil
}

// Close releases this handle and, with the last one, the bus.
func (d *Device) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refs--
	if d.refs > 0 {
		return nil
	}
	if err := d.bus.Close(); err != nil {
		return fmt.Errorf("failed to close I2C bus: %w", err)
	}
	return nil
}

var _ pn54x.Driver = Driver{}
