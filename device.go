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

package pn54x

import (
	"io"
	"os"
)

// TransportType names the kind of system access behind a Driver.
type TransportType string

const (
	// TransportCharDev is the Linux pn544/nq-nci character device.
	TransportCharDev TransportType = "chardev"
	// TransportUART represents a serial-attached controller.
	TransportUART TransportType = "uart"
	// TransportI2C represents direct I2C bus access with IRQ and VEN pins.
	TransportI2C TransportType = "i2c"
	// TransportMock represents a mock transport for testing
	TransportMock TransportType = "mock"
)

// Device is an open handle to the controller.
//
// Read blocks until the driver has data and returns up to len(p) bytes, with
// unused capacity padded with 0xFF on drivers that do so. Write is a single
// synchronous write. Closing a handle should interrupt a Read blocked on
// that same handle; when it cannot, GoroutineIsolator abandons the read.
type Device interface {
	io.ReadWriter
	io.Closer

	// SetPower switches the controller on or off.
	SetPower(on bool) error

	// Clone returns an independent handle to the same open device, owned by
	// the read isolator.
	Clone() (Device, error)
}

// FileDevice is implemented by devices backed by a file descriptor. The
// process isolator needs one to hand the device to its child.
type FileDevice interface {
	Device

	// File returns a duplicate of the underlying descriptor. The caller
	// owns it.
	File() (*os.File, error)
}

// Driver opens devices by path. It is the only way the transport reaches the
// system, which lets tests substitute a socketpair for the kernel driver.
type Driver interface {
	Open(path string) (Device, error)
	Type() TransportType
}

// Client receives packets and errors from a started transport. Both methods
// run on the event loop. The packet slice is only valid during the call.
type Client interface {
	PacketReceived(pkt []byte)
	TransportError(err error)
}

// WriteCallback reports completion of a write. It runs on the event loop.
type WriteCallback func(ok bool)

// HalIO is the contract offered to an NCI protocol core.
type HalIO interface {
	Start(client Client) error
	Stop()
	Write(chunks [][]byte, cb WriteCallback) error
	CancelWrite()
}

// ClientFuncs adapts plain functions to Client. Nil fields are ignored.
type ClientFuncs struct {
	OnPacket func(pkt []byte)
	OnError  func(err error)
}

// PacketReceived implements Client.
func (c ClientFuncs) PacketReceived(pkt []byte) {
	if c.OnPacket != nil {
		c.OnPacket(pkt)
	}
}

// TransportError implements Client.
func (c ClientFuncs) TransportError(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

var (
	_ HalIO  = (*Transport)(nil)
	_ Client = ClientFuncs{}
)
