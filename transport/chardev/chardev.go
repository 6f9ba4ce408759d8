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

//go:build linux

// Package chardev provides the Linux character device backend of the
// transport: the pn544, nq-nci and pn5xx_i2c kernel drivers.
package chardev

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ZaparooProject/go-pn54x"
	"github.com/ZaparooProject/go-pn54x/internal/syncutil"
)

// PowerIoctl is _IOW(0xE9, 0x01, unsigned int), the request the pn544
// family of drivers answers to switch the controller on (1) or off (0).
const PowerIoctl uintptr = 0x4004E901

// Driver opens character devices. The zero value uses PowerIoctl.
type Driver struct {
	// PowerRequest overrides the ioctl request number for drivers that
	// were built with a different one, e.g. the bare 0xE901 some vendor
	// kernels use.
	PowerRequest uintptr
}

// Type implements pn54x.Driver.
func (Driver) Type() pn54x.TransportType {
	return pn54x.TransportCharDev
}

// Open implements pn54x.Driver.
func (d Driver) Open(path string) (pn54x.Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	req := d.PowerRequest
	if req == 0 {
		req = PowerIoctl
	}
	dev, err := NewDevice(fd, path, req)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return dev, nil
}

// Device is an open character device. Read waits in poll(2) on the device
// and on a wake pipe, so Close can interrupt it. That needs a driver that
// implements poll; with one that does not, use pn54x.ProcessIsolator.
type Device struct {
	cond    *sync.Cond
	name    string
	fd      int
	wakeR   int
	wakeW   int
	powerRq uintptr
	readers int
	mu      syncutil.Mutex
	closed  bool
}

// NewDevice wraps an open descriptor. The Device owns fd from then on.
func NewDevice(fd int, name string, powerRequest uintptr) (*Device, error) {
	var wake [2]int
	if err := unix.Pipe2(wake[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("wake pipe: %w", err)
	}
	d := &Device{
		name:    name,
		fd:      fd,
		wakeR:   wake[0],
		wakeW:   wake[1],
		powerRq: powerRequest,
	}
	d.cond = sync.NewCond(&d.mu)
	return d, nil
}

// Fd returns the device descriptor.
func (d *Device) Fd() int {
	return d.fd
}

// Read implements pn54x.Device.
func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, os.ErrClosed
	}
	d.readers++
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.readers--
		if d.readers == 0 {
			d.cond.Broadcast()
		}
		d.mu.Unlock()
	}()

	for {
		fds := []unix.PollFd{
			{Fd: int32(d.fd), Events: unix.POLLIN},    //nolint:gosec // descriptors fit in int32
			{Fd: int32(d.wakeR), Events: unix.POLLIN}, //nolint:gosec // descriptors fit in int32
		}
		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return 0, &os.PathError{Op: "poll", Path: d.name, Err: err}
		}
		if fds[1].Revents != 0 {
			return 0, os.ErrClosed
		}
		if fds[0].Revents&unix.POLLNVAL != 0 {
			return 0, &os.PathError{Op: "read", Path: d.name, Err: unix.EBADF}
		}
		if fds[0].Revents == 0 {
			continue
		}

		n, err := unix.Read(d.fd, p)
		switch {
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.EAGAIN):
			continue
		case err != nil:
			return 0, &os.PathError{Op: "read", Path: d.name, Err: err}
		case n == 0:
			return 0, io.EOF
		default:
			return n, nil
		}
	}
}

// Write implements pn54x.Device. The driver takes a whole packet per call.
func (d *Device) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(d.fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, &os.PathError{Op: "write", Path: d.name, Err: err}
		}
		return n, nil
	}
}

// SetPower implements pn54x.Device.
func (d *Device) SetPower(on bool) error {
	var value uintptr
	if on {
		value = 1
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), d.powerRq, value)
	if errno != 0 {
		return &os.PathError{Op: "ioctl", Path: d.name, Err: errno}
	}
	return nil
}

// Clone implements pn54x.Device.
func (d *Device) Clone() (pn54x.Device, error) {
	fd, err := unix.FcntlInt(uintptr(d.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "dup", Path: d.name, Err: err}
	}
	clone, err := NewDevice(fd, d.name, d.powerRq)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return clone, nil
}

// File implements pn54x.FileDevice.
func (d *Device) File() (*os.File, error) {
	fd, err := unix.FcntlInt(uintptr(d.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "dup", Path: d.name, Err: err}
	}
	return os.NewFile(uintptr(fd), d.name), nil
}

// Close wakes a blocked Read, waits for it to return and releases the
// descriptors.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	_, _ = unix.Write(d.wakeW, []byte{0})
	for d.readers > 0 {
		d.cond.Wait()
	}

	_ = unix.Close(d.wakeR)
	_ = unix.Close(d.wakeW)
	if err := unix.Close(d.fd); err != nil {
		return &os.PathError{Op: "close", Path: d.name, Err: err}
	}
	return nil
}

var _ pn54x.FileDevice = (*Device)(nil)
