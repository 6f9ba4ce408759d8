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

// Package testing provides test doubles for the transport: a driver backed
// by a Unix socketpair in place of the kernel character device, and a
// wrapper that makes reads arrive the way a real driver delivers them.
package testing

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ZaparooProject/go-pn54x"
)

// FakeDriver opens a fresh socketpair for every Open. The transport gets one
// end as its device; the test talks to the other end, the peer.
type FakeDriver struct {
	openErr    error
	powerErr   error
	peer       *os.File
	powerCalls []bool
	opens      int
	live       int
	mu         sync.Mutex
}

// NewFakeDriver creates a driver whose opens and power requests succeed.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{}
}

// Type implements pn54x.Driver.
func (*FakeDriver) Type() pn54x.TransportType {
	return pn54x.TransportMock
}

// Open implements pn54x.Driver.
func (d *FakeDriver) Open(path string) (pn54x.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.openErr != nil {
		return nil, d.openErr
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socketpair: %w", err)
	}
	for _, fd := range fds {
		// Non-blocking descriptors go through the runtime poller, so Close
		// interrupts a pending Read and deadlines work on the peer.
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, fmt.Errorf("set non-blocking: %w", err)
		}
	}

	if d.peer != nil {
		_ = d.peer.Close()
	}
	d.peer = os.NewFile(uintptr(fds[1]), path+" (peer)")
	d.opens++
	d.live++
	return &fakeDevice{driver: d, file: os.NewFile(uintptr(fds[0]), path), counted: true}, nil
}

// FailOpen makes subsequent opens fail with err; nil restores success.
func (d *FakeDriver) FailOpen(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

// FailPower makes subsequent power requests fail with err; nil restores
// success.
func (d *FakeDriver) FailPower(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.powerErr = err
}

// PowerCalls returns every successful power request so far, in order.
func (d *FakeDriver) PowerCalls() []bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]bool(nil), d.powerCalls...)
}

// Opens returns how many times Open succeeded.
func (d *FakeDriver) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// OpenDevices returns how many opened devices are not closed yet. Clones
// made for the read isolator are not counted.
func (d *FakeDriver) OpenDevices() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

// Peer returns the test side of the most recently opened device.
func (d *FakeDriver) Peer() *os.File {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peer
}

// Send writes data to the device as if the controller had sent it.
func (d *FakeDriver) Send(data []byte) error {
	peer := d.Peer()
	if peer == nil {
		return errors.New("no device opened")
	}
	_, err := peer.Write(data)
	return err
}

// Receive reads exactly n bytes written to the device by the transport.
func (d *FakeDriver) Receive(n int, timeout time.Duration) ([]byte, error) {
	peer := d.Peer()
	if peer == nil {
		return nil, errors.New("no device opened")
	}
	if err := peer.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	_, err := io.ReadFull(peer, buf)
	return buf, err
}

// HangUp closes the peer, so reads on the device report end of stream.
func (d *FakeDriver) HangUp() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.peer == nil {
		return nil
	}
	err := d.peer.Close()
	d.peer = nil
	return err
}

// Close releases the current peer.
func (d *FakeDriver) Close() error {
	return d.HangUp()
}

type fakeDevice struct {
	driver  *FakeDriver
	file    *os.File
	once    sync.Once
	counted bool
}

func (f *fakeDevice) Read(p []byte) (int, error) {
	return f.file.Read(p)
}

func (f *fakeDevice) Write(p []byte) (int, error) {
	return f.file.Write(p)
}

func (f *fakeDevice) SetPower(on bool) error {
	d := f.driver
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.powerErr != nil {
		return d.powerErr
	}
	d.powerCalls = append(d.powerCalls, on)
	return nil
}

func (f *fakeDevice) Clone() (pn54x.Device, error) {
	file, err := f.File()
	if err != nil {
		return nil, err
	}
	return &fakeDevice{driver: f.driver, file: file}, nil
}

func (f *fakeDevice) File() (*os.File, error) {
	// Fd() would switch the shared descriptor to blocking mode.
	rc, err := f.file.SyscallConn()
	if err != nil {
		return nil, err
	}
	fd := -1
	var dupErr error
	if err := rc.Control(func(raw uintptr) {
		fd, dupErr = unix.FcntlInt(raw, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return nil, err
	}
	if dupErr != nil {
		return nil, fmt.Errorf("dup: %w", dupErr)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set non-blocking: %w", err)
	}
	return os.NewFile(uintptr(fd), f.file.Name()), nil
}

func (f *fakeDevice) Close() error {
	var err error
	f.once.Do(func() {
		err = f.file.Close()
		if f.counted {
			f.driver.mu.Lock()
			f.driver.live--
			f.driver.mu.Unlock()
		}
	})
	return err
}

var _ pn54x.FileDevice = (*fakeDevice)(nil)
