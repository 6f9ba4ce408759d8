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
	"context"
	"errors"
	"io"
	"os"

	"github.com/ZaparooProject/go-pn54x/internal/frame"
	"github.com/ZaparooProject/go-pn54x/internal/loop"
	"github.com/ZaparooProject/go-pn54x/internal/syncutil"
)

const defaultTraceSize = 16

// Transport is a packet-oriented channel to a PN54x controller. It
// implements HalIO for an NCI protocol core and exposes SetPower for the
// adapter's power interlock.
//
// Methods may be called from any goroutine, including from within client
// callbacks. Packets, errors and write completions are delivered on the
// event loop.
type Transport struct {
	driver   Driver
	isolator Isolator
	hexdump  HexdumpSink
	loop     *loop.Loop
	stopLoop context.CancelFunc
	loopDone chan struct{}
	trace    *TraceBuffer

	dev       Device
	reader    *reader
	client    Client
	writeCb   WriteCallback
	path      string
	carry     frame.Reassembler
	writeTask loop.TaskID
	writeSeq  uint64
	mu        syncutil.Mutex
	closed    bool
}

// reader is one running isolator worker and the goroutine watching its pipe.
type reader struct {
	worker Worker
	pipe   *os.File
	done   chan struct{}
	failed bool
}

// Option configures a Transport.
type Option func(*Transport) error

// WithLoop delivers events on l instead of a loop owned by the transport.
// The caller runs and closes l.
func WithLoop(l *loop.Loop) Option {
	return func(t *Transport) error {
		if l == nil {
			return errors.New("nil event loop")
		}
		t.loop = l
		return nil
	}
}

// WithIsolator selects how blocking reads are isolated. The default is
// GoroutineIsolator, which suits drivers whose Close interrupts a Read.
// The pn544 kernel driver does not; give it ProcessIsolator.
func WithIsolator(iso Isolator) Option {
	return func(t *Transport) error {
		if iso == nil {
			return errors.New("nil isolator")
		}
		t.isolator = iso
		return nil
	}
}

// WithHexdump dumps every chunk read and written to sink. The sink is called
// with the transport locked and must not call back into it.
func WithHexdump(sink HexdumpSink) Option {
	return func(t *Transport) error {
		t.hexdump = sink
		return nil
	}
}

// WithTraceSize sets how many recent packets are attached to read errors.
func WithTraceSize(n int) Option {
	return func(t *Transport) error {
		t.trace = NewTraceBuffer(t.path, n)
		return nil
	}
}

// New creates a transport for the device at path and powers the controller
// off, which also checks that the driver is there.
func New(path string, driver Driver, opts ...Option) (*Transport, error) {
	if driver == nil {
		return nil, errors.New("nil driver")
	}
	t := &Transport{
		path:     path,
		driver:   driver,
		isolator: GoroutineIsolator{},
		trace:    NewTraceBuffer(path, defaultTraceSize),
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}

	if t.loop == nil {
		ctx, cancel := context.WithCancel(context.Background())
		t.loop = loop.New()
		t.stopLoop = cancel
		t.loopDone = make(chan struct{})
		go func() {
			defer close(t.loopDone)
			_ = t.loop.Run(ctx)
		}()
	}

	if err := t.SetPower(false); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

// Path returns the device path.
func (t *Transport) Path() string {
	return t.path
}

// Started reports whether a read isolator is running.
func (t *Transport) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reader != nil
}

// Invoke runs fn on the transport's event loop and waits for it.
func (t *Transport) Invoke(ctx context.Context, fn func()) error {
	return t.loop.Invoke(ctx, fn)
}

// Start opens the device if needed and starts reading. Packets go to client
// until Stop. If anything fails the transport is left closed.
func (t *Transport) Start(client Client) error {
	if client == nil {
		return errors.New("nil client")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	if t.reader != nil {
		return ErrAlreadyStarted
	}
	if err := t.openLocked(); err != nil {
		return err
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		t.closeLocked()
		return NewTransportError("start", t.path, ErrIsolatorSpawn, err, ErrorTypeTransient)
	}
	worker, err := t.isolator.Spawn(t.dev, pw)
	if err != nil {
		_ = pr.Close()
		t.closeLocked()
		return NewTransportError("start", t.path, ErrIsolatorSpawn, err, ErrorTypeTransient)
	}

	rd := &reader{worker: worker, pipe: pr, done: make(chan struct{})}
	t.reader = rd
	t.client = client
	t.carry.Reset()
	t.trace.Clear()
	go t.watch(rd)
	Debugf("Started reading %s", t.path)
	return nil
}

// Stop drops the client and any pending write completion and closes the
// device. It is idempotent and may be called from a client callback.
func (t *Transport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *Transport) stopLocked() {
	t.client = nil
	t.writeCb = nil
	t.writeSeq++
	t.carry.Reset()
	if t.writeTask != 0 {
		t.loop.Cancel(t.writeTask)
		t.writeTask = 0
	}
	t.closeLocked()
}

// Write sends the concatenation of chunks in a single device write. If cb is
// non-nil it runs once on the event loop after a successful write, unless
// CancelWrite or Stop comes first.
func (t *Transport) Write(chunks [][]byte, cb WriteCallback) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	if cb != nil && t.writeCb != nil {
		return ErrWritePending
	}
	if err := t.openLocked(); err != nil {
		return err
	}

	var data []byte
	switch len(chunks) {
	case 0:
	case 1:
		data = chunks[0]
	default:
		total := 0
		for _, c := range chunks {
			total += len(c)
		}
		data = frame.GetBuffer(total)[:0]
		for _, c := range chunks {
			data = append(data, c...)
		}
		defer frame.PutBuffer(data)
	}

	if t.hexdump != nil {
		t.hexdump.Dump(DirOut, data)
	}
	t.trace.RecordTX(data, "")

	n, err := t.dev.Write(data)
	if err != nil {
		return newDeviceError("write", t.path, ErrWriteFailed, err)
	}
	if n != len(data) {
		return NewTransportError("write", t.path, ErrWriteFailed, io.ErrShortWrite, ErrorTypeTransient)
	}

	if cb != nil {
		t.writeSeq++
		seq := t.writeSeq
		t.writeCb = cb
		t.writeTask = t.loop.Post(func() { t.completeWrite(seq) })
	}
	return nil
}

func (t *Transport) completeWrite(seq uint64) {
	t.mu.Lock()
	if t.writeSeq != seq || t.writeCb == nil {
		t.mu.Unlock()
		return
	}
	cb := t.writeCb
	t.writeCb = nil
	t.writeTask = 0
	t.mu.Unlock()

	cb(true)
}

// CancelWrite discards the pending write completion. Bytes already handed
// to the device stay sent.
func (t *Transport) CancelWrite() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.writeTask != 0 {
		t.loop.Cancel(t.writeTask)
		t.writeTask = 0
	}
	if t.writeCb != nil {
		t.writeCb = nil
		t.writeSeq++
	}
}

// SetPower switches the controller on or off. Powering off also closes the
// device and stops reading; the client stays registered.
func (t *Transport) SetPower(on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	if err := t.openLocked(); err != nil {
		return err
	}
	if err := t.dev.SetPower(on); err != nil {
		return newDeviceError("set power", t.path, ErrPowerControl, err)
	}
	Debugf("%s power %s", t.path, onOff(on))
	if !on {
		t.closeLocked()
	}
	return nil
}

// Close stops the transport and releases its event loop if it owns one.
// Every later call fails with ErrTransportClosed.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.stopLocked()
	t.closed = true
	t.mu.Unlock()

	if t.stopLoop != nil {
		t.stopLoop()
		<-t.loopDone
		t.loop.Close()
	}
	return nil
}

func (t *Transport) openLocked() error {
	if t.dev != nil {
		return nil
	}
	dev, err := t.driver.Open(t.path)
	if err != nil {
		Debugf("Failed to open %s: %v", t.path, err)
		return newDeviceError("open", t.path, ErrOpenFailed, err)
	}
	t.dev = dev
	Debugf("Opened %s", t.path)
	return nil
}

func (t *Transport) closeLocked() {
	if rd := t.reader; rd != nil {
		t.reader = nil
		if err := rd.worker.Terminate(); err != nil {
			Debugf("Terminating reader for %s: %v", t.path, err)
		}
		_ = rd.pipe.Close()
		<-rd.done
	}
	if t.dev != nil {
		_ = t.dev.Close()
		t.dev = nil
		Debugf("Closed %s", t.path)
	}
}

// watch forwards chunks from the reader pipe to the event loop.
func (t *Transport) watch(rd *reader) {
	defer close(rd.done)
	for {
		chunk := frame.GetChunk()
		n, err := rd.pipe.Read(chunk)
		if n > 0 {
			t.loop.Post(func() { t.handleChunk(rd, chunk, n) })
		} else {
			frame.PutBuffer(chunk)
		}
		if err != nil {
			t.loop.Post(func() { t.handleReadError(rd, err) })
			return
		}
	}
}

func (t *Transport) handleChunk(rd *reader, chunk []byte, n int) {
	defer frame.PutBuffer(chunk)
	data := chunk[:n]

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reader != rd || rd.failed {
		return
	}
	if t.hexdump != nil {
		t.hexdump.Dump(DirIn, data)
	}

	t.carry.Feed(data, func(pkt []byte) bool {
		client := t.client
		t.trace.RecordRX(pkt, "")
		t.mu.Unlock()
		if client != nil {
			client.PacketReceived(pkt)
		}
		t.mu.Lock()
		// The client may have stopped or restarted us.
		return t.reader == rd && !rd.failed
	})
}

func (t *Transport) handleReadError(rd *reader, cause error) {
	t.mu.Lock()
	if t.reader != rd || rd.failed {
		t.mu.Unlock()
		return
	}
	rd.failed = true
	client := t.client

	var terr *TransportError
	if errors.Is(cause, io.EOF) {
		Debugf("End of stream on %s", t.path)
		terr = NewTransportError("read", t.path, ErrEndOfStream, nil, ErrorTypeTransient)
	} else {
		Debugf("Read failed on %s: %v", t.path, cause)
		terr = newDeviceError("read", t.path, ErrReadFailed, cause)
	}
	err := t.trace.WrapError(terr)
	t.mu.Unlock()

	if client != nil {
		client.TransportError(err)
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
