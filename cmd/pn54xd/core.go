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

package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	pn54x "github.com/ZaparooProject/go-pn54x"
	"github.com/ZaparooProject/go-pn54x/adapter"
	"github.com/ZaparooProject/go-pn54x/internal/frame"
)

const (
	defaultCommandTimeout = time.Second

	// maxRestarts is how many times in a row the core recovers from an
	// error before it gives up and stops.
	maxRestarts = 3

	deactivateIdle      = 0x00
	deactivateDiscovery = 0x03

	modePollA = 0x00
)

var (
	errCommandTimeout  = errors.New("no response from controller")
	errCommandFailed   = errors.New("command rejected by controller")
	errControllerReset = errors.New("controller reset itself")
	errGenericError    = errors.New("controller reported an error")
)

// stateListener is what the core reports its transitions to. *adapter.Adapter
// implements it.
type stateListener interface {
	CurrentStateChanged()
	NextStateChanged()
	State() adapter.PowerState
}

// Activation describes a remote endpoint the controller activated.
type Activation struct {
	// UID is the NFCID1 of an NFC-A target, nil for other technologies.
	UID       []byte
	ID        byte
	Interface byte
	Protocol  byte
	Mode      byte
}

func (a Activation) String() string {
	if a.UID == nil {
		return fmt.Sprintf("target %d protocol 0x%02X mode 0x%02X", a.ID, a.Protocol, a.Mode)
	}
	return fmt.Sprintf("target %d protocol 0x%02X UID %X", a.ID, a.Protocol, a.UID)
}

type command struct {
	name string
	pkt  []byte
	gid  byte
	oid  byte
}

func newCommand(name string, gid, oid byte, payload []byte) *command {
	pkt, err := frame.BuildControl(frame.MTCommand, gid, oid, payload)
	if err != nil {
		panic(err) // payloads are fixed and short
	}
	return &command{name: name, pkt: pkt, gid: gid, oid: oid}
}

// nciCore is the slice of an NCI stack the daemon needs: reset and
// initialise the controller, then poll for NFC-A targets. It lives on the
// transport's event loop; every method except those called by timers must be
// invoked there.
type nciCore struct {
	hal         pn54x.HalIO
	listener    stateListener
	invoke      func(ctx context.Context, fn func()) error
	onActivated func(Activation)
	err         error
	pending     *command
	timer       *time.Timer
	queue       []*command
	timeout     time.Duration
	seq         uint64
	current     adapter.RFState
	next        adapter.RFState
	resume      adapter.RFState
	failures    int
	nci2        bool
	awaitReset  bool
	awaitDeact  bool
}

func newCore(
	hal pn54x.HalIO, listener stateListener, invoke func(context.Context, func()) error,
) *nciCore {
	return &nciCore{
		hal:      hal,
		listener: listener,
		invoke:   invoke,
		timeout:  defaultCommandTimeout,
		current:  adapter.StateInit,
		next:     adapter.StateInit,
		resume:   adapter.RFStateIdle,
	}
}

// CurrentState implements adapter.Core.
func (c *nciCore) CurrentState() adapter.RFState {
	return c.current
}

// NextState implements adapter.Core.
func (c *nciCore) NextState() adapter.RFState {
	return c.next
}

// Err returns the error that stopped the core, or nil.
func (c *nciCore) Err() error {
	return c.err
}

// SetState implements adapter.Core. Only RFStateIdle and RFStateDiscovery
// can be requested; the target survives error recovery.
func (c *nciCore) SetState(state adapter.RFState) {
	switch state {
	case adapter.RFStateIdle, adapter.RFStateDiscovery:
	default:
		pn54x.Debugf("Ignoring request for %s", state)
		return
	}
	c.resume = state
	c.setNext(state)
	c.advance()
}

// Restart implements adapter.Core.
func (c *nciCore) Restart() {
	c.failures = 0
	c.restart()
}

func (c *nciCore) restart() {
	c.hal.Stop()
	c.clearCommands()
	c.err = nil
	c.nci2 = false
	c.awaitReset = false
	c.awaitDeact = false

	c.setCurrent(adapter.StateInit)
	if !c.listener.State().Powered() {
		// Switched off by a pending power-off; the next power-on restarts.
		return
	}
	c.setNext(max(c.resume, adapter.RFStateIdle))
	if err := c.hal.Start(c); err != nil {
		c.stop(err)
		return
	}
	c.send(newCommand("CORE_RESET", frame.GIDCore, frame.OIDCoreReset, []byte{0x01}))
}

// Close stops the core; the adapter calls it on shutdown.
func (c *nciCore) Close() error {
	c.clearCommands()
	c.hal.Stop()
	return nil
}

// PacketReceived implements pn54x.Client.
func (c *nciCore) PacketReceived(pkt []byte) {
	h, err := frame.ParseHeader(pkt)
	if err != nil {
		pn54x.Debugf("Dropping packet: %v", err)
		return
	}
	payload := pkt[frame.HeaderSize:]
	switch h.MT {
	case frame.MTResponse:
		c.handleResponse(h, payload)
	case frame.MTNotification:
		c.handleNotification(h, payload)
	default:
		pn54x.Debugf("Ignoring %s", h)
	}
}

// TransportError implements pn54x.Client.
func (c *nciCore) TransportError(err error) {
	c.stop(err)
}

func (c *nciCore) handleResponse(h frame.Header, payload []byte) {
	cmd := c.pending
	if cmd == nil || cmd.gid != h.GID || cmd.oid != h.OID {
		pn54x.Debugf("Unexpected response %s", h)
		return
	}
	c.hal.CancelWrite()
	c.pending = nil
	c.stopTimer()

	if len(payload) == 0 || payload[0] != frame.StatusOK {
		status := byte(0xFF)
		if len(payload) > 0 {
			status = payload[0]
		}
		c.fail(fmt.Errorf("%w: %s status 0x%02X", errCommandFailed, cmd.name, status))
		return
	}

	switch {
	case h.GID == frame.GIDCore && h.OID == frame.OIDCoreReset:
		// NCI 1.x answers with status, version and config status; NCI 2.0
		// only with status and sends the rest in CORE_RESET_NTF.
		if len(payload) == 1 {
			c.nci2 = true
			c.awaitReset = true
		} else {
			c.send(newCommand("CORE_INIT", frame.GIDCore, frame.OIDCoreInit, nil))
		}
	case h.GID == frame.GIDCore && h.OID == frame.OIDCoreInit:
		c.failures = 0
		c.setCurrent(adapter.RFStateIdle)
	case h.GID == frame.GIDRF && h.OID == frame.OIDRFDiscover:
		c.setCurrent(adapter.RFStateDiscovery)
	case h.GID == frame.GIDRF && h.OID == frame.OIDRFDeactivate:
		if c.current == adapter.RFStateDiscovery {
			c.setCurrent(adapter.RFStateIdle)
		} else {
			c.awaitDeact = true
		}
	}
	c.pump()
	c.advance()
}

func (c *nciCore) handleNotification(h frame.Header, payload []byte) {
	switch {
	case h.GID == frame.GIDCore && h.OID == frame.OIDCoreReset:
		if !c.awaitReset {
			c.fail(errControllerReset)
			return
		}
		c.awaitReset = false
		c.send(newCommand("CORE_INIT", frame.GIDCore, frame.OIDCoreInit, []byte{0x00, 0x00}))
	case h.GID == frame.GIDCore && h.OID == frame.OIDCoreGenErr:
		status := byte(0xFF)
		if len(payload) > 0 {
			status = payload[0]
		}
		c.fail(fmt.Errorf("%w: status 0x%02X", errGenericError, status))
	case h.GID == frame.GIDRF && h.OID == frame.OIDRFIntfActivated:
		act, err := parseActivation(payload)
		if err != nil {
			pn54x.Debugf("Bad activation: %v", err)
		}
		c.setCurrent(adapter.RFStatePollActive)
		if c.next == adapter.RFStateDiscovery {
			// Stay with the target until discovery is requested again.
			c.setNext(adapter.RFStatePollActive)
		}
		if err == nil && c.onActivated != nil {
			c.onActivated(act)
		}
		c.advance()
	case h.GID == frame.GIDRF && h.OID == frame.OIDRFDeactivate:
		c.awaitDeact = false
		if len(payload) > 0 && payload[0] == deactivateDiscovery {
			c.setCurrent(adapter.RFStateDiscovery)
		} else {
			c.setCurrent(adapter.RFStateIdle)
		}
		c.advance()
	default:
		pn54x.Debugf("Ignoring %s", h)
	}
}

// advance issues the command that moves the RF state towards next, once
// nothing else is in flight.
func (c *nciCore) advance() {
	if c.pending != nil || len(c.queue) > 0 || c.awaitDeact || c.awaitReset {
		return
	}
	if c.current < adapter.RFStateIdle || c.current == c.next {
		return
	}
	switch {
	case c.next == adapter.RFStateIdle:
		c.send(newCommand("RF_DEACTIVATE", frame.GIDRF, frame.OIDRFDeactivate, []byte{deactivateIdle}))
	case c.next == adapter.RFStateDiscovery && c.current == adapter.RFStateIdle:
		// One configuration: NFC-A passive poll, every discovery period.
		c.send(newCommand("RF_DISCOVER", frame.GIDRF, frame.OIDRFDiscover, []byte{0x01, modePollA, 0x01}))
	case c.next == adapter.RFStateDiscovery && c.current == adapter.RFStatePollActive:
		c.send(newCommand("RF_DEACTIVATE", frame.GIDRF, frame.OIDRFDeactivate, []byte{deactivateDiscovery}))
	}
}

func (c *nciCore) send(cmd *command) {
	c.queue = append(c.queue, cmd)
	c.pump()
}

// pump writes the next queued command if none is awaiting its response.
func (c *nciCore) pump() {
	if c.pending != nil || len(c.queue) == 0 {
		return
	}
	cmd := c.queue[0]
	c.queue = c.queue[1:]
	c.pending = cmd

	name := cmd.name
	err := c.hal.Write([][]byte{cmd.pkt}, func(bool) {
		pn54x.Debugf("%s written", name)
	})
	if err != nil {
		c.stop(err)
		return
	}

	c.seq++
	seq := c.seq
	c.timer = time.AfterFunc(c.timeout, func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		_ = c.invoke(ctx, func() { c.expire(seq) })
	})
}

func (c *nciCore) expire(seq uint64) {
	if seq != c.seq || c.pending == nil {
		return
	}
	name := c.pending.name
	c.hal.CancelWrite()
	c.pending = nil
	c.fail(pn54x.NewTransportError(name, "", errCommandTimeout, nil, pn54x.ErrorTypeTimeout))
}

// fail recovers from a controller error by going through StateError, which
// makes the adapter power cycle the chip, and restarting.
func (c *nciCore) fail(err error) {
	pn54x.Debugf("NCI core error: %v", err)
	c.failures++
	if c.failures > maxRestarts {
		c.stop(err)
		return
	}
	c.clearCommands()
	c.setNext(adapter.StateError)
	c.restart()
}

func (c *nciCore) stop(err error) {
	c.clearCommands()
	c.hal.Stop()
	c.err = err
	pn54x.Debugf("NCI core stopped: %v", err)
	c.setNext(adapter.StateStop)
	c.setCurrent(adapter.StateStop)
}

func (c *nciCore) clearCommands() {
	c.stopTimer()
	if c.pending != nil {
		c.hal.CancelWrite()
	}
	c.pending = nil
	c.queue = nil
}

func (c *nciCore) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.seq++
}

func (c *nciCore) setCurrent(state adapter.RFState) {
	if c.current == state {
		return
	}
	pn54x.Debugf("RF state %s -> %s", c.current, state)
	c.current = state
	c.listener.CurrentStateChanged()
}

func (c *nciCore) setNext(state adapter.RFState) {
	if c.next == state {
		return
	}
	c.next = state
	c.listener.NextStateChanged()
}

// parseActivation decodes RF_INTF_ACTIVATED_NTF far enough to name the
// target.
func parseActivation(p []byte) (Activation, error) {
	if len(p) < 7 {
		return Activation{}, fmt.Errorf("short RF_INTF_ACTIVATED_NTF: %d byte(s)", len(p))
	}
	act := Activation{ID: p[0], Interface: p[1], Protocol: p[2], Mode: p[3]}
	n := int(p[6])
	params := p[7:]
	if len(params) < n {
		return act, fmt.Errorf("RF parameters truncated: want %d byte(s), have %d", n, len(params))
	}
	params = params[:n]
	// NFC-A poll parameters: SENS_RES (2), NFCID1 length, NFCID1, ...
	if act.Mode == modePollA && len(params) >= 3 {
		if l := int(params[2]); len(params) >= 3+l {
			act.UID = slices.Clone(params[3 : 3+l])
		}
	}
	return act, nil
}

var (
	_ adapter.Core  = (*nciCore)(nil)
	_ pn54x.Client  = (*nciCore)(nil)
	_ stateListener = (*adapter.Adapter)(nil)
)
