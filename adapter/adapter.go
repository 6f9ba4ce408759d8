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

// Package adapter couples chip power to the NCI RF state machine. It keeps
// the chip powered while an RF session is active, defers power-off until
// the state machine goes idle and recovers from RF errors by power cycling
// the chip.
//
// An Adapter is not safe for concurrent use. It is meant to be driven from
// the event loop that also runs the RF core; other goroutines go through
// loop.Invoke.
package adapter

import (
	"errors"
	"fmt"
	"io"

	pn54x "github.com/ZaparooProject/go-pn54x"
)

// ErrClosed is returned by RequestPower after Close.
var ErrClosed = errors.New("adapter closed")

// Core is the part of the NCI RF core the interlock drives.
type Core interface {
	CurrentState() RFState
	NextState() RFState
	// SetState asks the core to move towards the given state.
	SetState(state RFState)
	// Restart resets the core after the chip has been powered on.
	Restart()
}

// PowerTransport switches chip power. *pn54x.Transport implements it.
type PowerTransport interface {
	SetPower(on bool) error
}

// CoreFactory creates the RF core for a new adapter. The core reports its
// transitions back through a.CurrentStateChanged and a.NextStateChanged.
type CoreFactory func(a *Adapter) (Core, error)

// Observer receives RF state changes before the interlock acts on them.
type Observer interface {
	CurrentStateChanged(core Core)
	NextStateChanged(core Core)
}

// PowerNotifier is told about every power switch. requested is true when
// the switch completes a RequestPower call and false when it happened on
// its own, for example after an earlier request was cancelled.
type PowerNotifier func(on, requested bool)

// Option configures an Adapter.
type Option func(*Adapter)

// WithNotifier sets the power notifier.
func WithNotifier(fn PowerNotifier) Option {
	return func(a *Adapter) {
		a.notifier = fn
	}
}

// WithObserver sets the base observer called ahead of the interlock hooks.
func WithObserver(o Observer) Option {
	return func(a *Adapter) {
		a.base = o
	}
}

// Adapter is the power/state interlock for one transport.
type Adapter struct {
	transport PowerTransport
	core      Core
	base      Observer
	notifier  PowerNotifier
	power     PowerState
	closed    bool
}

// New creates an adapter for t. The chip is assumed to be powered off,
// which is what pn54x.New leaves it in.
func New(t PowerTransport, factory CoreFactory, opts ...Option) (*Adapter, error) {
	if t == nil {
		return nil, errors.New("adapter: nil transport")
	}
	if factory == nil {
		return nil, errors.New("adapter: nil core factory")
	}

	a := &Adapter{transport: t}
	for _, opt := range opts {
		opt(a)
	}

	core, err := factory(a)
	if err != nil {
		return nil, fmt.Errorf("adapter: create core: %w", err)
	}
	if core == nil {
		return nil, errors.New("adapter: core factory returned nil")
	}
	a.core = core
	return a, nil
}

// Core returns the RF core created by the factory.
func (a *Adapter) Core() Core {
	return a.core
}

// State returns the current power state.
func (a *Adapter) State() PowerState {
	return a.power
}

// RequestPower asks for the chip to be switched on or off.
//
// Switching on powers the chip and restarts the core, or just returns the
// core to RFStateIdle when power is already on. A failed power-on leaves
// the chip off and sends no notification.
//
// Switching off happens at once when the RF state machine is quiescent.
// Otherwise the core is sent to RFStateIdle and, if it is actually heading
// there, ResultPending is returned and the switch completes from one of the
// state hooks.
func (a *Adapter) RequestPower(on bool) (Result, error) {
	if a.closed {
		return ResultDone, ErrClosed
	}
	if on {
		return a.powerOn()
	}
	return a.powerOff(), nil
}

func (a *Adapter) powerOn() (Result, error) {
	if a.power.Powered() {
		a.power = PowerOn
		a.core.SetState(RFStateIdle)
		a.notify(true, true)
		return ResultDone, nil
	}

	if err := a.transport.SetPower(true); err != nil {
		return ResultDone, fmt.Errorf("power on: %w", err)
	}
	a.power = PowerOn
	a.core.Restart()
	a.notify(true, true)
	return ResultDone, nil
}

func (a *Adapter) powerOff() Result {
	if !a.power.Powered() {
		a.notify(false, true)
		return ResultDone
	}

	if a.canPowerOff() {
		a.switchOff()
		a.notify(false, true)
		return ResultDone
	}

	a.power = PowerDraining
	a.core.SetState(RFStateIdle)

	// The hooks may already have switched the chip off while SetState ran.
	if a.power == PowerDraining &&
		a.core.CurrentState() != RFStateIdle && a.core.NextState() == RFStateIdle {
		a.power = PowerOffPending
		pn54x.Debugf("Power off deferred until %s", RFStateIdle)
		return ResultPending
	}
	return ResultDone
}

// CancelPowerRequest abandons whatever power change is in progress. The
// chip keeps its current power and a deferred power-off will not report
// completion.
func (a *Adapter) CancelPowerRequest() {
	if a.power.Powered() {
		a.power = PowerOn
	}
}

// CurrentStateChanged must be called by the core whenever its current
// state changes.
func (a *Adapter) CurrentStateChanged() {
	if a.base != nil {
		a.base.CurrentStateChanged(a.core)
	}
	a.check()
}

// NextStateChanged must be called by the core whenever its next state
// changes. An RF error while powered is recovered by power cycling the chip.
func (a *Adapter) NextStateChanged() {
	if a.base != nil {
		a.base.NextStateChanged(a.core)
	}
	if a.core.NextState() == StateError && a.power.Powered() {
		pn54x.Debugln("RF error, power cycling chip")
		a.setPower(false)
		a.setPower(true)
	}
	a.check()
}

// Close switches the chip off if it is powered and releases the core and
// the transport when they implement io.Closer.
func (a *Adapter) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true

	if a.power.Powered() {
		a.switchOff()
	}

	var errs []error
	if c, ok := a.core.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if c, ok := a.transport.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func (a *Adapter) check() {
	if a.closed || !a.canPowerOff() {
		return
	}
	switch a.power {
	case PowerDraining:
		a.switchOff()
		a.notify(false, false)
	case PowerOffPending:
		a.switchOff()
		a.notify(false, true)
	case PowerOff, PowerOn:
	}
}

func (a *Adapter) canPowerOff() bool {
	return a.core.CurrentState().Quiescent()
}

// switchOff marks the chip off even when the power request fails; the
// device is unusable either way.
func (a *Adapter) switchOff() {
	a.setPower(false)
	a.power = PowerOff
}

func (a *Adapter) setPower(on bool) {
	if err := a.transport.SetPower(on); err != nil {
		pn54x.Debugf("Power %v failed: %v", on, err)
	}
}

func (a *Adapter) notify(on, requested bool) {
	if a.notifier != nil {
		a.notifier(on, requested)
	}
}
