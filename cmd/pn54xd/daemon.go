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
	"time"

	pn54x "github.com/ZaparooProject/go-pn54x"
	"github.com/ZaparooProject/go-pn54x/adapter"
	"github.com/ZaparooProject/go-pn54x/internal/loop"
)

const (
	// initTimeout covers every restart the core makes before giving up.
	initTimeout = (maxRestarts + 2) * defaultCommandTimeout
	// powerOffTimeout bounds a deferred power-off.
	powerOffTimeout = 2 * time.Second
	// rearmDelay is how long an activated target is left alone before
	// discovery resumes.
	rearmDelay = time.Second
)

var (
	errInitTimeout     = errors.New("controller did not finish initialisation")
	errPowerOffTimeout = errors.New("controller did not reach idle")
	errCoreStopped     = errors.New("NCI core stopped")
)

type powerEvent struct {
	on        bool
	requested bool
}

// daemon owns the event loop, the transport, the interlock and the core.
// Channels carry what happens on the loop to the goroutine driving it.
type daemon struct {
	loop     *loop.Loop
	tr       *pn54x.Transport
	adapter  *adapter.Adapter
	core     *nciCore
	stopLoop context.CancelFunc
	loopDone chan struct{}
	states   chan adapter.RFState
	power    chan powerEvent
	tags     chan Activation
	rearm    time.Duration
}

func newDaemon(path string, driver pn54x.Driver, opts ...pn54x.Option) (*daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &daemon{
		loop:     loop.New(),
		stopLoop: cancel,
		loopDone: make(chan struct{}),
		states:   make(chan adapter.RFState, 64),
		power:    make(chan powerEvent, 16),
		tags:     make(chan Activation, 16),
		rearm:    rearmDelay,
	}
	go func() {
		defer close(d.loopDone)
		_ = d.loop.Run(ctx)
	}()

	tr, err := pn54x.New(path, driver, append(opts, pn54x.WithLoop(d.loop))...)
	if err != nil {
		d.shutdownLoop()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	d.tr = tr

	d.adapter, err = adapter.New(tr, func(a *adapter.Adapter) (adapter.Core, error) {
		d.core = newCore(tr, a, tr.Invoke)
		d.core.onActivated = d.activated
		return d.core, nil
	}, adapter.WithNotifier(d.powerChanged), adapter.WithObserver(d))
	if err != nil {
		_ = tr.Close()
		d.shutdownLoop()
		return nil, err
	}
	return d, nil
}

// CurrentStateChanged implements adapter.Observer.
func (d *daemon) CurrentStateChanged(core adapter.Core) {
	select {
	case d.states <- core.CurrentState():
	default:
		pn54x.Debugln("State channel full, dropping", core.CurrentState())
	}
}

// NextStateChanged implements adapter.Observer.
func (*daemon) NextStateChanged(core adapter.Core) {
	pn54x.Debugf("RF next state %s", core.NextState())
}

func (d *daemon) powerChanged(on, requested bool) {
	pn54x.Debugf("Power %s (requested: %v)", onOff(on), requested)
	select {
	case d.power <- powerEvent{on: on, requested: requested}:
	default:
	}
}

func (d *daemon) activated(act Activation) {
	_, _ = fmt.Printf("Target activated: %s\n", act)
	select {
	case d.tags <- act:
	default:
	}
	time.AfterFunc(d.rearm, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.tr.Invoke(ctx, func() {
			if d.adapter.State() == adapter.PowerOn &&
				d.core.CurrentState() == adapter.RFStatePollActive {
				d.core.SetState(adapter.RFStateDiscovery)
			}
		})
	})
}

// powerUp switches the controller on and waits for the core to finish
// initialisation, retrying with retry.
func (d *daemon) powerUp(ctx context.Context, retry *pn54x.RetryConfig) error {
	return pn54x.RetryWithConfig(ctx, retry, func() error {
		err := d.reach(ctx, adapter.RFStateIdle, func() error {
			if _, err := d.adapter.RequestPower(true); err != nil {
				return err
			}
			return d.core.Err()
		})
		if err != nil {
			_ = d.powerDown(ctx)
		}
		return err
	})
}

// powerDown switches the controller off, waiting for the RF state machine
// to go idle first if it has to.
func (d *daemon) powerDown(ctx context.Context) error {
	drain(d.power)
	var res adapter.Result
	var err error
	if ierr := d.tr.Invoke(ctx, func() {
		res, err = d.adapter.RequestPower(false)
	}); ierr != nil {
		return ierr
	}
	if err != nil || res == adapter.ResultDone {
		return err
	}

	timer := time.NewTimer(powerOffTimeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-d.power:
			if !ev.on {
				return nil
			}
		case <-timer.C:
			_ = d.tr.Invoke(context.Background(), d.adapter.CancelPowerRequest)
			return pn54x.NewTransportError("power off", d.tr.Path(), errPowerOffTimeout, nil, pn54x.ErrorTypeTimeout)
		case <-ctx.Done():
			_ = d.tr.Invoke(context.Background(), d.adapter.CancelPowerRequest)
			return ctx.Err()
		}
	}
}

// startDiscovery asks the core to poll and waits until it does.
func (d *daemon) startDiscovery(ctx context.Context) error {
	return d.reach(ctx, adapter.RFStateDiscovery, func() error {
		d.core.SetState(adapter.RFStateDiscovery)
		return nil
	})
}

// reach runs fn on the loop and waits for the core to be in want.
func (d *daemon) reach(ctx context.Context, want adapter.RFState, fn func() error) error {
	drain(d.states)
	var err error
	var current adapter.RFState
	if ierr := d.tr.Invoke(ctx, func() {
		err = fn()
		current = d.core.CurrentState()
	}); ierr != nil {
		return ierr
	}
	if err != nil || current == want {
		return err
	}
	return d.waitState(ctx, want, initTimeout)
}

// waitState waits for the core to reach want. A stopped core ends the wait
// with the error that stopped it.
func (d *daemon) waitState(ctx context.Context, want adapter.RFState, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case s := <-d.states:
			switch s {
			case want:
				return nil
			case adapter.StateStop:
				return d.coreErr(ctx)
			}
		case <-timer.C:
			return pn54x.NewTransportError("wait "+want.String(), d.tr.Path(), errInitTimeout, nil, pn54x.ErrorTypeTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *daemon) coreErr(ctx context.Context) error {
	var err error
	_ = d.tr.Invoke(ctx, func() { err = d.core.Err() })
	if err == nil {
		err = errCoreStopped
	}
	return err
}

// serve polls for targets until ctx ends. A core stopped by a transport
// error is brought back unless the device is gone.
func (d *daemon) serve(ctx context.Context, retry *pn54x.RetryConfig) error {
	if err := d.startDiscovery(ctx); err != nil {
		return err
	}
	_, _ = fmt.Println("Polling for targets. Press Ctrl+C to stop...")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-d.states:
			if s != adapter.StateStop {
				continue
			}
			err := d.coreErr(ctx)
			if pn54x.IsFatal(err) {
				return err
			}
			pn54x.Debugf("Recovering from: %v", err)
			_ = d.powerDown(ctx)
			if err := d.powerUp(ctx, retry); err != nil {
				return err
			}
			if err := d.startDiscovery(ctx); err != nil {
				return err
			}
		}
	}
}

// close powers the controller off and releases everything. It must not be
// called from the loop.
func (d *daemon) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), powerOffTimeout)
	defer cancel()
	var err error
	if ierr := d.tr.Invoke(ctx, func() { err = d.adapter.Close() }); ierr != nil {
		err = errors.Join(ierr, d.tr.Close())
	}
	d.shutdownLoop()
	return err
}

func (d *daemon) shutdownLoop() {
	d.stopLoop()
	<-d.loopDone
	d.loop.Close()
}

func drain[T any](ch chan T) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
