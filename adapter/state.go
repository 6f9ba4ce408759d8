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

package adapter

import "fmt"

// RFState is a state of the NCI RF state machine. The ordering matters:
// every state up to and including RFStateIdle has no RF field or exchange
// in progress.
type RFState int

const (
	StateInit RFState = iota
	StateError
	StateStop
	RFStateIdle
	RFStateDiscovery
	RFStateW4AllDiscoveries
	RFStateW4HostSelect
	RFStatePollActive
	RFStateListenActive
	RFStateListenSleep
)

var rfStateNames = [...]string{
	StateInit:               "INIT",
	StateError:              "ERROR",
	StateStop:               "STOP",
	RFStateIdle:             "RFST_IDLE",
	RFStateDiscovery:        "RFST_DISCOVERY",
	RFStateW4AllDiscoveries: "RFST_W4_ALL_DISCOVERIES",
	RFStateW4HostSelect:     "RFST_W4_HOST_SELECT",
	RFStatePollActive:       "RFST_POLL_ACTIVE",
	RFStateListenActive:     "RFST_LISTEN_ACTIVE",
	RFStateListenSleep:      "RFST_LISTEN_SLEEP",
}

func (s RFState) String() string {
	if s >= 0 && int(s) < len(rfStateNames) {
		return rfStateNames[s]
	}
	return fmt.Sprintf("RFState(%d)", int(s))
}

// Quiescent reports whether the chip may lose power in this state.
func (s RFState) Quiescent() bool {
	return s <= RFStateIdle
}

// PowerState is the interlock's view of chip power.
type PowerState int

const (
	// PowerOff means no power is applied.
	PowerOff PowerState = iota
	// PowerOn means power is applied and wanted.
	PowerOn
	// PowerDraining means power is still applied but no longer wanted. The
	// chip is switched off as soon as the RF state machine goes quiescent
	// and the switch is reported as unsolicited.
	PowerDraining
	// PowerOffPending is PowerDraining with a power-off request waiting
	// for completion. Only reachable while the RF state machine is on its
	// way to RFStateIdle.
	PowerOffPending
)

func (p PowerState) String() string {
	switch p {
	case PowerOff:
		return "off"
	case PowerOn:
		return "on"
	case PowerDraining:
		return "draining"
	case PowerOffPending:
		return "off-pending"
	default:
		return fmt.Sprintf("PowerState(%d)", int(p))
	}
}

// Powered reports whether the chip has power applied.
func (p PowerState) Powered() bool {
	return p != PowerOff
}

// Result tells the caller of RequestPower whether the request is finished.
type Result int

const (
	// ResultDone means nothing is outstanding. Any notification for the
	// request has already been delivered.
	ResultDone Result = iota
	// ResultPending means a PowerNotifier call with requested=true will
	// follow once the RF state machine reaches idle.
	ResultPending
)

func (r Result) String() string {
	if r == ResultPending {
		return "pending"
	}
	return "done"
}
