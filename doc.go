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

/*
Package pn54x is a packet transport for NXP PN54x and PN7150 class NFC
controllers driven through a Linux character device such as /dev/pn544.

The kernel driver answers blocking reads of up to 512 bytes and pads whatever
it has no data for with 0xFF. The Transport turns that byte stream into
complete NCI packets for a protocol core, writes packets back, and switches
the controller on and off through the driver's power ioctl. Reads cannot be
cancelled in the kernel, so they run in an isolated worker (a goroutine, or
a re-executed child process) that is torn down whenever the transport stops.

The companion package adapter implements the power interlock that keeps the
chip powered while an RF session is in flight.

Basic Usage:

	import (
	    "github.com/ZaparooProject/go-pn54x"
	    "github.com/ZaparooProject/go-pn54x/transport/chardev"
	)

	func main() {
	    // Needed only with pn54x.ProcessIsolator
	    pn54x.MaybeRunReaderProcess()

	    t, err := pn54x.New("/dev/pn544", chardev.Driver{})
	    if err != nil {
	        log.Fatal(err)
	    }
	    defer t.Close()

	    if err := t.SetPower(true); err != nil {
	        log.Fatal(err)
	    }
	    err = t.Start(pn54x.ClientFuncs{
	        OnPacket: func(pkt []byte) { fmt.Printf("% X\n", pkt) },
	        OnError:  func(err error) { log.Print(err) },
	    })
	    if err != nil {
	        log.Fatal(err)
	    }

	    // CORE_RESET_CMD
	    _ = t.Write([][]byte{{0x20, 0x00, 0x01, 0x01}}, nil)
	}

Debug output is enabled with PN54X_DEBUG=1 (or DEBUG=1) and can also be
captured in a session log with InitSessionLog.
*/
package pn54x
