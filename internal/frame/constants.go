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

// Package frame provides NCI packet framing and reassembly for PN54x controllers.
//
// The kernel driver hands out reads of up to MaxChunkSize bytes and fills the
// part of the buffer it has no data for with FillerByte. Nothing in this package
// performs I/O.
package frame

// Packet layout
const (
	HeaderSize     = 3 // MT/PBF/GID, OID, payload length
	LengthOffset   = 2 // Octet 2 is the payload length for control and data packets
	MaxPayloadSize = 255
	MaxPacketSize  = HeaderSize + MaxPayloadSize
	MaxChunkSize   = 512  // Largest read the driver answers in one call
	FillerByte     = 0xFF // Driver pads unused read capacity with this value
)

// NCI message types (octet 0, bits 7..5)
const (
	MTData         = 0x00
	MTCommand      = 0x01
	MTResponse     = 0x02
	MTNotification = 0x03
)

// NCI group identifiers
const (
	GIDCore        = 0x00
	GIDRF          = 0x01
	GIDNFCEE       = 0x02
	GIDProprietary = 0x0F
)

// Core group opcodes
const (
	OIDCoreReset   = 0x00
	OIDCoreInit    = 0x01
	OIDCoreGetConf = 0x03
	OIDCoreGenErr  = 0x07
)

// RF management group opcodes
const (
	OIDRFDiscover      = 0x03
	OIDRFIntfActivated = 0x05
	OIDRFDeactivate    = 0x06
)

// StatusOK is the NCI status octet for success.
const StatusOK = 0x00
