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

package frame

import "fmt"

// Header is a decoded NCI packet header. Only the length octet matters for
// framing; the rest is decoded for diagnostics and for building commands.
type Header struct {
	MT  byte // Message type
	PBF bool // Packet boundary flag, set on all but the last segment
	GID byte // Group identifier (control packets) or connection id (data)
	OID byte // Opcode identifier (control packets)
	Len byte // Payload length
}

// ParseHeader decodes the first HeaderSize octets of pkt.
func ParseHeader(pkt []byte) (Header, error) {
	if len(pkt) < HeaderSize {
		return Header{}, fmt.Errorf("short NCI header: %d byte(s)", len(pkt))
	}
	return Header{
		MT:  (pkt[0] >> 5) & 0x07,
		PBF: pkt[0]&0x10 != 0,
		GID: pkt[0] & 0x0F,
		OID: pkt[1] & 0x3F,
		Len: pkt[2],
	}, nil
}

// Bytes encodes the header.
func (h Header) Bytes() []byte {
	b0 := (h.MT&0x07)<<5 | h.GID&0x0F
	if h.PBF {
		b0 |= 0x10
	}
	return []byte{b0, h.OID & 0x3F, h.Len}
}

// String renders the header as MT/GID/OID for log lines.
func (h Header) String() string {
	kind := "data"
	switch h.MT {
	case MTCommand:
		kind = "cmd"
	case MTResponse:
		kind = "rsp"
	case MTNotification:
		kind = "ntf"
	}
	return fmt.Sprintf("%s gid=0x%X oid=0x%02X len=%d", kind, h.GID, h.OID, h.Len)
}

// BuildControl builds a complete control packet. Payloads longer than
// MaxPayloadSize need segmentation, which belongs to the protocol core.
func BuildControl(mt, gid, oid byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("NCI payload too large: %d byte(s)", len(payload))
	}
	hdr := Header{MT: mt, GID: gid, OID: oid, Len: byte(len(payload))}
	pkt := make([]byte, 0, HeaderSize+len(payload))
	pkt = append(pkt, hdr.Bytes()...)
	return append(pkt, payload...), nil
}

// CoreReset returns CORE_RESET_CMD; keepConfig selects a reset that keeps
// the current configuration.
func CoreReset(keepConfig bool) []byte {
	resetType := byte(0x01)
	if keepConfig {
		resetType = 0x00
	}
	pkt, _ := BuildControl(MTCommand, GIDCore, OIDCoreReset, []byte{resetType})
	return pkt
}
