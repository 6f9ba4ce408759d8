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

// PacketSize returns the length of the complete packet at the start of buf,
// or 0 if buf does not (yet) hold one. A leading FillerByte never starts a
// packet: it is padding left over from the driver's fixed-size reads.
func PacketSize(buf []byte) int {
	if len(buf) < HeaderSize || buf[0] == FillerByte {
		return 0
	}
	size := HeaderSize + int(buf[LengthOffset])
	if size > len(buf) {
		return 0
	}
	return size
}

// IsFiller reports whether buf holds nothing but padding. An empty buffer
// counts as filler.
func IsFiller(buf []byte) bool {
	for _, b := range buf {
		if b != FillerByte {
			return false
		}
	}
	return true
}

// TrimFiller drops the padding in front of the next packet boundary.
func TrimFiller(buf []byte) []byte {
	i := 0
	for i < len(buf) && buf[i] == FillerByte {
		i++
	}
	return buf[i:]
}

// Reassembler turns the chunks relayed by the read isolator into complete
// packets. The zero value is ready to use. It is not safe for concurrent use.
type Reassembler struct {
	carry []byte
}

// Feed consumes one chunk and calls emit for every complete packet, in
// arrival order. Slices passed to emit alias either chunk or the previous
// carry buffer and are only valid until emit returns. Returning false from
// emit stops extraction; the unconsumed bytes are dropped in that case
// because the owner is going away.
//
// Feed returns the number of packets emitted.
func (r *Reassembler) Feed(chunk []byte, emit func(pkt []byte) bool) int {
	data := chunk
	fromCarry := len(r.carry) > 0
	if fromCarry {
		r.carry = append(r.carry, chunk...)
		data = r.carry
	}

	count := 0
	for {
		data = TrimFiller(data)
		size := PacketSize(data)
		if size == 0 {
			break
		}
		count++
		if !emit(data[:size]) {
			r.carry = nil
			return count
		}
		data = data[size:]
	}

	switch {
	case IsFiller(data):
		r.carry = r.carry[:0]
	case fromCarry:
		// Fresh backing array: packets already handed out may still alias
		// the old one.
		r.carry = append(make([]byte, 0, len(data)+MaxChunkSize), data...)
	default:
		r.carry = append(r.carry[:0], data...)
	}
	return count
}

// Pending returns the number of carried-over bytes waiting for the rest of
// their packet.
func (r *Reassembler) Pending() int {
	return len(r.carry)
}

// Reset discards any partial packet.
func (r *Reassembler) Reset() {
	r.carry = r.carry[:0]
}
