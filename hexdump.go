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

package pn54x

import (
	"fmt"
	"io"
	"strings"

	"github.com/ZaparooProject/go-pn54x/internal/frame"
	"github.com/ZaparooProject/go-pn54x/internal/syncutil"
)

// Direction tags a hexdump with the direction of the data.
type Direction byte

const (
	// DirIn marks data read from the controller
	DirIn Direction = '>'
	// DirOut marks data written to the controller
	DirOut Direction = '<'
)

// HexdumpSink receives every chunk read from and written to the device,
// before any reassembly.
type HexdumpSink interface {
	Dump(dir Direction, data []byte)
}

const hexdumpLineSize = 16

// Hexdumper writes 16-byte hexdump lines to an io.Writer. Consecutive lines
// of pure filler are collapsed into a "line(s) skipped" marker, since every
// read from the driver ends in a long run of them.
type Hexdumper struct {
	w  io.Writer
	mu syncutil.Mutex
}

// NewHexdumper creates a HexdumpSink writing to w.
func NewHexdumper(w io.Writer) *Hexdumper {
	return &Hexdumper{w: w}
}

// Dump implements HexdumpSink.
func (h *Hexdumper) Dump(dir Direction, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prefix := byte(dir)
	empty := false
	emptyLen := 0
	skipped := 0

	for len(data) > 0 {
		n := min(hexdumpLineSize, len(data))
		line := data[:n]
		data = data[n:]

		wasEmpty := empty
		empty = frame.IsFiller(line)
		if wasEmpty && empty && emptyLen == n {
			skipped++
			continue
		}
		if skipped > 0 {
			_, _ = fmt.Fprintf(h.w, "  %d line(s) skipped\n", skipped)
			skipped = 0
		}
		_, _ = fmt.Fprintf(h.w, "%c %s\n", prefix, formatHexLine(line))
		prefix = ' '
		if empty {
			emptyLen = n
		}
	}
	if skipped > 0 {
		_, _ = fmt.Fprintf(h.w, "  ... %d line(s) skipped\n", skipped)
	}
}

// formatHexLine renders up to 16 bytes as hex octets followed by their
// printable characters.
func formatHexLine(line []byte) string {
	var sb strings.Builder
	for i := range hexdumpLineSize {
		if i == hexdumpLineSize/2 {
			sb.WriteByte(' ')
		}
		if i < len(line) {
			_, _ = fmt.Fprintf(&sb, "%02x ", line[i])
		} else {
			sb.WriteString("   ")
		}
	}
	sb.WriteByte(' ')
	for _, b := range line {
		if b < 0x20 || b > 0x7e {
			b = '.'
		}
		sb.WriteByte(b)
	}
	return sb.String()
}
