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

package testing

import (
	"bytes"
	"math/rand/v2"
	"time"

	"github.com/ZaparooProject/go-pn54x"
	"github.com/ZaparooProject/go-pn54x/internal/frame"
	"github.com/ZaparooProject/go-pn54x/internal/syncutil"
)

// JitterConfig configures the behavior of JitteryDriver.
type JitterConfig struct {
	MaxLatencyMs     int
	FragmentMinBytes int
	// PadTo pads every read with 0xFF up to this many bytes, the way the
	// pn544 driver fills a fixed-size read. Zero disables padding.
	PadTo         int
	Seed          uint64
	FragmentReads bool
}

// DefaultJitterConfig returns a sensible default configuration for testing.
func DefaultJitterConfig() JitterConfig {
	return JitterConfig{
		MaxLatencyMs:     2,
		FragmentReads:    true,
		FragmentMinBytes: 1,
		PadTo:            32,
	}
}

// JitteryDriver wraps a driver so that reads return fragments of what the
// controller sent, padded with filler, after a random delay. Packets end up
// split across reads and separated by filler at arbitrary points.
type JitteryDriver struct {
	Driver pn54x.Driver
	Config JitterConfig
}

// Type implements pn54x.Driver.
func (j *JitteryDriver) Type() pn54x.TransportType {
	return j.Driver.Type()
}

// Open implements pn54x.Driver.
func (j *JitteryDriver) Open(path string) (pn54x.Device, error) {
	dev, err := j.Driver.Open(path)
	if err != nil {
		return nil, err
	}
	return newJitteryDevice(dev, j.Config), nil
}

type jitteryDevice struct {
	pn54x.Device
	rng     *rand.Rand
	readBuf []byte
	hdr     []byte // partial header of the packet being returned
	config  JitterConfig
	left    int // payload bytes of that packet not returned yet
	mu      syncutil.Mutex
}

func newJitteryDevice(dev pn54x.Device, config JitterConfig) *jitteryDevice {
	var rng *rand.Rand
	if config.Seed != 0 {
		rng = rand.New(rand.NewPCG(config.Seed, config.Seed^0xDEADBEEF)) //nolint:gosec // Test code, not crypto
	} else {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec // Test code, not crypto
	}
	if config.FragmentMinBytes < 1 {
		config.FragmentMinBytes = 1
	}
	return &jitteryDevice{
		Device:  dev,
		config:  config,
		rng:     rng,
		readBuf: make([]byte, 0, frame.MaxChunkSize),
	}
}

// Clone wraps the clone too; the read isolator only ever reads the clone.
func (j *jitteryDevice) Clone() (pn54x.Device, error) {
	dev, err := j.Device.Clone()
	if err != nil {
		return nil, err
	}
	config := j.config
	if config.Seed != 0 {
		config.Seed++
	}
	return newJitteryDevice(dev, config), nil
}

// Read reads from the backend with simulated jitter and fragmentation.
func (j *jitteryDevice) Read(buf []byte) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.config.MaxLatencyMs > 0 {
		delay := time.Duration(j.rng.IntN(j.config.MaxLatencyMs+1)) * time.Millisecond
		if delay > 0 {
			time.Sleep(delay)
		}
	}

	if len(j.readBuf) == 0 {
		tempBuf := make([]byte, frame.MaxChunkSize)
		bytesRead, err := j.Device.Read(tempBuf)
		if err != nil {
			return 0, err //nolint:wrapcheck // Pass-through wrapper
		}
		if bytesRead == 0 {
			return 0, nil
		}
		j.readBuf = append(j.readBuf, tempBuf[:bytesRead]...)
	}

	toReturn := min(len(j.readBuf), len(buf))
	if j.config.FragmentReads && toReturn > j.config.FragmentMinBytes {
		minReturn := j.config.FragmentMinBytes
		toReturn = minReturn + j.rng.IntN(toReturn-minReturn+1)
	}

	n := copy(buf, j.readBuf[:toReturn])
	j.readBuf = j.readBuf[toReturn:]
	j.track(buf[:n])

	// The driver only pads after whole packets.
	if pad := min(j.config.PadTo, len(buf)); pad > n && j.left == 0 && len(j.hdr) == 0 {
		copy(buf[n:pad], bytes.Repeat([]byte{frame.FillerByte}, pad-n))
		n = pad
	}
	return n, nil
}

// track follows packet framing across the bytes returned so far.
func (j *jitteryDevice) track(data []byte) {
	for _, b := range data {
		switch {
		case j.left > 0:
			j.left--
		case len(j.hdr) == 0 && b == frame.FillerByte:
		default:
			j.hdr = append(j.hdr, b)
			if len(j.hdr) == frame.HeaderSize {
				j.left = int(j.hdr[frame.LengthOffset])
				j.hdr = j.hdr[:0]
			}
		}
	}
}

// SplitRandom cuts data into random chunks of 1 to maxSize bytes, for tests
// that feed a reassembler directly.
func SplitRandom(data []byte, maxSize int, seed uint64) [][]byte {
	rng := rand.New(rand.NewPCG(seed, seed^0xDEADBEEF)) //nolint:gosec // Test code, not crypto
	var chunks [][]byte
	for len(data) > 0 {
		n := min(1+rng.IntN(maxSize), len(data))
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}
