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

package testing

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZaparooProject/go-pn54x/internal/frame"
)

func TestJitteryDriver_PadsOnlyAtPacketBoundaries(t *testing.T) {
	t.Parallel()

	fake := NewFakeDriver()
	t.Cleanup(func() { _ = fake.Close() })
	driver := &JitteryDriver{Driver: fake, Config: JitterConfig{
		FragmentReads:    true,
		FragmentMinBytes: 1,
		PadTo:            16,
		Seed:             12345,
	}}

	dev, err := driver.Open("/dev/pn544")
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })

	stream := []byte{
		0x60, 0x08, 0x02, 0xB2, 0x00,
		0x61, 0x06, 0x02, 0x03, 0x00,
		0x40, 0x00, 0x03, 0x01, 0x02, 0x03,
	}
	require.NoError(t, fake.Send(stream))

	var (
		r       frame.Reassembler
		packets [][]byte
	)
	buf := make([]byte, 64)
	deadline := time.Now().Add(5 * time.Second)
	for len(packets) < 3 && time.Now().Before(deadline) {
		n, err := dev.Read(buf)
		require.NoError(t, err)
		r.Feed(buf[:n], func(pkt []byte) bool {
			packets = append(packets, append([]byte(nil), pkt...))
			return true
		})
	}

	require.Len(t, packets, 3)
	assert.Equal(t, stream[:5], packets[0])
	assert.Equal(t, stream[5:10], packets[1])
	assert.Equal(t, stream[10:], packets[2])
}

func TestSplitRandom(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte{0x01, 0x02, 0x03}, 50)
	chunks := SplitRandom(data, 7, 42)

	assert.Equal(t, data, bytes.Join(chunks, nil))
	for _, c := range chunks {
		assert.NotEmpty(t, c)
		assert.LessOrEqual(t, len(c), 7)
	}
	assert.Equal(t, chunks, SplitRandom(data, 7, 42), "same seed, same split")
}

func TestFakeDriver_PowerAndOpenFailures(t *testing.T) {
	t.Parallel()

	fake := NewFakeDriver()
	t.Cleanup(func() { _ = fake.Close() })

	dev, err := fake.Open("/dev/pn544")
	require.NoError(t, err)
	assert.Equal(t, 1, fake.OpenDevices())

	require.NoError(t, dev.SetPower(true))
	fake.FailPower(assert.AnError)
	require.ErrorIs(t, dev.SetPower(false), assert.AnError)
	assert.Equal(t, []bool{true}, fake.PowerCalls())

	clone, err := dev.Clone()
	require.NoError(t, err)
	require.NoError(t, clone.Close())
	assert.Equal(t, 1, fake.OpenDevices(), "clones are not counted")

	require.NoError(t, dev.Close())
	require.NoError(t, dev.Close())
	assert.Zero(t, fake.OpenDevices())

	fake.FailOpen(assert.AnError)
	_, err = fake.Open("/dev/pn544")
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, fake.Opens())
}

func TestFakeDriver_RoundTrip(t *testing.T) {
	t.Parallel()

	fake := NewFakeDriver()
	t.Cleanup(func() { _ = fake.Close() })

	dev, err := fake.Open("/dev/pn544")
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })

	_, err = dev.Write([]byte{0x20, 0x01, 0x00})
	require.NoError(t, err)
	got, err := fake.Receive(3, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x20, 0x01, 0x00}, got)
}
