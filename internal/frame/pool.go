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

import "sync"

// BufferPool manages reusable byte slices for the two hot paths of the
// transport: read chunks relayed by the isolator and the scratch buffer used
// to join multi-chunk writes.
type BufferPool struct {
	// Read chunks, exactly MaxChunkSize bytes
	chunkPool sync.Pool
	// Write scratch, large enough for any single NCI packet
	packetPool sync.Pool
}

// Global buffer pool instance
var defaultPool = NewBufferPool()

// NewBufferPool creates a new buffer pool
func NewBufferPool() *BufferPool {
	return &BufferPool{
		chunkPool: sync.Pool{
			New: func() any {
				buf := make([]byte, MaxChunkSize)
				return &buf
			},
		},
		packetPool: sync.Pool{
			New: func() any {
				buf := make([]byte, MaxPacketSize)
				return &buf
			},
		},
	}
}

// GetBuffer returns a buffer at least size bytes long. Release it with
// PutBuffer once nothing references it any more.
func (p *BufferPool) GetBuffer(size int) []byte {
	switch {
	case size <= MaxPacketSize:
		bufPtr, ok := p.packetPool.Get().(*[]byte)
		if !ok {
			return make([]byte, size)
		}
		return (*bufPtr)[:size]
	case size <= MaxChunkSize:
		bufPtr, ok := p.chunkPool.Get().(*[]byte)
		if !ok {
			return make([]byte, size)
		}
		return (*bufPtr)[:size]
	default:
		// Oversized requests bypass the pool
		return make([]byte, size)
	}
}

// PutBuffer returns a buffer to the pool. The contents are cleared first;
// packets handed to clients must have been consumed by then.
func (p *BufferPool) PutBuffer(buf []byte) {
	if buf == nil {
		return
	}
	full := buf[:cap(buf)]
	clear(full)

	switch cap(buf) {
	case MaxPacketSize:
		p.packetPool.Put(&full)
	case MaxChunkSize:
		p.chunkPool.Put(&full)
	default:
		// Not one of ours, let GC handle it
	}
}

// GetChunk gets a read-chunk sized buffer from the default pool.
func GetChunk() []byte {
	return defaultPool.GetBuffer(MaxChunkSize)
}

// GetBuffer acquires a buffer from the default pool
func GetBuffer(size int) []byte {
	return defaultPool.GetBuffer(size)
}

// PutBuffer returns a buffer to the default pool
func PutBuffer(buf []byte) {
	defaultPool.PutBuffer(buf)
}
