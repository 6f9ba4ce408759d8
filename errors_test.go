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
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportError_Format(t *testing.T) {
	t.Parallel()

	err := NewTransportError("open", "/dev/pn544", ErrOpenFailed, syscall.EACCES, ErrorTypeTransient)
	assert.Equal(t, "open /dev/pn544: device open failed: permission denied", err.Error())

	noPath := NewTransportError("write", "", ErrWriteFailed, nil, ErrorTypeTransient)
	assert.Equal(t, "write: device write failed", noPath.Error())
}

func TestTransportError_Unwrap(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("start: %w", NewTransportError("open", "/dev/pn544", ErrOpenFailed, syscall.EACCES, ErrorTypeTransient))

	require.ErrorIs(t, err, ErrOpenFailed)
	require.ErrorIs(t, err, syscall.EACCES)
	assert.NotErrorIs(t, err, ErrWriteFailed)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "open", te.Op)
	assert.True(t, te.Retryable)
}

func TestNewDeviceError_Classification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cause    error
		name     string
		wantType ErrorType
	}{
		{name: "busy", cause: syscall.EBUSY, wantType: ErrorTypeTransient},
		{name: "missing node", cause: syscall.ENOENT, wantType: ErrorTypePermanent},
		{name: "missing node, os error", cause: &os.PathError{Op: "open", Path: "/dev/pn544", Err: syscall.ENOENT}, wantType: ErrorTypePermanent},
		{name: "driver gone", cause: syscall.ENODEV, wantType: ErrorTypePermanent},
		{name: "I/O error", cause: syscall.EIO, wantType: ErrorTypePermanent},
		{name: "plain error", cause: errors.New("oops"), wantType: ErrorTypeTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := newDeviceError("read", "/dev/pn544", ErrReadFailed, tt.cause)
			assert.Equal(t, tt.wantType, err.Type)
			assert.Equal(t, tt.wantType == ErrorTypePermanent, IsFatal(err))
			assert.Equal(t, tt.wantType != ErrorTypePermanent, IsRetryable(err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(ErrOpenFailed))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", ErrIsolatorSpawn)))
	assert.False(t, IsRetryable(ErrAlreadyStarted))
	assert.False(t, IsRetryable(ErrWritePending))
	assert.False(t, IsRetryable(errors.New("other")))
	assert.True(t, IsRetryable(NewTransportError("read", "", ErrReadFailed, nil, ErrorTypeTimeout)))
}

func TestIsFatal(t *testing.T) {
	t.Parallel()

	assert.False(t, IsFatal(nil))
	assert.True(t, IsFatal(ErrTransportClosed))
	assert.True(t, IsFatal(io.EOF))
	assert.True(t, IsFatal(syscall.ENXIO))
	assert.False(t, IsFatal(syscall.EAGAIN))
	assert.False(t, IsFatal(ErrWriteFailed))
}

func TestErrorType_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "transient", ErrorTypeTransient.String())
	assert.Equal(t, "permanent", ErrorTypePermanent.String())
	assert.Equal(t, "timeout", ErrorTypeTimeout.String())
	assert.Equal(t, "ErrorType(9)", ErrorType(9).String())
}

func TestTraceBuffer(t *testing.T) {
	t.Parallel()

	tb := NewTraceBuffer("/dev/pn544", 2)
	pkt := []byte{0x60, 0x07, 0x01, 0xA1}
	tb.RecordTX([]byte{0x20, 0x01, 0x00}, "")
	tb.RecordRX(pkt, "")
	pkt[3] = 0x00 // the buffer keeps its own copy
	tb.RecordRX([]byte{0x40, 0x00, 0x00}, "credit")
	assert.Equal(t, 2, tb.Len(), "oldest entry evicted")

	assert.NoError(t, tb.WrapError(nil))

	err := tb.WrapError(ErrEndOfStream)
	require.ErrorIs(t, err, ErrEndOfStream)
	trace := GetTrace(err)
	require.NotNil(t, trace)
	require.Len(t, trace.Trace, 2)
	assert.Equal(t, []byte{0x60, 0x07, 0x01, 0xA1}, trace.Trace[0].Data)
	assert.Equal(t, "credit", trace.Trace[1].Note)

	formatted := trace.FormatTrace()
	assert.Contains(t, formatted, "[/dev/pn544] Wire trace (2 entries):")
	assert.Contains(t, formatted, "  > 60 07 01 A1\n")
	assert.Contains(t, formatted, "  > 40 00 00 (credit)\n")

	tb.Clear()
	assert.Zero(t, tb.Len())
	assert.Contains(t, tb.WrapError(ErrReadFailed).(*TraceableError).FormatTrace(), "(no trace data)")
	assert.Nil(t, GetTrace(ErrReadFailed))
}

func TestFormatHexBytes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "(empty)", formatHexBytes(nil))
	assert.Equal(t, "20 01 00", formatHexBytes([]byte{0x20, 0x01, 0x00}))

	long := make([]byte, 40)
	assert.Contains(t, formatHexBytes(long), "... (40 bytes total)")
}
