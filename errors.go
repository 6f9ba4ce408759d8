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
	"strings"
	"syscall"
	"time"
)

// Transport errors. Every error returned by the transport wraps one of these.
var (
	// ErrOpenFailed means the device node could not be opened.
	ErrOpenFailed = errors.New("device open failed")
	// ErrWriteFailed means the device accepted fewer bytes than requested.
	ErrWriteFailed = errors.New("device write failed")
	// ErrReadFailed is delivered to the client when the reader pipe fails.
	ErrReadFailed = errors.New("device read failed")
	// ErrEndOfStream is delivered to the client when the reader exits.
	ErrEndOfStream = errors.New("device read stream ended")
	// ErrIsolatorSpawn means the blocking-read worker could not be started.
	ErrIsolatorSpawn = errors.New("read isolator spawn failed")
	// ErrPowerControl means the power ioctl was rejected.
	ErrPowerControl = errors.New("power control failed")
	// ErrAlreadyStarted is returned by Start on a started transport.
	ErrAlreadyStarted = errors.New("transport already started")
	// ErrWritePending is returned when a write with a completion callback is
	// issued while another completion is outstanding.
	ErrWritePending = errors.New("write completion pending")
	// ErrTransportClosed is returned by every operation after Close.
	ErrTransportClosed = errors.New("transport is closed")
	// ErrReaderAbandoned is returned by a goroutine worker's Terminate when
	// closing the device did not end its read in time. The goroutine is left
	// blocked in the driver.
	ErrReaderAbandoned = errors.New("reader goroutine abandoned in a blocking read")
)

// ErrorType represents the category of error for retry logic
type ErrorType int

const (
	// ErrorTypeTransient indicates a potentially retryable error
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePermanent indicates a non-retryable error
	ErrorTypePermanent
	// ErrorTypeTimeout indicates a timeout error (special handling)
	ErrorTypeTimeout
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypePermanent:
		return "permanent"
	case ErrorTypeTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("ErrorType(%d)", int(t))
	}
}

// TransportError wraps transport-level errors with additional context
type TransportError struct {
	Err       error     // Underlying error
	Cause     error     // Lower-level cause, if any
	Op        string    // Operation that failed
	Path      string    // Device path
	Type      ErrorType // Error category
	Retryable bool      // Whether the error is retryable
}

func (e *TransportError) Error() string {
	msg := e.Op + ": " + e.Err.Error()
	if e.Path != "" {
		msg = e.Op + " " + e.Path + ": " + e.Err.Error()
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both the sentinel and the underlying cause to errors.Is/As.
func (e *TransportError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// NewTransportError creates a standard transport error with consistent formatting
func NewTransportError(op, path string, err, cause error, errType ErrorType) *TransportError {
	return &TransportError{
		Op:        op,
		Path:      path,
		Err:       err,
		Cause:     cause,
		Type:      errType,
		Retryable: errType == ErrorTypeTransient || errType == ErrorTypeTimeout,
	}
}

// newDeviceError classifies a system error from the device: a vanished
// device is permanent, anything else may be retried.
func newDeviceError(op, path string, sentinel, cause error) *TransportError {
	errType := ErrorTypeTransient
	if isDeviceGoneError(cause) || errors.Is(cause, os.ErrNotExist) {
		errType = ErrorTypePermanent
	}
	return NewTransportError(op, path, sentinel, cause, errType)
}

// IsRetryable returns true if the error is potentially retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}

	switch {
	case errors.Is(err, ErrOpenFailed),
		errors.Is(err, ErrWriteFailed),
		errors.Is(err, ErrReadFailed),
		errors.Is(err, ErrIsolatorSpawn):
		return true
	default:
		return false
	}
}

// IsFatal returns true if the error indicates the device is gone and the
// transport should not be restarted. This is distinct from IsRetryable which
// indicates whether a single operation can be retried.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Type == ErrorTypePermanent
	}

	if isDeviceGoneError(err) {
		return true
	}

	switch {
	case errors.Is(err, ErrTransportClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe):
		return true
	default:
		return false
	}
}

// isDeviceGoneError checks for OS-level errors indicating the driver has
// gone away, e.g. after the module was unloaded or the I2C bus died.
func isDeviceGoneError(err error) bool {
	if err == nil {
		return false
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		//nolint:exhaustive // Only checking specific device-gone errors, not all errno values
		switch errno {
		case syscall.EIO, syscall.ENXIO, syscall.ENODEV:
			return true
		}
	}

	return false
}

// =============================================================================
// Wire Trace Logging
// =============================================================================
// TraceableError embeds the most recent packets in a transport error, so a
// client receiving a read failure can see what the controller last said.

// TraceDirection indicates the direction of wire data
type TraceDirection string

const (
	// TraceTX indicates data sent to the controller
	TraceTX TraceDirection = "TX"
	// TraceRX indicates data received from the controller
	TraceRX TraceDirection = "RX"
)

// TraceEntry represents a single wire-level operation
type TraceEntry struct {
	Timestamp time.Time
	Direction TraceDirection
	Note      string
	Data      []byte
}

// String formats a trace entry for display
func (e TraceEntry) String() string {
	hexData := formatHexBytes(e.Data)
	if e.Note != "" {
		return fmt.Sprintf("[%s] %s: %s (%s)", e.Timestamp.Format("15:04:05.000"), e.Direction, hexData, e.Note)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Timestamp.Format("15:04:05.000"), e.Direction, hexData)
}

// TraceableError wraps an error with wire-level trace data for debugging.
//
//	var te *pn54x.TraceableError
//	if errors.As(err, &te) {
//	    log.Printf("Wire trace:\n%s", te.FormatTrace())
//	}
type TraceableError struct {
	Err   error
	Path  string
	Trace []TraceEntry
}

// Error implements the error interface
func (e *TraceableError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/As compatibility
func (e *TraceableError) Unwrap() error {
	return e.Err
}

// FormatTrace returns a human-readable formatted trace log
func (e *TraceableError) FormatTrace() string {
	if len(e.Trace) == 0 {
		return fmt.Sprintf("[%s] (no trace data)", e.Path)
	}

	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "[%s] Wire trace (%d entries):\n", e.Path, len(e.Trace))

	for _, entry := range e.Trace {
		direction := ">"
		if entry.Direction == TraceTX {
			direction = "<"
		}
		if entry.Note != "" {
			_, _ = fmt.Fprintf(&sb, "  %s %s (%s)\n", direction, formatHexBytes(entry.Data), entry.Note)
		} else {
			_, _ = fmt.Fprintf(&sb, "  %s %s\n", direction, formatHexBytes(entry.Data))
		}
	}

	return sb.String()
}

// formatHexBytes formats a byte slice as space-separated hex values
func formatHexBytes(data []byte) string {
	if len(data) == 0 {
		return "(empty)"
	}
	if len(data) > 32 {
		return fmt.Sprintf("% X ... (%d bytes total)", data[:32], len(data))
	}
	return fmt.Sprintf("% X", data)
}

// TraceBuffer keeps the last few packets exchanged with the controller.
// It uses a fixed-size buffer, evicting the oldest entry when full.
type TraceBuffer struct {
	path    string
	entries []TraceEntry
	maxSize int
}

// NewTraceBuffer creates a new trace buffer with the specified capacity
func NewTraceBuffer(path string, maxSize int) *TraceBuffer {
	if maxSize <= 0 {
		maxSize = 16
	}
	return &TraceBuffer{
		entries: make([]TraceEntry, 0, maxSize),
		maxSize: maxSize,
		path:    path,
	}
}

// RecordTX records a packet written to the controller
func (tb *TraceBuffer) RecordTX(data []byte, note string) {
	tb.record(TraceTX, data, note)
}

// RecordRX records a packet received from the controller
func (tb *TraceBuffer) RecordRX(data []byte, note string) {
	tb.record(TraceRX, data, note)
}

func (tb *TraceBuffer) record(dir TraceDirection, data []byte, note string) {
	// Packets handed to clients are only valid during the callback.
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	entry := TraceEntry{
		Direction: dir,
		Data:      dataCopy,
		Timestamp: time.Now(),
		Note:      note,
	}

	if len(tb.entries) >= tb.maxSize {
		copy(tb.entries, tb.entries[1:])
		tb.entries[len(tb.entries)-1] = entry
	} else {
		tb.entries = append(tb.entries, entry)
	}
}

// WrapError wraps an error with the collected trace data.
// Returns nil if err is nil.
func (tb *TraceBuffer) WrapError(err error) error {
	if err == nil {
		return nil
	}

	entriesCopy := make([]TraceEntry, len(tb.entries))
	copy(entriesCopy, tb.entries)

	return &TraceableError{
		Err:   err,
		Trace: entriesCopy,
		Path:  tb.path,
	}
}

// Len returns the number of recorded entries.
func (tb *TraceBuffer) Len() int {
	return len(tb.entries)
}

// Clear resets the trace buffer
func (tb *TraceBuffer) Clear() {
	tb.entries = tb.entries[:0]
}

// GetTrace extracts trace data from an error, returning nil if not present
func GetTrace(err error) *TraceableError {
	var te *TraceableError
	if errors.As(err, &te) {
		return te
	}
	return nil
}
