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
	"bytes"
	"io"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// swapSessionWriter routes debug output into a buffer for the duration of
// the test. Tests touching the session log must not run in parallel.
func swapSessionWriter(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer

	sessionLogMu.Lock()
	orig := sessionLogWriter
	sessionLogWriter = &buf
	sessionLogMu.Unlock()
	origEnabled := DebugEnabled()
	SetDebugEnabled(false)

	t.Cleanup(func() {
		sessionLogMu.Lock()
		sessionLogWriter = orig
		sessionLogMu.Unlock()
		SetDebugEnabled(origEnabled)
	})
	return &buf
}

func TestDebugf_WritesToSessionLog(t *testing.T) {
	buf := swapSessionWriter(t)

	Debugf("opened %s after %d attempt(s)", "/dev/pn544", 2)

	assert.Contains(t, buf.String(), "DEBUG: opened /dev/pn544 after 2 attempt(s)\n")
	matched, err := regexp.MatchString(`^\d{2}:\d{2}:\d{2}\.\d{3} DEBUG:`, buf.String())
	require.NoError(t, err)
	assert.True(t, matched, "timestamp prefix missing: %q", buf.String())
}

func TestDebugln_WritesToSessionLog(t *testing.T) {
	buf := swapSessionWriter(t)

	Debugln("power", "off")

	assert.Contains(t, buf.String(), "DEBUG: power off\n")
}

func TestDebugf_NilSessionWriter(t *testing.T) {
	swapSessionWriter(t)
	sessionLogMu.Lock()
	sessionLogWriter = nil
	sessionLogMu.Unlock()

	Debugf("nobody is listening %d", 1)
	Debugln("nor here")
}

func TestSetDebugEnabled(t *testing.T) {
	swapSessionWriter(t)

	SetDebugEnabled(true)
	assert.True(t, DebugEnabled())
	SetDebugEnabled(false)
	assert.False(t, DebugEnabled())
}

func TestDebugf_ConcurrentWriters(t *testing.T) {
	swapSessionWriter(t)
	sessionLogMu.Lock()
	sessionLogWriter = io.Discard
	sessionLogMu.Unlock()

	done := make(chan struct{})
	for range 4 {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := range 100 {
				Debugf("line %d", i)
			}
		}()
	}
	for range 4 {
		<-done
	}
}
