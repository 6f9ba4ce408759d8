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
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// debugEnabled controls whether debug lines are also printed to stderr
var debugEnabled atomic.Bool

func init() {
	if os.Getenv("PN54X_DEBUG") != "" || os.Getenv("DEBUG") != "" {
		debugEnabled.Store(true)
	}
}

// Debugf prints debug information.
// Always writes to the session log (if initialized) with timestamp.
// Only prints to the console when debug mode is enabled.
func Debugf(format string, args ...any) {
	emitDebug(fmt.Sprintf(format, args...))
}

// Debugln prints debug information, formatting its operands like fmt.Println.
func Debugln(args ...any) {
	emitDebug(strings.TrimSuffix(fmt.Sprintln(args...), "\n"))
}

func emitDebug(message string) {
	sessionLogMu.Lock()
	if sessionLogWriter != nil {
		timestamp := time.Now().Format("15:04:05.000")
		_, _ = fmt.Fprintf(sessionLogWriter, "%s DEBUG: %s\n", timestamp, message)
	}
	sessionLogMu.Unlock()

	if debugEnabled.Load() {
		_, _ = fmt.Fprintf(os.Stderr, "DEBUG: %s\n", message)
	}
}

// SetDebugEnabled allows programmatic control of debug logging, e.g. from
// the debug setting of the config file.
func SetDebugEnabled(enabled bool) {
	debugEnabled.Store(enabled)
}

// DebugEnabled reports whether console debug output is on.
func DebugEnabled() bool {
	return debugEnabled.Load()
}
