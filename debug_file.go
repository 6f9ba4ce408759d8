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
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ZaparooProject/go-pn54x/internal/syncutil"
)

// Session logs with hexdump enabled grow quickly on long stress runs, so
// they rotate.
const (
	sessionLogMaxSizeMB  = 20
	sessionLogMaxBackups = 5
)

// Session log state
var (
	sessionLogMu     syncutil.Mutex
	sessionLogFile   *lumberjack.Logger
	sessionLogPath   string
	sessionLogWriter io.Writer
)

// InitSessionLog creates a new session log file in dir (the current
// directory if empty) and routes all debug output into it.
// Returns the log file path for display to the user.
func InitSessionLog(dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	if info, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("failed to create session log: %w", err)
	} else if !info.IsDir() {
		return "", fmt.Errorf("failed to create session log: %s is not a directory", dir)
	}

	timestamp := time.Now().Format("20060102_150405")
	filename := filepath.Join(dir, fmt.Sprintf("pn54x_%s.log", timestamp))

	logFile := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    sessionLogMaxSizeMB,
		MaxBackups: sessionLogMaxBackups,
	}

	sessionLogMu.Lock()
	defer sessionLogMu.Unlock()
	if sessionLogFile != nil {
		_ = sessionLogFile.Close()
	}
	sessionLogFile = logFile
	sessionLogPath = filename
	sessionLogWriter = logFile

	writeSessionHeader(logFile)
	if _, err := os.Stat(filename); err != nil {
		_ = logFile.Close()
		sessionLogFile, sessionLogPath, sessionLogWriter = nil, "", nil
		return "", fmt.Errorf("failed to create session log: %w", err)
	}

	return filename, nil
}

// CloseSessionLog closes the current session log file.
func CloseSessionLog() error {
	sessionLogMu.Lock()
	defer sessionLogMu.Unlock()
	if sessionLogFile == nil {
		return nil
	}

	timestamp := time.Now().Format("15:04:05.000")
	_, _ = fmt.Fprintf(sessionLogWriter, "\n%s === Session ended ===\n", timestamp)

	err := sessionLogFile.Close()
	sessionLogFile = nil
	sessionLogPath = ""
	sessionLogWriter = nil
	if err != nil {
		return fmt.Errorf("failed to close session log: %w", err)
	}
	return nil
}

// GetSessionLogPath returns the current session log file path.
func GetSessionLogPath() string {
	sessionLogMu.Lock()
	defer sessionLogMu.Unlock()
	return sessionLogPath
}

// SessionLogWriter returns the active session log, or nil. The hexdump sink
// of the daemon writes through it.
func SessionLogWriter() io.Writer {
	sessionLogMu.Lock()
	defer sessionLogMu.Unlock()
	return sessionLogWriter
}

// writeSessionHeader writes metadata about the session to the log file.
func writeSessionHeader(writer io.Writer) {
	_, _ = fmt.Fprint(writer, "=== PN54x Debug Session Log ===\n")
	_, _ = fmt.Fprintf(writer, "Started: %s\n", time.Now().Format(time.RFC3339))
	_, _ = fmt.Fprintf(writer, "PID: %d\n", os.Getpid())
	_, _ = fmt.Fprintf(writer, "OS: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	_, _ = fmt.Fprintf(writer, "Go Version: %s\n", runtime.Version())
	if exe, err := os.Executable(); err == nil {
		_, _ = fmt.Fprintf(writer, "Executable: %s\n", exe)
	}
	_, _ = fmt.Fprintf(writer, "Command Line: %s\n", strings.Join(os.Args, " "))
	_, _ = fmt.Fprint(writer, "===============================\n\n")
}
