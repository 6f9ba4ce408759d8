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
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cleanupSessionLog ensures session log state is clean after tests.
func cleanupSessionLog(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		_ = CloseSessionLog()
	})
}

func TestInitSessionLog_CreatesFile(t *testing.T) {
	cleanupSessionLog(t)
	dir := t.TempDir()

	path, err := InitSessionLog(dir)
	require.NoError(t, err)

	assert.Equal(t, dir, filepath.Dir(path))
	assert.Regexp(t, regexp.MustCompile(`^pn54x_\d{8}_\d{6}\.log$`), filepath.Base(path))
	assert.Equal(t, path, GetSessionLogPath())
	assert.NotNil(t, SessionLogWriter())

	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestSessionLog_HeaderBodyFooter(t *testing.T) {
	cleanupSessionLog(t)

	path, err := InitSessionLog(t.TempDir())
	require.NoError(t, err)

	Debugf("Opened %s", "/dev/pn544")
	require.NoError(t, CloseSessionLog())
	assert.Empty(t, GetSessionLogPath())
	assert.Nil(t, SessionLogWriter())

	content, err := os.ReadFile(path) //nolint:gosec // path is from InitSessionLog
	require.NoError(t, err)

	for _, want := range []string{
		"=== PN54x Debug Session Log ===",
		"Started:",
		"PID:",
		"OS:",
		"Go Version:",
		"Command Line:",
		"DEBUG: Opened /dev/pn544",
		"=== Session ended ===",
	} {
		assert.Contains(t, string(content), want)
	}
}

func TestCloseSessionLog_NothingOpen(t *testing.T) {
	cleanupSessionLog(t)
	require.NoError(t, CloseSessionLog())
	assert.NoError(t, CloseSessionLog())
}

func TestInitSessionLog_BadDirectory(t *testing.T) {
	cleanupSessionLog(t)

	_, err := InitSessionLog(filepath.Join(t.TempDir(), "missing", "dir"))
	require.Error(t, err)
	assert.Empty(t, GetSessionLogPath())
}
