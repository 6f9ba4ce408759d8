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

//go:build !linux

// Package chardev provides the Linux character device backend of the
// transport. On other systems Open always fails.
package chardev

import (
	"errors"

	"github.com/ZaparooProject/go-pn54x"
)

// PowerIoctl is _IOW(0xE9, 0x01, unsigned int).
const PowerIoctl uintptr = 0x4004E901

// Driver opens character devices.
type Driver struct {
	PowerRequest uintptr
}

// Type implements pn54x.Driver.
func (Driver) Type() pn54x.TransportType {
	return pn54x.TransportCharDev
}

// Open implements pn54x.Driver.
func (Driver) Open(string) (pn54x.Device, error) {
	return nil, errors.New("character device transport requires Linux")
}
