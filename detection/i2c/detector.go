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

// Package i2c lists I2C buses a userspace-driven controller may sit on.
// Nothing is probed: talking to the chip needs its IRQ and VEN pins, which
// only the configuration knows.
package i2c

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/ZaparooProject/go-pn54x/detection"
	i2ctransport "github.com/ZaparooProject/go-pn54x/transport/i2c"
)

type detector struct {
	glob func(pattern string) ([]string, error)
}

// New returns the I2C detector.
func New() detection.Detector {
	return &detector{glob: filepath.Glob}
}

func init() {
	detection.RegisterDetector(New())
}

func (*detector) Transport() string {
	return "i2c"
}

// Detect reports every /dev/i2c-N bus with low confidence, addressed at the
// default controller address.
func (d *detector) Detect(_ context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	if runtime.GOOS != "linux" {
		return nil, detection.ErrUnsupportedPlatform
	}

	buses, err := d.glob("/dev/i2c-*")
	if err != nil {
		return nil, fmt.Errorf("list I2C buses: %w", err)
	}

	var devices []detection.DeviceInfo
	for _, bus := range buses {
		if detection.IsPathIgnored(bus, opts.IgnorePaths) {
			continue
		}
		devices = append(devices, detection.DeviceInfo{
			Transport:  d.Transport(),
			Path:       fmt.Sprintf("%s:0x%02X", bus, i2ctransport.DefaultAddr),
			Name:       filepath.Base(bus),
			Confidence: detection.Low,
			Metadata:   map[string]string{"bus": bus},
		})
	}
	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}
