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

// Package chardev detects controllers exposed by a kernel NFC driver as a
// character device.
package chardev

import (
	"context"
	"os"

	"github.com/ZaparooProject/go-pn54x/detection"
)

// Candidates are the nodes created by the vendor kernel drivers, most
// common first.
var Candidates = []string{
	"/dev/pn544",
	"/dev/pn54x",
	"/dev/nq-nci",
	"/dev/pn553",
	"/dev/nxpnfc",
	"/dev/pn5xx_i2c",
}

type detector struct {
	stat  func(string) (os.FileInfo, error)
	probe func(string) error
	paths []string
}

// New returns a detector checking Candidates.
func New() detection.Detector {
	return &detector{paths: Candidates, stat: os.Stat, probe: probeOpen}
}

func init() {
	detection.RegisterDetector(New())
}

func (*detector) Transport() string {
	return "chardev"
}

// Detect reports every candidate node that exists as a character device.
// In Probe mode a node that can be opened read-write is reported with high
// confidence; one that cannot is still reported, since the daemon may be
// running with more privileges than the caller.
func (d *detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	var devices []detection.DeviceInfo
	for _, path := range d.paths {
		if err := ctx.Err(); err != nil {
			return devices, err
		}
		if detection.IsPathIgnored(path, opts.IgnorePaths) {
			continue
		}
		fi, err := d.stat(path)
		if err != nil || fi.Mode()&os.ModeCharDevice == 0 {
			continue
		}

		info := detection.DeviceInfo{
			Transport:  d.Transport(),
			Path:       path,
			Name:       fi.Name(),
			Confidence: detection.Medium,
			Metadata:   map[string]string{},
		}
		if opts.Mode == detection.Probe {
			if err := d.probe(path); err != nil {
				info.Metadata["probe_error"] = err.Error()
			} else {
				info.Confidence = detection.High
			}
		}
		devices = append(devices, info)
	}

	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}

// probeOpen opens and closes the node without touching power, so it does
// not disturb a daemon already using it.
func probeOpen(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0) //nolint:gosec // fixed candidate list
	if err != nil {
		return err
	}
	return f.Close()
}
