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

// Package detection finds PN54x controllers when no device path is
// configured. Transport-specific detectors live in subpackages and register
// themselves on import.
package detection

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Mode says how far a detector may go to confirm a candidate.
type Mode int

const (
	// Passive only looks at device nodes and descriptors.
	Passive Mode = iota
	// Probe opens candidates, and may talk NCI to those not owned by a
	// kernel driver.
	Probe
)

// Confidence is how sure a detector is that a candidate is a controller.
type Confidence int

const (
	// Low means the node exists where a controller could be.
	Low Confidence = iota
	// Medium means the node is named or described like a controller.
	Medium
	// High means the controller was opened or answered.
	High
)

func (c Confidence) String() string {
	switch c {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return "unknown"
	}
}

// DeviceInfo is one detected candidate.
type DeviceInfo struct {
	// Metadata holds extras such as "vidpid" for USB serial adapters.
	Metadata map[string]string
	// Transport is "chardev", "uart" or "i2c".
	Transport string
	// Path is what to hand to the transport's driver.
	Path       string
	Name       string
	Confidence Confidence
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s device at %s (confidence: %s)", d.Transport, d.Path, d.Confidence)
}

// Options configures DetectAll.
type Options struct {
	// Blocklist holds USB VID:PID pairs never to open.
	Blocklist []string
	// IgnorePaths holds device paths to skip.
	IgnorePaths []string
	// Transports limits detection to these transports; empty means all.
	Transports []string
	CacheTTL   time.Duration
	Timeout    time.Duration
	Mode       Mode
	// EnableCache reuses results younger than CacheTTL.
	EnableCache bool
}

// DefaultOptions returns the options the daemon uses.
func DefaultOptions() Options {
	return Options{
		Mode:        Passive,
		Timeout:     5 * time.Second,
		Blocklist:   DefaultBlocklist(),
		EnableCache: true,
		CacheTTL:    30 * time.Second,
	}
}

// Detector looks for controllers on one transport.
type Detector interface {
	Detect(ctx context.Context, opts *Options) ([]DeviceInfo, error)
	Transport() string
}

var (
	// ErrNoDevicesFound is returned when no detector found a candidate.
	ErrNoDevicesFound = errors.New("no PN54x devices found")
	// ErrDetectionTimeout is returned when the context ends first.
	ErrDetectionTimeout = errors.New("detection timeout")
	// ErrUnsupportedPlatform is returned by detectors that cannot run here.
	ErrUnsupportedPlatform = errors.New("platform not supported")
)

var registry []Detector

// RegisterDetector adds d to the detectors DetectAll runs. Subpackages
// call it from init.
func RegisterDetector(d Detector) {
	registry = append(registry, d)
}

func getDetectors(transports []string) []Detector {
	if len(transports) == 0 {
		return registry
	}

	var filtered []Detector
	for _, d := range registry {
		for _, t := range transports {
			if d.Transport() == t {
				filtered = append(filtered, d)
				break
			}
		}
	}
	return filtered
}

type detectionResult struct {
	err     error
	devices []DeviceInfo
}

// DetectAll runs every selected detector in parallel. Results are sorted
// by detector registration order, and a detector failing does not hide what
// the others found.
func DetectAll(ctx context.Context, opts *Options) ([]DeviceInfo, error) {
	detectors := getDetectors(opts.Transports)
	if len(detectors) == 0 {
		return nil, errors.New("no detectors available for specified transports")
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	results := make([]chan detectionResult, len(detectors))
	for i, d := range detectors {
		results[i] = make(chan detectionResult, 1)
		go func(d Detector, out chan<- detectionResult) {
			out <- runDetector(ctx, d, opts)
		}(d, results[i])
	}

	var devices []DeviceInfo
	var errs []error
	for _, ch := range results {
		select {
		case res := <-ch:
			if res.err != nil {
				errs = append(errs, res.err)
				continue
			}
			devices = append(devices, res.devices...)
		case <-ctx.Done():
			return nil, ErrDetectionTimeout
		}
	}

	switch {
	case len(devices) > 0:
		return devices, nil
	case len(errs) > 0:
		return nil, errors.Join(errs...)
	default:
		return nil, ErrNoDevicesFound
	}
}

func runDetector(ctx context.Context, d Detector, opts *Options) detectionResult {
	if opts.EnableCache {
		// Cached results skipped Detect, so the filters are applied again.
		if cached, ok := getCached(d.Transport(), opts.CacheTTL); ok {
			return detectionResult{devices: filterDevices(cached, opts)}
		}
	}

	devices, err := d.Detect(ctx, opts)
	if err != nil && ctx.Err() != nil {
		return detectionResult{err: ErrDetectionTimeout}
	}
	if err != nil && !errors.Is(err, ErrNoDevicesFound) && !errors.Is(err, ErrUnsupportedPlatform) {
		return detectionResult{err: fmt.Errorf("%s detection: %w", d.Transport(), err)}
	}

	if opts.EnableCache {
		if len(devices) > 0 {
			setCached(d.Transport(), devices)
		} else {
			clearCacheForTransport(d.Transport())
		}
	}
	return detectionResult{devices: devices}
}

func filterDevices(devices []DeviceInfo, opts *Options) []DeviceInfo {
	if len(opts.IgnorePaths) == 0 && len(opts.Blocklist) == 0 {
		return devices
	}

	var filtered []DeviceInfo
	for _, device := range devices {
		if IsPathIgnored(device.Path, opts.IgnorePaths) {
			continue
		}
		if vidpid, ok := device.Metadata["vidpid"]; ok && IsBlocked(vidpid, opts.Blocklist) {
			continue
		}
		filtered = append(filtered, device)
	}
	return filtered
}

// ClearDetectionCache drops all cached results.
func ClearDetectionCache() {
	clearCache()
}

// ClearDetectionCacheForTransport drops cached results for one transport.
func ClearDetectionCacheForTransport(transport string) {
	clearCacheForTransport(transport)
}
