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

// Package uart detects controllers behind serial ports.
package uart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	pn54x "github.com/ZaparooProject/go-pn54x"
	"github.com/ZaparooProject/go-pn54x/detection"
	"github.com/ZaparooProject/go-pn54x/internal/frame"
	"github.com/ZaparooProject/go-pn54x/transport/uart"
	"go.bug.st/serial/enumerator"
)

const probeTimeout = 2 * time.Second

// knownVIDPIDs are USB bridges found on PN7xxx evaluation boards.
var knownVIDPIDs = []string{
	"1FC9:0117", // NXP LPC bridge on OM5578 kits
	"0403:6015", // FTDI FT231X
	"10C4:EA60", // Silicon Labs CP210x
	"1A86:7523", // QinHeng CH340
}

var keywords = []string{"nfc", "pn7", "pn5", "nxp"}

type detector struct {
	list  func() ([]*enumerator.PortDetails, error)
	probe func(ctx context.Context, path string) error
}

// New returns the serial detector.
func New() detection.Detector {
	return &detector{list: enumerator.GetDetailedPortsList, probe: probeNCI}
}

func init() {
	detection.RegisterDetector(New())
}

func (*detector) Transport() string {
	return "uart"
}

// Detect lists serial ports. Ports that look like an NFC board are reported
// with medium confidence; in Probe mode every port that is not blocked is
// sent CORE_RESET_CMD, and the ones that answer are reported with high
// confidence while silent unknown ports are dropped.
func (d *detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	ports, err := d.list()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	var devices []detection.DeviceInfo
	for _, port := range ports {
		if err := ctx.Err(); err != nil {
			break
		}
		info, ok := d.inspect(ctx, port, opts)
		if ok {
			devices = append(devices, info)
		}
	}

	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}

func (d *detector) inspect(
	ctx context.Context, port *enumerator.PortDetails, opts *detection.Options,
) (detection.DeviceInfo, bool) {
	vidpid := ""
	if port.IsUSB {
		vidpid = detection.FormatVIDPID(port.VID, port.PID)
	}
	if vidpid != "" && detection.IsBlocked(vidpid, opts.Blocklist) {
		return detection.DeviceInfo{}, false
	}
	if detection.IsPathIgnored(port.Name, opts.IgnorePaths) {
		return detection.DeviceInfo{}, false
	}

	likely := isLikelyController(vidpid, port.Product)
	info := detection.DeviceInfo{
		Transport:  d.Transport(),
		Path:       port.Name,
		Name:       port.Name,
		Confidence: detection.Low,
		Metadata:   map[string]string{},
	}
	if vidpid != "" {
		info.Metadata["vidpid"] = vidpid
	}
	if port.Product != "" {
		info.Metadata["product"] = port.Product
	}
	if port.SerialNumber != "" {
		info.Metadata["serial"] = port.SerialNumber
	}
	if likely {
		info.Confidence = detection.Medium
	}

	if opts.Mode != detection.Probe {
		return info, likely
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := d.probe(probeCtx, port.Name); err != nil {
		pn54x.Debugf("UART probe %s: %v", port.Name, err)
		return info, likely
	}
	info.Confidence = detection.High
	return info, true
}

func isLikelyController(vidpid, product string) bool {
	for _, known := range knownVIDPIDs {
		if strings.EqualFold(vidpid, known) {
			return true
		}
	}
	product = strings.ToLower(product)
	for _, kw := range keywords {
		if strings.Contains(product, kw) {
			return true
		}
	}
	return false
}

var errNoAnswer = errors.New("no CORE_RESET_RSP")

// probeNCI powers the port's controller and resets it. Only one attempt is
// made; ports that are not a controller should not be hammered.
func probeNCI(ctx context.Context, path string) error {
	dev, err := uart.Driver{}.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = dev.Close() }()

	if err := dev.SetPower(true); err != nil {
		return err
	}
	defer func() { _ = dev.SetPower(false) }()

	if _, err := dev.Write(frame.CoreReset(true)); err != nil {
		return err
	}

	answered := make(chan error, 1)
	go func() {
		answered <- readCoreResetResponse(dev)
	}()
	select {
	case err := <-answered:
		return err
	case <-ctx.Done():
		// Closing the handle ends the pending read.
		_ = dev.Close()
		<-answered
		return ctx.Err()
	}
}

func readCoreResetResponse(dev pn54x.Device) error {
	var r frame.Reassembler
	buf := make([]byte, frame.MaxChunkSize)
	for {
		n, err := dev.Read(buf)
		if err != nil {
			return fmt.Errorf("%w: %w", errNoAnswer, err)
		}
		found := false
		r.Feed(buf[:n], func(pkt []byte) bool {
			h, err := frame.ParseHeader(pkt)
			found = err == nil && h.MT == frame.MTResponse &&
				h.GID == frame.GIDCore && h.OID == frame.OIDCoreReset
			return !found
		})
		if found {
			return nil
		}
	}
}
