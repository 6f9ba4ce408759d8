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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	pn54x "github.com/ZaparooProject/go-pn54x"
)

// Phases of one stress cycle.
const (
	phasePowerOn   = "power_on"
	phaseDiscovery = "discovery"
	phasePowerOff  = "power_off"
)

// StressTestResult is the report written at the end of a stress run.
type StressTestResult struct {
	Started  time.Time      `json:"started"`
	Device   string         `json:"device"`
	Crashes  []*CrashReport `json:"crashes,omitempty"`
	Cycles   int            `json:"cycles"`
	Passed   int            `json:"passed"`
	Failed   int            `json:"failed"`
	Duration time.Duration  `json:"duration_ns"`
	// Slowest is the longest successful cycle.
	Slowest time.Duration `json:"slowest_ns"`
}

// CrashReport contains all information for debugging a failed cycle.
type CrashReport struct {
	Timestamp time.Time `json:"timestamp"`
	Phase     string    `json:"phase"`
	Error     string    `json:"error"`
	// WireTrace holds the last packets exchanged when the error carries them.
	WireTrace []string `json:"wire_trace,omitempty"`
	Cycle     int      `json:"cycle"`
	Retryable bool     `json:"retryable"`
}

func printStressTestBanner(cycles int) {
	_, _ = fmt.Println("================================================================================")
	_, _ = fmt.Println("                        PN54x Power Cycle Stress Test Mode")
	_, _ = fmt.Println("================================================================================")
	_, _ = fmt.Printf("Cycles: %d (power on, initialise, poll, power off while polling)\n", cycles)
}

// runStressTest power cycles the controller. Every cycle powers it off
// from RFST_DISCOVERY, so the deferred power-off path runs each time.
func runStressTest(ctx context.Context, d *daemon, retry *pn54x.RetryConfig, cycles int, reportPath string) error {
	printStressTestBanner(cycles)

	result := &StressTestResult{
		Started: time.Now(),
		Device:  d.tr.Path(),
		Cycles:  cycles,
	}
	for i := range cycles {
		if ctx.Err() != nil {
			break
		}
		cycle := i + 1
		_, _ = fmt.Printf("  [%d/%d] ", cycle, cycles)

		start := time.Now()
		phase, err := runCycle(ctx, d, retry)
		elapsed := time.Since(start)
		if err != nil {
			_, _ = fmt.Printf("FAIL in %s: %v\n", phase, err)
			result.Failed++
			result.Crashes = append(result.Crashes, createCrashReport(cycle, phase, err))
			_ = d.powerDown(ctx)
			continue
		}
		_, _ = fmt.Printf("OK (%s)\n", elapsed.Round(time.Millisecond))
		result.Passed++
		result.Slowest = max(result.Slowest, elapsed)
	}
	result.Duration = time.Since(result.Started)

	printFinalSummary(result)
	return writeReport(result, reportPath)
}

func runCycle(ctx context.Context, d *daemon, retry *pn54x.RetryConfig) (string, error) {
	if err := d.powerUp(ctx, retry); err != nil {
		return phasePowerOn, err
	}
	if err := d.startDiscovery(ctx); err != nil {
		return phaseDiscovery, err
	}
	if err := d.powerDown(ctx); err != nil {
		return phasePowerOff, err
	}
	return "", nil
}

func createCrashReport(cycle int, phase string, err error) *CrashReport {
	report := &CrashReport{
		Timestamp: time.Now(),
		Cycle:     cycle,
		Phase:     phase,
		Error:     err.Error(),
		Retryable: pn54x.IsRetryable(err),
	}
	if te := pn54x.GetTrace(err); te != nil {
		report.WireTrace = strings.Split(strings.TrimRight(te.FormatTrace(), "\n"), "\n")
	}
	return report
}

// writeReport writes the JSON report to path, or to stdout when path is
// empty.
func writeReport(result *StressTestResult, path string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal stress report: %w", err)
	}
	data = append(data, '\n')

	if path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write stress report: %w", err)
	}
	_, _ = fmt.Printf("Report written to %s\n", path)
	return nil
}

func printFinalSummary(result *StressTestResult) {
	_, _ = fmt.Println("================================================================================")
	_, _ = fmt.Println("                              STRESS TEST SUMMARY")
	_, _ = fmt.Println("================================================================================")
	_, _ = fmt.Printf("Device: %s\n", result.Device)
	_, _ = fmt.Printf("Overall: %d PASS, %d FAIL of %d cycles in %s\n",
		result.Passed, result.Failed, result.Cycles, result.Duration.Round(100*time.Millisecond))
	if result.Passed > 0 {
		_, _ = fmt.Printf("Slowest cycle: %s\n", result.Slowest.Round(time.Millisecond))
	}
	if len(result.Crashes) > 0 {
		_, _ = fmt.Printf("Failures recorded in report: %d\n", len(result.Crashes))
	}
	_, _ = fmt.Println("================================================================================")
}
