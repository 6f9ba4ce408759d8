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
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

// Power-up retry defaults. Opening the node right after the driver loads
// fails with EBUSY until the driver has finished probing, which takes a few
// hundred milliseconds.
const (
	DefaultPowerUpAttempts   = 5
	PowerUpInitialBackoff    = 100 * time.Millisecond
	PowerUpMaxBackoff        = 2 * time.Second
	PowerUpBackoffMultiplier = 2.0
	PowerUpJitter            = 0.1
	PowerUpRetryTimeout      = 30 * time.Second
)

// RetryConfig configures RetryWithConfig. The zero value makes a single
// attempt.
type RetryConfig struct {
	// OnRetry, if set, is called before sleeping after a failed attempt.
	OnRetry func(attempt int, err error, sleep time.Duration)
	// MaxAttempts is the total number of attempts (0 = no retry)
	MaxAttempts int
	// InitialBackoff is the sleep after the first failure
	InitialBackoff time.Duration
	// MaxBackoff caps the sleep before jitter is added
	MaxBackoff time.Duration
	// BackoffMultiplier grows the sleep after every failure
	BackoffMultiplier float64
	// Jitter is the fraction (0.0-1.0) of random delay added to each sleep
	Jitter float64
	// RetryTimeout bounds all attempts together
	RetryTimeout time.Duration
}

// DefaultRetryConfig returns the configuration used to power up a transport.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       DefaultPowerUpAttempts,
		InitialBackoff:    PowerUpInitialBackoff,
		MaxBackoff:        PowerUpMaxBackoff,
		BackoffMultiplier: PowerUpBackoffMultiplier,
		Jitter:            PowerUpJitter,
		RetryTimeout:      PowerUpRetryTimeout,
	}
}

// RetryableFunc is one attempt of a retried operation.
type RetryableFunc func() error

// RetryWithConfig runs fn until it succeeds, returns an error for which
// IsRetryable is false, or the attempts run out. The last error is returned
// when the context ends between attempts.
func RetryWithConfig(ctx context.Context, config *RetryConfig, fn RetryableFunc) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if config.MaxAttempts <= 0 {
		return fn()
	}

	if config.RetryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.RetryTimeout)
		defer cancel()
	}

	b := backoff{config: config, next: config.InitialBackoff}
	var lastErr error
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				return lastErr
			}
			return fmt.Errorf("retry context cancelled: %w", ctx.Err())
		}

		err := fn()
		if err == nil || !IsRetryable(err) || attempt >= config.MaxAttempts {
			return err
		}
		lastErr = err

		sleep := b.step()
		Debugf("attempt %d/%d failed, retrying in %v: %v", attempt, config.MaxAttempts, sleep, err)
		if config.OnRetry != nil {
			config.OnRetry(attempt, err, sleep)
		}
		if !sleepContext(ctx, sleep) {
			return lastErr
		}
	}
}

// backoff yields the jittered sleeps of one RetryWithConfig run.
type backoff struct {
	config *RetryConfig
	next   time.Duration
}

func (b *backoff) step() time.Duration {
	sleep := addJitter(b.next, b.config.Jitter)
	b.next = time.Duration(float64(b.next) * b.config.BackoffMultiplier)
	if b.next > b.config.MaxBackoff {
		b.next = b.config.MaxBackoff
	}
	return sleep
}

// sleepContext reports false if ctx ended first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// addJitter adds up to factor*d of random delay.
func addJitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return d
	}
	r := float64(binary.LittleEndian.Uint64(buf[:])) / float64(1<<64)
	return d + time.Duration(r*float64(d)*factor)
}
