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

// Package loop implements the single cooperative event loop that runs read
// delivery, write completions and RF core callbacks one at a time.
//
// Tasks are plain functions. They run in posting order on the goroutine that
// called Run, never concurrently with each other.
package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"

	"github.com/ZaparooProject/go-pn54x/internal/syncutil"
)

// ErrClosed is returned when posting to or invoking on a closed loop.
var ErrClosed = errors.New("event loop closed")

// TaskID identifies a posted task. The zero value never names a task.
type TaskID uint64

type task struct {
	fn func()
	id TaskID
}

// Loop is a FIFO task queue drained by Run.
type Loop struct {
	wake    chan struct{}
	done    chan struct{}
	queue   []task
	mu      syncutil.Mutex
	nextID  TaskID
	owner   int64 // goroutine id of Run, 0 when not running
	running int32
	closed  bool
	once    sync.Once
}

// New creates an idle loop. Call Run to start draining it.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Run drains the queue until ctx is cancelled or Close is called. It returns
// ctx.Err() on cancellation and nil after Close. Only one Run may be active.
func (l *Loop) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&l.running, 0, 1) {
		return errors.New("event loop already running")
	}
	atomic.StoreInt64(&l.owner, goid.Get())
	defer func() {
		atomic.StoreInt64(&l.owner, 0)
		atomic.StoreInt32(&l.running, 0)
	}()

	for {
		for {
			t, ok := l.pop()
			if !ok {
				break
			}
			t.fn()
		}

		select {
		case <-l.wake:
		case <-l.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Loop) pop() (task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || len(l.queue) == 0 {
		return task{}, false
	}
	t := l.queue[0]
	l.queue[0] = task{}
	l.queue = l.queue[1:]
	return t, true
}

// Post schedules fn to run on the loop and returns its id. Posting to a
// closed loop drops fn and returns 0.
func (l *Loop) Post(fn func()) TaskID {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0
	}
	l.nextID++
	id := l.nextID
	l.queue = append(l.queue, task{id: id, fn: fn})
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return id
}

// Cancel removes a task that has not started yet. It reports whether the
// task was still queued.
func (l *Loop) Cancel(id TaskID) bool {
	if id == 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.queue {
		if l.queue[i].id == id {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Invoke runs fn on the loop and waits for it to finish. Called from a task
// it runs fn inline instead of deadlocking on itself.
func (l *Loop) Invoke(ctx context.Context, fn func()) error {
	if l.InLoop() {
		fn()
		return nil
	}

	finished := make(chan struct{})
	id := l.Post(func() {
		defer close(finished)
		fn()
	})
	if id == 0 {
		return ErrClosed
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		if l.Cancel(id) {
			return ctx.Err()
		}
		// Already running; it cannot be abandoned halfway.
		<-finished
		return nil
	case <-l.done:
		if l.Cancel(id) {
			return ErrClosed
		}
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// InLoop reports whether the caller is running on the loop goroutine.
func (l *Loop) InLoop() bool {
	owner := atomic.LoadInt64(&l.owner)
	return owner != 0 && owner == goid.Get()
}

// Len returns the number of queued tasks.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Close stops Run and drops every queued task. It is safe to call more than
// once.
func (l *Loop) Close() {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	})
}

// Done is closed once Close has been called.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
