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
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/ZaparooProject/go-pn54x/internal/frame"
)

// The kernel driver offers no way to cancel a blocking read. The isolator
// moves that read into a worker which can always be torn down, and relays
// what it reads through a pipe the transport watches.

// Isolator starts blocking-read workers.
type Isolator interface {
	// Spawn starts a worker reading dev and writing every chunk, unmodified,
	// to out. The isolator takes ownership of out and closes it when the
	// worker exits.
	Spawn(dev Device, out *os.File) (Worker, error)
}

// Worker is a running blocking-read worker.
type Worker interface {
	// Terminate stops the worker and waits for it to exit.
	Terminate() error
}

// relay copies reads from src to dst until either side fails.
func relay(src io.Reader, dst io.Writer) error {
	buf := make([]byte, frame.MaxChunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			written, werr := dst.Write(buf[:n])
			if werr != nil {
				return werr
			}
			if written < n {
				return io.ErrShortWrite
			}
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return io.EOF
		}
	}
}

// DefaultTerminateGrace is how long a goroutine worker's Terminate waits for
// its read to return once the clone is closed.
const DefaultTerminateGrace = 500 * time.Millisecond

// GoroutineIsolator runs the read on a dedicated goroutine using a cloned
// device handle. Closing the clone interrupts the read on drivers that
// support it. On drivers that do not, Terminate gives up after Grace and
// leaves the goroutine behind; use ProcessIsolator for those.
type GoroutineIsolator struct {
	// Grace bounds the wait in Terminate; DefaultTerminateGrace if zero.
	Grace time.Duration
}

type goroutineWorker struct {
	dev   Device
	out   *os.File
	done  chan struct{}
	grace time.Duration
}

// Spawn implements Isolator.
func (g GoroutineIsolator) Spawn(dev Device, out *os.File) (Worker, error) {
	clone, err := dev.Clone()
	if err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("clone device handle: %w", err)
	}

	grace := g.Grace
	if grace <= 0 {
		grace = DefaultTerminateGrace
	}
	w := &goroutineWorker{dev: clone, out: out, done: make(chan struct{}), grace: grace}
	go func() {
		defer close(w.done)
		err := relay(clone, out)
		_ = out.Close()
		Debugf("Reader goroutine exiting: %v", err)
	}()
	return w, nil
}

// Terminate implements Worker. It never blocks longer than the grace
// period: a Close that does not interrupt the read leaves the goroutine
// behind, with the pipe closed so the transport sees the end of the stream.
func (w *goroutineWorker) Terminate() error {
	closed := make(chan error, 1)
	go func() { closed <- w.dev.Close() }()

	timer := time.NewTimer(w.grace)
	defer timer.Stop()
	select {
	case <-w.done:
	case <-timer.C:
		_ = w.out.Close()
		return ErrReaderAbandoned
	}
	select {
	case err := <-closed:
		return err
	case <-timer.C:
		return ErrReaderAbandoned
	}
}

// readerProcessEnv marks a re-executed binary as a reader process.
const readerProcessEnv = "PN54X_READER_PROCESS"

// ProcessIsolator re-executes a binary as the reader, handing it the device
// as file descriptor 3 and the pipe as stdout. Killing the child is the one
// way to abandon a read the driver would never return from. The binary must
// call MaybeRunReaderProcess before anything else.
type ProcessIsolator struct {
	// Path of the binary to run; os.Executable() if empty.
	Path string
	// Args passed to the binary.
	Args []string
}

type processWorker struct {
	cmd *exec.Cmd
}

// Spawn implements Isolator.
func (p ProcessIsolator) Spawn(dev Device, out *os.File) (Worker, error) {
	defer func() { _ = out.Close() }()

	fd, ok := dev.(FileDevice)
	if !ok {
		return nil, errors.New("device has no file descriptor to hand to a reader process")
	}

	exe := p.Path
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
	}

	f, err := fd.File()
	if err != nil {
		return nil, fmt.Errorf("duplicate device descriptor: %w", err)
	}
	defer func() { _ = f.Close() }()

	cmd := exec.Command(exe, p.Args...) //nolint:gosec // path is the running binary or configured
	cmd.Env = append(os.Environ(), readerProcessEnv+"=1")
	cmd.ExtraFiles = []*os.File{f}
	cmd.Stdout = out
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start reader process: %w", err)
	}
	Debugf("Started read process %d", cmd.Process.Pid)
	return &processWorker{cmd: cmd}, nil
}

// Terminate implements Worker.
func (w *processWorker) Terminate() error {
	Debugf("Killing child %d", w.cmd.Process.Pid)
	if err := w.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill reader process: %w", err)
	}
	// The exit status is always "killed"; nothing to report.
	_ = w.cmd.Wait()
	return nil
}

// MaybeRunReaderProcess turns the current process into a reader if it was
// started by ProcessIsolator, and never returns in that case. Call it first
// thing in main, and in TestMain of packages that use ProcessIsolator.
func MaybeRunReaderProcess() {
	if os.Getenv(readerProcessEnv) != "1" {
		return
	}
	dev := os.NewFile(3, "pn54x-device")
	err := relay(dev, os.Stdout)
	// Normally it never exits. It gets killed by the parent.
	Debugf("Child %d exiting: %v", os.Getpid(), err)
	os.Exit(0)
}
