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

package pn54x_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ZaparooProject/go-pn54x"
	"github.com/ZaparooProject/go-pn54x/internal/loop"
	testutil "github.com/ZaparooProject/go-pn54x/internal/testing"
)

const (
	testPath    = "/dev/pn544"
	testTimeout = 5 * time.Second
)

func TestMain(m *testing.M) {
	// ProcessIsolator re-executes this test binary as the reader.
	pn54x.MaybeRunReaderProcess()
	// Every session log owns a lumberjack mill goroutine that its Close
	// does not stop.
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).millRun"))
}

// recordingClient copies every packet and error into channels.
type recordingClient struct {
	packets chan []byte
	errs    chan error
}

func newRecordingClient() *recordingClient {
	return &recordingClient{
		packets: make(chan []byte, 64),
		errs:    make(chan error, 8),
	}
}

func (c *recordingClient) PacketReceived(pkt []byte) {
	c.packets <- append([]byte(nil), pkt...)
}

func (c *recordingClient) TransportError(err error) {
	c.errs <- err
}

func (c *recordingClient) nextPacket(t *testing.T) []byte {
	t.Helper()
	select {
	case pkt := <-c.packets:
		return pkt
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a packet")
		return nil
	}
}

func (c *recordingClient) nextError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.errs:
		return err
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a transport error")
		return nil
	}
}

func (c *recordingClient) assertNoPacket(t *testing.T) {
	t.Helper()
	select {
	case pkt := <-c.packets:
		t.Fatalf("unexpected packet % X", pkt)
	default:
	}
}

func newTransport(t *testing.T, driver pn54x.Driver, opts ...pn54x.Option) *pn54x.Transport {
	t.Helper()
	tr, err := pn54x.New(testPath, driver, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func newFakeDriver(t *testing.T) *testutil.FakeDriver {
	t.Helper()
	fake := testutil.NewFakeDriver()
	t.Cleanup(func() { _ = fake.Close() })
	return fake
}

// startedLoop returns a loop running until the test ends.
func startedLoop(t *testing.T) *loop.Loop {
	t.Helper()
	l := loop.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		l.Close()
	})
	return l
}

// settle waits until every task queued so far has run.
func settle(t *testing.T, tr *pn54x.Transport) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, tr.Invoke(ctx, func() {}))
}

func filler(n int) []byte {
	return bytes.Repeat([]byte{0xFF}, n)
}

func join(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func TestNew_PowersOffAndClosesDevice(t *testing.T) {
	t.Parallel()

	fake := newFakeDriver(t)
	tr := newTransport(t, fake)

	assert.Equal(t, testPath, tr.Path())
	assert.False(t, tr.Started())
	assert.Equal(t, []bool{false}, fake.PowerCalls())
	assert.Equal(t, 1, fake.Opens())
	assert.Zero(t, fake.OpenDevices())
}

func TestNew_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		setup   func(*testutil.FakeDriver)
		wantErr error
		name    string
	}{
		{
			name:    "open fails",
			setup:   func(f *testutil.FakeDriver) { f.FailOpen(os.ErrNotExist) },
			wantErr: pn54x.ErrOpenFailed,
		},
		{
			name:    "power ioctl fails",
			setup:   func(f *testutil.FakeDriver) { f.FailPower(errors.New("ENOTTY")) },
			wantErr: pn54x.ErrPowerControl,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fake := newFakeDriver(t)
			tt.setup(fake)

			tr, err := pn54x.New(testPath, fake)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, tr)
			assert.Zero(t, fake.OpenDevices())
		})
	}
}

func TestNew_NilDriver(t *testing.T) {
	t.Parallel()

	_, err := pn54x.New(testPath, nil)
	assert.Error(t, err)
}

func TestTransport_ReadScenarios(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		chunks [][]byte
		want   [][]byte
	}{
		{
			name:   "basic",
			chunks: [][]byte{join([]byte{0x60, 0x08, 0x02, 0x05, 0x05}, filler(27))},
			want:   [][]byte{{0x60, 0x08, 0x02, 0x05, 0x05}},
		},
		{
			name: "split",
			chunks: [][]byte{
				filler(8),
				join(filler(6), []byte{0x60, 0x08}),
				{0x02, 0xB2},
				join([]byte{0x00}, filler(7)),
			},
			want: [][]byte{{0x60, 0x08, 0x02, 0xB2, 0x00}},
		},
		{
			name: "combined",
			chunks: [][]byte{join(
				[]byte{0x60, 0x08, 0x02, 0xB2, 0x00, 0xFF, 0xFF, 0xFF},
				[]byte{0x61, 0x06, 0x02, 0x03, 0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
			)},
			want: [][]byte{
				{0x60, 0x08, 0x02, 0xB2, 0x00},
				{0x61, 0x06, 0x02, 0x03, 0x00},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fake := newFakeDriver(t)
			tr := newTransport(t, fake)
			client := newRecordingClient()
			require.NoError(t, tr.Start(client))

			for _, chunk := range tt.chunks {
				require.NoError(t, fake.Send(chunk))
			}
			for _, want := range tt.want {
				assert.Equal(t, want, client.nextPacket(t))
			}

			settle(t, tr)
			client.assertNoPacket(t)
		})
	}
}

func TestTransport_JitteryReads(t *testing.T) {
	t.Parallel()

	fake := newFakeDriver(t)
	config := testutil.DefaultJitterConfig()
	config.Seed = 7
	tr := newTransport(t, &testutil.JitteryDriver{Driver: fake, Config: config})
	client := newRecordingClient()
	require.NoError(t, tr.Start(client))

	var want [][]byte
	for i := range 20 {
		payload := bytes.Repeat([]byte{byte(i)}, i%7)
		pkt := join([]byte{0x60, byte(i & 0x3F), byte(len(payload))}, payload)
		want = append(want, pkt)
	}
	for _, chunk := range testutil.SplitRandom(join(want...), 9, 99) {
		require.NoError(t, fake.Send(chunk))
	}

	for _, pkt := range want {
		assert.Equal(t, pkt, client.nextPacket(t))
	}
}

func TestTransport_Write(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		chunks [][]byte
		want   []byte
	}{
		{name: "single chunk", chunks: [][]byte{{0x20, 0x01, 0x00}}, want: []byte{0x20, 0x01, 0x00}},
		{name: "two chunks", chunks: [][]byte{{0x20}, {0x01, 0x00}}, want: []byte{0x20, 0x01, 0x00}},
		{
			name:   "many chunks",
			chunks: [][]byte{{0x20, 0x00}, {}, {0x01}, {0x01}},
			want:   []byte{0x20, 0x00, 0x01, 0x01},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fake := newFakeDriver(t)
			tr := newTransport(t, fake)

			results := make(chan bool, 2)
			require.NoError(t, tr.Write(tt.chunks, func(ok bool) { results <- ok }))

			got, err := fake.Receive(len(tt.want), testTimeout)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			select {
			case ok := <-results:
				assert.True(t, ok)
			case <-time.After(testTimeout):
				t.Fatal("write completion never ran")
			}
			settle(t, tr)
			assert.Empty(t, results, "completion must run exactly once")
		})
	}
}

func TestTransport_WriteWithoutCallback(t *testing.T) {
	t.Parallel()

	fake := newFakeDriver(t)
	tr := newTransport(t, fake)

	require.NoError(t, tr.Write([][]byte{{0x20, 0x01, 0x00}}, nil))
	got, err := fake.Receive(3, testTimeout)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x20, 0x01, 0x00}, got)
}

func TestTransport_WritePending(t *testing.T) {
	t.Parallel()

	fake := newFakeDriver(t)
	l := loop.New() // not running, so completions stay queued
	t.Cleanup(l.Close)
	tr := newTransport(t, fake, pn54x.WithLoop(l))

	require.NoError(t, tr.Write([][]byte{{0x20, 0x01, 0x00}}, func(bool) {}))
	err := tr.Write([][]byte{{0x20, 0x02, 0x00}}, func(bool) {})
	require.ErrorIs(t, err, pn54x.ErrWritePending)

	// Only the first packet reached the device.
	require.NoError(t, tr.Write([][]byte{{0x2F, 0x00, 0x00}}, nil))
	got, err := fake.Receive(6, testTimeout)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x20, 0x01, 0x00, 0x2F, 0x00, 0x00}, got)
}

func TestTransport_CancelWrite(t *testing.T) {
	t.Parallel()

	fake := newFakeDriver(t)
	l := loop.New()
	t.Cleanup(l.Close)
	tr := newTransport(t, fake, pn54x.WithLoop(l))

	called := false
	require.NoError(t, tr.Write([][]byte{{0x20, 0x01, 0x00}}, func(bool) { called = true }))
	tr.CancelWrite()
	tr.CancelWrite()

	// Bytes already went out; only the notification is suppressed.
	got, err := fake.Receive(3, testTimeout)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x20, 0x01, 0x00}, got)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	settle(t, tr)
	cancel()
	<-done
	assert.False(t, called)

	// A new write with a callback is accepted again.
	require.NoError(t, tr.Write([][]byte{{0x20, 0x01, 0x00}}, func(bool) {}))
}

func TestTransport_WriteOpenFailure(t *testing.T) {
	t.Parallel()

	fake := newFakeDriver(t)
	tr := newTransport(t, fake)
	fake.FailOpen(os.ErrPermission)

	called := false
	err := tr.Write([][]byte{{0x20, 0x01, 0x00}}, func(bool) { called = true })
	require.ErrorIs(t, err, pn54x.ErrOpenFailed)
	require.ErrorIs(t, err, os.ErrPermission)
	settle(t, tr)
	assert.False(t, called)
}

func TestTransport_StartStop(t *testing.T) {
	t.Parallel()

	fake := newFakeDriver(t)
	tr := newTransport(t, fake)
	client := newRecordingClient()

	require.NoError(t, tr.Start(client))
	assert.True(t, tr.Started())
	assert.Equal(t, 1, fake.OpenDevices())
	require.ErrorIs(t, tr.Start(client), pn54x.ErrAlreadyStarted)

	tr.Stop()
	tr.Stop()
	assert.False(t, tr.Started())
	assert.Zero(t, fake.OpenDevices())

	// Stopping must not report anything to the old client.
	settle(t, tr)
	assert.Empty(t, client.errs)

	require.NoError(t, tr.Start(client))
	require.NoError(t, fake.Send([]byte{0x60, 0x07, 0x01, 0xA1}))
	assert.Equal(t, []byte{0x60, 0x07, 0x01, 0xA1}, client.nextPacket(t))
}

func TestTransport_StopDropsPendingCompletion(t *testing.T) {
	t.Parallel()

	fake := newFakeDriver(t)
	l := loop.New()
	t.Cleanup(l.Close)
	tr := newTransport(t, fake, pn54x.WithLoop(l))
	client := newRecordingClient()

	require.NoError(t, tr.Start(client))
	called := false
	require.NoError(t, tr.Write([][]byte{{0x20, 0x01, 0x00}}, func(bool) { called = true }))
	tr.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	settle(t, tr)
	assert.False(t, called)

	require.NoError(t, tr.Start(client))
	require.NoError(t, fake.Send([]byte{0x60, 0x08, 0x02, 0xB2, 0x00}))
	assert.Equal(t, []byte{0x60, 0x08, 0x02, 0xB2, 0x00}, client.nextPacket(t))
}

func TestTransport_StopFromCallback(t *testing.T) {
	t.Parallel()

	fake := newFakeDriver(t)
	tr := newTransport(t, fake)

	var (
		mu      sync.Mutex
		packets int
	)
	stopped := make(chan struct{})
	client := pn54x.ClientFuncs{
		OnPacket: func([]byte) {
			mu.Lock()
			packets++
			mu.Unlock()
			tr.Stop()
			close(stopped)
		},
	}
	require.NoError(t, tr.Start(client))
	require.NoError(t, fake.Send([]byte{0x60, 0x07, 0x01, 0xA1, 0x60, 0x07, 0x01, 0xA2}))

	select {
	case <-stopped:
	case <-time.After(testTimeout):
		t.Fatal("no packet delivered")
	}
	settle(t, tr)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, packets, "delivery stops once the client stops the transport")
	assert.False(t, tr.Started())
}

func TestTransport_StartFailures(t *testing.T) {
	t.Parallel()

	t.Run("open", func(t *testing.T) {
		t.Parallel()

		fake := newFakeDriver(t)
		tr := newTransport(t, fake)
		fake.FailOpen(os.ErrNotExist)

		err := tr.Start(newRecordingClient())
		require.ErrorIs(t, err, pn54x.ErrOpenFailed)
		assert.True(t, pn54x.IsFatal(err))
		assert.False(t, tr.Started())
	})

	t.Run("isolator", func(t *testing.T) {
		t.Parallel()

		fake := newFakeDriver(t)
		tr := newTransport(t, fake, pn54x.WithIsolator(failingIsolator{}))

		err := tr.Start(newRecordingClient())
		require.ErrorIs(t, err, pn54x.ErrIsolatorSpawn)
		assert.False(t, tr.Started())
		assert.Zero(t, fake.OpenDevices(), "device closed on rollback")
	})

	t.Run("nil client", func(t *testing.T) {
		t.Parallel()

		tr := newTransport(t, newFakeDriver(t))
		assert.Error(t, tr.Start(nil))
	})
}

type failingIsolator struct{}

func (failingIsolator) Spawn(_ pn54x.Device, out *os.File) (pn54x.Worker, error) {
	_ = out.Close()
	return nil, errors.New("no workers today")
}

// stuckDevice stands in for a driver without poll support: Read blocks until
// release is closed and Close does nothing to interrupt it.
type stuckDevice struct {
	release <-chan struct{}
}

func (d *stuckDevice) Read([]byte) (int, error) {
	<-d.release
	return 0, io.EOF
}

func (*stuckDevice) Write(p []byte) (int, error) { return len(p), nil }
func (*stuckDevice) SetPower(bool) error         { return nil }
func (*stuckDevice) Close() error                { return nil }

func (d *stuckDevice) Clone() (pn54x.Device, error) {
	return &stuckDevice{release: d.release}, nil
}

type stuckDriver struct {
	release <-chan struct{}
}

func (stuckDriver) Type() pn54x.TransportType { return pn54x.TransportMock }

func (d stuckDriver) Open(string) (pn54x.Device, error) {
	return &stuckDevice{release: d.release}, nil
}

func TestGoroutineIsolator_AbandonsUncancellableRead(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	defer func() { _ = pr.Close() }()

	iso := pn54x.GoroutineIsolator{Grace: 20 * time.Millisecond}
	w, err := iso.Spawn(&stuckDevice{release: release}, pw)
	require.NoError(t, err)

	require.ErrorIs(t, w.Terminate(), pn54x.ErrReaderAbandoned)

	// The pipe is closed, so whoever watches it sees the stream end.
	n, err := pr.Read(make([]byte, 1))
	assert.Zero(t, n)
	require.ErrorIs(t, err, io.EOF)
}

func TestTransport_StopWithUncancellableRead(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	tr := newTransport(t, stuckDriver{release: release},
		pn54x.WithIsolator(pn54x.GoroutineIsolator{Grace: 20 * time.Millisecond}))
	client := newRecordingClient()

	returns := func(name string, fn func()) {
		t.Helper()
		done := make(chan struct{})
		go func() {
			defer close(done)
			fn()
		}()
		select {
		case <-done:
		case <-time.After(testTimeout):
			t.Fatalf("%s blocked on a read the driver never returns from", name)
		}
	}

	require.NoError(t, tr.Start(client))
	returns("Stop", tr.Stop)
	assert.False(t, tr.Started())

	// Powering off is the case where no data will ever end the read.
	require.NoError(t, tr.Start(client))
	returns("SetPower", func() { assert.NoError(t, tr.SetPower(false)) })
	assert.False(t, tr.Started())

	settle(t, tr)
	assert.Empty(t, client.errs, "an abandoned reader is not reported")

	require.NoError(t, tr.Start(client))
	returns("Close", func() { assert.NoError(t, tr.Close()) })
}

func TestTransport_EndOfStream(t *testing.T) {
	t.Parallel()

	fake := newFakeDriver(t)
	tr := newTransport(t, fake)
	client := newRecordingClient()
	require.NoError(t, tr.Start(client))

	require.NoError(t, fake.Send([]byte{0x60, 0x07, 0x01, 0xA1}))
	client.nextPacket(t)
	require.NoError(t, fake.HangUp())

	err := client.nextError(t)
	require.ErrorIs(t, err, pn54x.ErrEndOfStream)

	trace := pn54x.GetTrace(err)
	require.NotNil(t, trace)
	require.Len(t, trace.Trace, 1)
	assert.Equal(t, pn54x.TraceRX, trace.Trace[0].Direction)
	assert.Equal(t, []byte{0x60, 0x07, 0x01, 0xA1}, trace.Trace[0].Data)

	settle(t, tr)
	assert.Empty(t, client.errs, "error reported exactly once")
	assert.True(t, tr.Started(), "reader stays until the client stops it")
	require.ErrorIs(t, tr.Start(client), pn54x.ErrAlreadyStarted)

	tr.Stop()
	assert.Zero(t, fake.OpenDevices())
}

func TestTransport_SetPower(t *testing.T) {
	t.Parallel()

	fake := newFakeDriver(t)
	tr := newTransport(t, fake)
	client := newRecordingClient()

	require.NoError(t, tr.SetPower(true))
	assert.Equal(t, 1, fake.OpenDevices(), "powered on device stays open")

	require.NoError(t, tr.Start(client))
	require.NoError(t, tr.SetPower(false))
	assert.False(t, tr.Started(), "power off stops reading")
	assert.Zero(t, fake.OpenDevices())
	assert.Equal(t, []bool{false, true, false}, fake.PowerCalls())

	settle(t, tr)
	assert.Empty(t, client.errs)

	fake.FailPower(errors.New("EIO"))
	require.NoError(t, tr.Start(client))
	err := tr.SetPower(false)
	require.ErrorIs(t, err, pn54x.ErrPowerControl)
	assert.True(t, tr.Started(), "failed power request leaves state alone")
}

func TestTransport_Close(t *testing.T) {
	t.Parallel()

	fake := newFakeDriver(t)
	tr, err := pn54x.New(testPath, fake)
	require.NoError(t, err)
	require.NoError(t, tr.Start(newRecordingClient()))

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Zero(t, fake.OpenDevices())

	require.ErrorIs(t, tr.Start(newRecordingClient()), pn54x.ErrTransportClosed)
	require.ErrorIs(t, tr.Write([][]byte{{0x20, 0x01, 0x00}}, nil), pn54x.ErrTransportClosed)
	require.ErrorIs(t, tr.SetPower(true), pn54x.ErrTransportClosed)
	tr.Stop()
	tr.CancelWrite()
}

func TestTransport_Hexdump(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	fake := newFakeDriver(t)
	tr := newTransport(t, fake, pn54x.WithHexdump(pn54x.NewHexdumper(&buf)))

	require.NoError(t, tr.Write([][]byte{{0x20}, {0x01, 0x00}}, nil))
	assert.Contains(t, buf.String(), "< 20 01 00")
}

func TestTransport_ProcessIsolator(t *testing.T) {
	t.Parallel()

	fake := newFakeDriver(t)
	tr := newTransport(t, fake, pn54x.WithIsolator(pn54x.ProcessIsolator{}))
	client := newRecordingClient()
	require.NoError(t, tr.Start(client))

	require.NoError(t, fake.Send(join([]byte{0x60, 0x06, 0x03, 0x01, 0x00, 0x02}, filler(10))))
	assert.Equal(t, []byte{0x60, 0x06, 0x03, 0x01, 0x00, 0x02}, client.nextPacket(t))

	require.NoError(t, tr.Write([][]byte{{0x20, 0x01, 0x00}}, nil))
	got, err := fake.Receive(3, testTimeout)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x20, 0x01, 0x00}, got)

	tr.Stop()
	assert.False(t, tr.Started())
	settle(t, tr)
	assert.Empty(t, client.errs, "killing the reader is not an error")
}
