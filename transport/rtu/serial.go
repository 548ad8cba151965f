// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	goburrow "github.com/goburrow/serial"
	"github.com/grid-x/serial"
	bugst "go.bug.st/serial"

	"github.com/ffutop/modbus-rtu-link/internal/config"
	rtupacket "github.com/ffutop/modbus-rtu-link/modbus/rtu"
)

const (
	// portPollTimeout bounds a single driver read so the reader notices Close.
	portPollTimeout = 100 * time.Millisecond
)

var (
	// ErrTimeout is returned when the expected bytes did not arrive in time.
	ErrTimeout = errors.New("modbus: request timed out")
	// ErrTransportClosed is returned by every operation after Close.
	ErrTransportClosed = errors.New("modbus: transport closed")
)

// TransportError reports a failure of the underlying medium. It is fatal to
// the loop or session that owns the transport.
type TransportError struct {
	Op   string
	Port string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("modbus: %s %s: %v", e.Op, e.Port, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// SerialTransport owns the byte channel to the bus. A single reader
// goroutine drains the port so reads can be bounded by a timeout or a
// context no matter how the driver blocks.
type SerialTransport struct {
	name string
	port io.ReadWriteCloser

	chunks chan []byte
	errs   chan error
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error

	mu       sync.Mutex // guards pending and readErr
	pending  []byte
	readErr  error
	writeMu  sync.Mutex
	activeMu sync.Mutex
	lastSeen time.Time
}

// Open opens the configured serial device.
func Open(cfg config.SerialConfig) (*SerialTransport, error) {
	var port io.ReadWriteCloser
	var err error

	switch cfg.Driver {
	case "bugst":
		port, err = openBugst(cfg)
	case "goburrow":
		port, err = openGoburrow(cfg)
	default:
		port, err = openGridX(cfg)
	}
	if err != nil {
		return nil, &TransportError{Op: "open", Port: cfg.Device, Err: err}
	}
	slog.Debug("Serial port opened", "device", cfg.Device, "driver", cfg.Driver, "baudRate", cfg.BaudRate)
	return NewSerialTransport(cfg.Device, port), nil
}

func openGridX(cfg config.SerialConfig) (io.ReadWriteCloser, error) {
	spConfig := &serial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  portPollTimeout,
	}
	if cfg.RS485 {
		spConfig.RS485 = serial.RS485Config{
			Enabled:            true,
			DelayRtsBeforeSend: cfg.DelayRtsBeforeSend,
			DelayRtsAfterSend:  cfg.DelayRtsAfterSend,
			RtsHighDuringSend:  cfg.RtsHighDuringSend,
			RtsHighAfterSend:   cfg.RtsHighAfterSend,
			RxDuringTx:         cfg.RxDuringTx,
		}
	}
	return serial.Open(spConfig)
}

func openGoburrow(cfg config.SerialConfig) (io.ReadWriteCloser, error) {
	spConfig := &goburrow.Config{
		Address:  cfg.Device,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  portPollTimeout,
	}
	if cfg.RS485 {
		spConfig.RS485 = goburrow.RS485Config{
			Enabled:            true,
			DelayRtsBeforeSend: cfg.DelayRtsBeforeSend,
			DelayRtsAfterSend:  cfg.DelayRtsAfterSend,
			RtsHighDuringSend:  cfg.RtsHighDuringSend,
			RtsHighAfterSend:   cfg.RtsHighAfterSend,
			RxDuringTx:         cfg.RxDuringTx,
		}
	}
	return goburrow.Open(spConfig)
}

func openBugst(cfg config.SerialConfig) (io.ReadWriteCloser, error) {
	mode := &bugst.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
	}
	switch cfg.Parity {
	case "E":
		mode.Parity = bugst.EvenParity
	case "O":
		mode.Parity = bugst.OddParity
	default:
		mode.Parity = bugst.NoParity
	}
	if cfg.StopBits == 2 {
		mode.StopBits = bugst.TwoStopBits
	} else {
		mode.StopBits = bugst.OneStopBit
	}

	port, err := bugst.Open(cfg.Device, mode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(portPollTimeout); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}

// NewSerialTransport wraps an already open stream.
func NewSerialTransport(name string, port io.ReadWriteCloser) *SerialTransport {
	t := &SerialTransport{
		name:   name,
		port:   port,
		chunks: make(chan []byte, 16),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go t.pump()
	return t
}

// Name returns the device name.
func (t *SerialTransport) Name() string {
	return t.name
}

func (t *SerialTransport) pump() {
	buf := make([]byte, rtupacket.MaxSize)
	for {
		n, err := t.port.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case t.chunks <- chunk:
			case <-t.done:
				return
			}
		}
		if err != nil && !isReadTimeout(err) {
			t.errs <- err
			return
		}
		select {
		case <-t.done:
			return
		default:
		}
	}
}

func isReadTimeout(err error) bool {
	if errors.Is(err, serial.ErrTimeout) || errors.Is(err, goburrow.ErrTimeout) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// receive waits for one event and folds it into pending. It reports false
// when timer fired.
func (t *SerialTransport) receive(ctx context.Context, timer <-chan time.Time) (bool, error) {
	select {
	case chunk := <-t.chunks:
		t.mu.Lock()
		t.pending = append(t.pending, chunk...)
		t.mu.Unlock()
		t.touch()
		return true, nil
	case err := <-t.errs:
		t.mu.Lock()
		t.readErr = err
		t.mu.Unlock()
		return false, t.failure()
	case <-t.done:
		return false, ErrTransportClosed
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer:
		return false, nil
	}
}

func (t *SerialTransport) failure() error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.readErr != nil {
		return &TransportError{Op: "read", Port: t.name, Err: t.readErr}
	}
	return nil
}

func (t *SerialTransport) buffered() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *SerialTransport) take(n int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > len(t.pending) {
		n = len(t.pending)
	}
	out := make([]byte, n)
	copy(out, t.pending)
	t.pending = t.pending[n:]
	return out
}

// ReadFull blocks until n bytes arrived, the timeout elapsed (ErrTimeout),
// ctx is done or the transport failed. Bytes received before a timeout stay
// buffered for the next read.
func (t *SerialTransport) ReadFull(ctx context.Context, n int, timeout time.Duration) ([]byte, error) {
	if err := t.failure(); err != nil {
		return nil, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for t.buffered() < n {
		got, err := t.receive(ctx, timer.C)
		if err != nil {
			return nil, err
		}
		if !got {
			return nil, ErrTimeout
		}
	}
	return t.take(n), nil
}

// ReadUntilSilence returns the buffered bytes plus everything that arrives
// until the line stays quiet for silence, at most max bytes. The result may
// be empty.
func (t *SerialTransport) ReadUntilSilence(ctx context.Context, max int, silence time.Duration) ([]byte, error) {
	if err := t.failure(); err != nil {
		return nil, err
	}
	for t.buffered() < max {
		timer := time.NewTimer(silence)
		got, err := t.receive(ctx, timer.C)
		timer.Stop()
		if err != nil {
			return nil, err
		}
		if !got {
			break
		}
	}
	return t.take(max), nil
}

// Discard drops every byte received so far.
func (t *SerialTransport) Discard() int {
	dropped := 0
drain:
	for {
		select {
		case chunk := <-t.chunks:
			dropped += len(chunk)
		default:
			break drain
		}
	}
	t.mu.Lock()
	dropped += len(t.pending)
	t.pending = nil
	t.mu.Unlock()
	return dropped
}

// Write sends p in full.
func (t *SerialTransport) Write(p []byte) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.port.Write(p); err != nil {
		return &TransportError{Op: "write", Port: t.name, Err: err}
	}
	t.touch()
	return nil
}

func (t *SerialTransport) touch() {
	t.activeMu.Lock()
	t.lastSeen = time.Now()
	t.activeMu.Unlock()
}

// LastActivity returns when a byte was last sent or received.
func (t *SerialTransport) LastActivity() time.Time {
	t.activeMu.Lock()
	defer t.activeMu.Unlock()
	return t.lastSeen
}

// Close releases the port. Only the first call closes it.
func (t *SerialTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.closeErr = t.port.Close()
		slog.Debug("Serial port closed", "device", t.name)
	})
	return t.closeErr
}

// calculateDelay calculates the needed delay to separate frames.
func calculateDelay(baudRate, chars int) time.Duration {
	var characterDelay, frameDelay int

	if baudRate <= 0 || baudRate > 19200 {
		characterDelay = 750
		frameDelay = 1750
	} else {
		characterDelay = 15000000 / baudRate
		frameDelay = 35000000 / baudRate
	}
	return time.Duration(characterDelay*chars+frameDelay) * time.Microsecond
}
