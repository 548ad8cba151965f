// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package link

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ffutop/modbus-rtu-link/internal/datastore"
	"github.com/ffutop/modbus-rtu-link/internal/observer"
	"github.com/ffutop/modbus-rtu-link/modbus"
	"github.com/ffutop/modbus-rtu-link/transport/rtu"
)

type coilWrite struct {
	slaveID byte
	address uint16
	value   bool
}

type registerWrite struct {
	slaveID byte
	address uint16
	values  []uint16
}

// fakeClient records writes and fails them with the queued errors first.
type fakeClient struct {
	mu        sync.Mutex
	errs      []error
	coils     chan coilWrite
	registers []registerWrite
}

func newFakeClient(errs ...error) *fakeClient {
	return &fakeClient{errs: errs, coils: make(chan coilWrite, 16)}
}

func (c *fakeClient) nextErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errs) == 0 {
		return nil
	}
	err := c.errs[0]
	c.errs = c.errs[1:]
	return err
}

func (c *fakeClient) WriteSingleCoil(_ context.Context, slaveID byte, address uint16, value bool) error {
	c.coils <- coilWrite{slaveID, address, value}
	return c.nextErr()
}

func (c *fakeClient) WriteMultipleRegisters(_ context.Context, slaveID byte, address uint16, values []uint16) error {
	c.mu.Lock()
	c.registers = append(c.registers, registerWrite{slaveID, address, values})
	c.mu.Unlock()
	return c.nextErr()
}

type fakeInput struct {
	mu sync.Mutex
	on bool
}

func (i *fakeInput) set(on bool) {
	i.mu.Lock()
	i.on = on
	i.mu.Unlock()
}

func (i *fakeInput) ReadBool() (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.on, nil
}

type recorder struct {
	states []bool
	texts  []string
}

func (r *recorder) SetBool(on bool) error {
	r.states = append(r.states, on)
	return nil
}

func (r *recorder) ShowText(text string) error {
	r.texts = append(r.texts, text)
	return nil
}

var (
	remoteException = &modbus.ExceptionError{FunctionCode: 0x85, ExceptionCode: modbus.ExceptionCodeSlaveDeviceFailure}
	linkDown        = &rtu.TransportError{Op: "write", Port: "/dev/ttyAMA0", Err: errors.New("i/o error")}
)

func TestEncodeText(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		maxLen  int
		want    []uint16
		wantErr bool
	}{
		{"Hello", "Hello", 123, []uint16{72, 101, 108, 108, 111, 0}, false},
		{"ExactFit", "Hi", 2, []uint16{'H', 'i'}, false},
		{"TooLong", "Hello", 4, nil, true},
		{"Latin1", "é", 10, []uint16{0xE9, 0}, false},
		{"OutsideBMP", "\U0001F600", 10, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeText(tt.text, tt.maxLen)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EncodeText() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("EncodeText() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecodeText(t *testing.T) {
	tests := []struct {
		name   string
		values []uint16
		want   string
	}{
		{"Hello", []uint16{72, 101, 108, 108, 111}, "Hello"},
		{"Terminated", []uint16{'H', 'i', 0, 'x', 'y'}, "Hi"},
		{"NonPrintable", []uint16{7, 'o', 0x1B, 'k'}, "ok"},
		{"Empty", []uint16{0, 'a'}, ""},
		{"Nil", nil, ""},
	}
	for _, tt := range tests {
		if got := DecodeText(tt.values); got != tt.want {
			t.Errorf("%s: DecodeText() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestTextSender(t *testing.T) {
	client := newFakeClient()
	s := &TextSender{Writer: client, SlaveID: 1, Address: 4}

	in := strings.NewReader("Hello\n\nHI\r\nQuit\nignored\n")
	if err := s.Run(context.Background(), in); !errors.Is(err, ErrQuit) {
		t.Fatalf("Run = %v, want ErrQuit", err)
	}

	want := []registerWrite{
		{1, 4, []uint16{72, 101, 108, 108, 111, 0}},
		{1, 4, []uint16{'H', 'I', 0}},
	}
	if !reflect.DeepEqual(client.registers, want) {
		t.Errorf("writes = %v, want %v", client.registers, want)
	}
}

func TestTextSender_Errors(t *testing.T) {
	// A remote exception drops the line only.
	client := newFakeClient(remoteException)
	s := &TextSender{Writer: client, SlaveID: 1, MaxLen: 3}
	if err := s.Run(context.Background(), strings.NewReader("a\ntoolong\nb\n")); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(client.registers) != 2 {
		t.Errorf("got %d writes, want 2", len(client.registers))
	}

	// A broken link ends the run.
	client = newFakeClient(linkDown)
	s = &TextSender{Writer: client, SlaveID: 1}
	err := s.Run(context.Background(), strings.NewReader("a\nb\n"))
	var te *rtu.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if len(client.registers) != 1 {
		t.Errorf("got %d writes, want 1", len(client.registers))
	}
}

func runMirror(t *testing.T, m *CoilMirror) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(cancel)
	return done
}

func nextCoil(t *testing.T, ch <-chan coilWrite) coilWrite {
	t.Helper()
	select {
	case w := <-ch:
		return w
	case <-time.After(time.Second):
		t.Fatal("no coil write")
		return coilWrite{}
	}
}

func TestCoilMirror_Edges(t *testing.T) {
	input := &fakeInput{}
	client := newFakeClient()
	runMirror(t, &CoilMirror{Input: input, Writer: client, SlaveID: 1, Address: 0, Interval: 5 * time.Millisecond})

	// Initial off state is not written.
	select {
	case w := <-client.coils:
		t.Fatalf("unexpected write %+v", w)
	case <-time.After(30 * time.Millisecond):
	}

	input.set(true)
	if w := nextCoil(t, client.coils); w != (coilWrite{1, 0, true}) {
		t.Errorf("write = %+v", w)
	}
	input.set(false)
	if w := nextCoil(t, client.coils); w != (coilWrite{1, 0, false}) {
		t.Errorf("write = %+v", w)
	}

	// Steady input, no writes.
	select {
	case w := <-client.coils:
		t.Fatalf("unexpected write %+v", w)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestCoilMirror_RetryAfterError(t *testing.T) {
	input := &fakeInput{on: true}
	client := newFakeClient(remoteException)
	runMirror(t, &CoilMirror{Input: input, Writer: client, SlaveID: 1, Address: 3, Interval: 5 * time.Millisecond})

	first := nextCoil(t, client.coils)
	second := nextCoil(t, client.coils)
	if first != second || !second.value {
		t.Errorf("writes = %+v, %+v; want the same write retried", first, second)
	}
}

func TestCoilMirror_LinkDown(t *testing.T) {
	input := &fakeInput{on: true}
	client := newFakeClient(linkDown)
	done := runMirror(t, &CoilMirror{Input: input, Writer: client, SlaveID: 1, Interval: 5 * time.Millisecond})

	select {
	case err := <-done:
		var te *rtu.TransportError
		if !errors.As(err, &te) {
			t.Errorf("expected TransportError, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("mirror kept running after transport failure")
	}
}

func coilEvent(prev, cur []bool) observer.Event {
	return observer.Event{
		Region:   datastore.RegionCoils,
		Previous: datastore.Snapshot{Coils: prev},
		Current:  datastore.Snapshot{Coils: cur},
		At:       time.Now(),
	}
}

func registerEvent(prev, cur []uint16) observer.Event {
	return observer.Event{
		Region:   datastore.RegionHoldingRegisters,
		Previous: datastore.Snapshot{Registers: prev},
		Current:  datastore.Snapshot{Registers: cur},
		At:       time.Now(),
	}
}

func TestCoilOutput(t *testing.T) {
	rec := &recorder{}
	out := &CoilOutput{Output: rec, Address: 1}
	ctx := context.Background()

	out.Changed(ctx, coilEvent([]bool{false, false}, []bool{false, true}))
	out.Changed(ctx, coilEvent([]bool{false, true}, []bool{true, true})) // coil 0 only
	out.Changed(ctx, registerEvent([]uint16{0}, []uint16{1}))
	out.Changed(ctx, coilEvent([]bool{true, true}, []bool{true, false}))

	if !reflect.DeepEqual(rec.states, []bool{true, false}) {
		t.Errorf("states = %v, want [true false]", rec.states)
	}
}

func TestTextRender(t *testing.T) {
	rec := &recorder{}
	r := &TextRender{Sink: rec}
	ctx := context.Background()

	r.Changed(ctx, registerEvent([]uint16{0, 0, 0, 0}, []uint16{'H', 'i', 0, 0}))
	// Change after the terminator leaves the text as is.
	r.Changed(ctx, registerEvent([]uint16{'H', 'i', 0, 0}, []uint16{'H', 'i', 0, 'x'}))
	r.Changed(ctx, coilEvent([]bool{false}, []bool{true}))
	r.Changed(ctx, registerEvent([]uint16{'H', 'i', 0, 'x'}, []uint16{'Y', 'o', 7, 0}))

	if !reflect.DeepEqual(rec.texts, []string{"Hi", "Yo"}) {
		t.Errorf("texts = %q", rec.texts)
	}
}

func TestFileInputOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "value")

	out := FileOutput{Path: path}
	in := FileInput{Path: path}

	if _, err := in.ReadBool(); err == nil {
		t.Error("expected error for missing file")
	}
	for _, want := range []bool{true, false} {
		if err := out.SetBool(want); err != nil {
			t.Fatalf("SetBool(%v): %v", want, err)
		}
		got, err := in.ReadBool()
		if err != nil {
			t.Fatalf("ReadBool: %v", err)
		}
		if got != want {
			t.Errorf("ReadBool = %v, want %v", got, want)
		}
	}

	if err := os.WriteFile(path, []byte("maybe\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := in.ReadBool(); err == nil {
		t.Error("expected error for garbage value")
	}
}
