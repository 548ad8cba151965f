// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package link

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/ffutop/modbus-rtu-link/transport/rtu"
)

func runController(t *testing.T, c *Controller) (<-chan error, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(cancel)
	return done, cancel
}

func waitStopped(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(time.Second):
		t.Fatal("controller did not stop")
		return nil
	}
}

func TestController_TextEOFKeepsMirror(t *testing.T) {
	input := &fakeInput{}
	client := newFakeClient()
	done, cancel := runController(t, &Controller{
		Mirror: &CoilMirror{Input: input, Writer: client, SlaveID: 1, Address: 2, Interval: 5 * time.Millisecond},
		Sender: &TextSender{Writer: client, SlaveID: 1},
		Text:   strings.NewReader(""),
	})

	select {
	case err := <-done:
		t.Fatalf("controller stopped at text EOF: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	input.set(true)
	if w := nextCoil(t, client.coils); w != (coilWrite{1, 2, true}) {
		t.Errorf("write = %+v", w)
	}

	cancel()
	if err := waitStopped(t, done); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestController_Quit(t *testing.T) {
	client := newFakeClient()
	done, _ := runController(t, &Controller{
		Mirror: &CoilMirror{Input: &fakeInput{}, Writer: client, SlaveID: 1, Interval: 5 * time.Millisecond},
		Sender: &TextSender{Writer: client, SlaveID: 1},
		Text:   strings.NewReader("hi\nquit\n"),
	})

	if err := waitStopped(t, done); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.registers) != 1 {
		t.Errorf("got %d register writes, want 1", len(client.registers))
	}
}

func TestController_TextEOFWithoutMirror(t *testing.T) {
	client := newFakeClient()
	done, _ := runController(t, &Controller{
		Sender: &TextSender{Writer: client, SlaveID: 1},
		Text:   strings.NewReader("hi\n"),
	})

	if err := waitStopped(t, done); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestController_MirrorLinkDown(t *testing.T) {
	// Text input that never delivers a line.
	pr, pw := io.Pipe()
	t.Cleanup(func() { pw.Close() })

	client := newFakeClient(linkDown)
	done, _ := runController(t, &Controller{
		Mirror: &CoilMirror{Input: &fakeInput{on: true}, Writer: client, SlaveID: 1, Interval: 5 * time.Millisecond},
		Sender: &TextSender{Writer: client, SlaveID: 1},
		Text:   pr,
	})

	err := waitStopped(t, done)
	var te *rtu.TransportError
	if !errors.As(err, &te) {
		t.Errorf("expected TransportError, got %v", err)
	}
}

func TestController_SenderLinkDown(t *testing.T) {
	client := newFakeClient(linkDown)
	done, _ := runController(t, &Controller{
		Mirror: &CoilMirror{Input: &fakeInput{}, Writer: client, SlaveID: 1, Interval: 5 * time.Millisecond},
		Sender: &TextSender{Writer: client, SlaveID: 1},
		Text:   strings.NewReader("hi\n"),
	})

	err := waitStopped(t, done)
	var te *rtu.TransportError
	if !errors.As(err, &te) {
		t.Errorf("expected TransportError, got %v", err)
	}
}
