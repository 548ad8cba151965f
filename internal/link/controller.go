// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package link

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// Controller runs the controller-side workers against one field device.
//
// The run ends when ctx is done, when a worker fails, on a "quit" line, or
// when Text reaches EOF and there is no Mirror left to keep running.
type Controller struct {
	Mirror *CoilMirror
	Sender *TextSender
	Text   io.Reader
}

// Run blocks until the controller stops and returns the first worker error.
// ErrQuit is not an error.
func (c *Controller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	fail := func(name string, err error) {
		slog.Error("Worker stopped with error", "worker", name, "err", err)
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
		cancel()
	}

	if c.Mirror != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Mirror.Run(ctx); err != nil {
				fail("coil mirror", err)
				return
			}
			cancel()
		}()
	}

	if c.Sender != nil && c.Text != nil {
		// Not waited for: a read on stdin cannot be interrupted.
		go func() {
			err := c.Sender.Run(ctx, c.Text)
			switch {
			case errors.Is(err, ErrQuit):
				cancel()
			case err != nil:
				fail("text sender", err)
			case c.Mirror == nil:
				cancel()
			default:
				slog.Info("Text input closed, coil mirror keeps running")
			}
		}()
	} else if c.Mirror == nil {
		return nil
	}

	<-ctx.Done()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return firstErr
}
