// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package link

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CoilMirror copies a boolean input to a remote coil. It writes only when the
// input differs from the last value the field device acknowledged.
type CoilMirror struct {
	Input    BoolInput
	Writer   CoilWriter
	SlaveID  byte
	Address  uint16
	Interval time.Duration
}

// Run polls Input until ctx is done or the serial link fails. The coil is
// assumed off at start.
func (m *CoilMirror) Run(ctx context.Context) error {
	if m.Interval <= 0 {
		return fmt.Errorf("coil mirror: interval must be positive, got %v", m.Interval)
	}
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	last := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		cur, err := m.Input.ReadBool()
		if err != nil {
			slog.Warn("Failed to read input", "err", err)
			continue
		}
		if cur == last {
			continue
		}

		slog.Info("Input changed", "state", onOff(cur))
		if err := m.Writer.WriteSingleCoil(ctx, m.SlaveID, m.Address, cur); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if fatal(err) {
				return fmt.Errorf("coil mirror: %w", err)
			}
			// last stays put, the next tick retries.
			slog.Error("Failed to write coil", "slaveID", m.SlaveID, "address", m.Address, "err", err)
			continue
		}
		slog.Debug("Coil written", "slaveID", m.SlaveID, "address", m.Address, "state", onOff(cur))
		last = cur
	}
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
