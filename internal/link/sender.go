// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ffutop/modbus-rtu-link/modbus"
)

// ErrQuit is returned by TextSender.Run when the operator types "quit".
var ErrQuit = errors.New("text sender: quit")

// TextSender writes each input line to consecutive holding registers.
type TextSender struct {
	Writer  RegisterWriter
	SlaveID byte
	Address uint16
	MaxLen  int
}

// Run reads lines from r until EOF, a "quit" line, ctx cancellation or a
// serial link failure. It returns nil at EOF and ErrQuit on "quit". Other
// write failures are logged and the line dropped.
func (s *TextSender) Run(ctx context.Context, r io.Reader) error {
	maxLen := s.MaxLen
	if maxLen <= 0 || maxLen > modbus.MaxWriteRegisters {
		maxLen = modbus.MaxWriteRegisters
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.EqualFold(line, "quit") {
			slog.Info("Text sender quit")
			return ErrQuit
		}
		if line == "" {
			slog.Debug("Skipping empty message")
			continue
		}

		values, err := EncodeText(line, maxLen)
		if err != nil {
			slog.Warn("Message not sent", "err", err)
			continue
		}
		if err := s.Writer.WriteMultipleRegisters(ctx, s.SlaveID, s.Address, values); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if fatal(err) {
				return fmt.Errorf("text sender: %w", err)
			}
			slog.Error("Failed to write message", "slaveID", s.SlaveID, "address", s.Address, "err", err)
			continue
		}
		slog.Info("Message sent", "slaveID", s.SlaveID, "registers", len(values))
	}
	return scanner.Err()
}
