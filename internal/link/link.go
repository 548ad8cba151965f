// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package link connects the Modbus core to the boolean and text signals it
// carries between the two nodes.
package link

import (
	"context"
	"errors"
	"fmt"
	"unicode"

	"github.com/ffutop/modbus-rtu-link/transport/rtu"
)

// BoolInput is a boolean source such as a push button.
type BoolInput interface {
	ReadBool() (bool, error)
}

// BoolOutput is a boolean actuator such as an LED.
type BoolOutput interface {
	SetBool(on bool) error
}

// TextSink renders a line of text.
type TextSink interface {
	ShowText(text string) error
}

// CoilWriter is implemented by *rtu.Client.
type CoilWriter interface {
	WriteSingleCoil(ctx context.Context, slaveID byte, address uint16, value bool) error
}

// RegisterWriter is implemented by *rtu.Client.
type RegisterWriter interface {
	WriteMultipleRegisters(ctx context.Context, slaveID byte, address uint16, values []uint16) error
}

// fatal reports whether err ends the session: the serial link is gone or
// the caller stopped.
func fatal(err error) bool {
	var te *rtu.TransportError
	return errors.As(err, &te) ||
		errors.Is(err, rtu.ErrTransportClosed) ||
		errors.Is(err, context.Canceled)
}

// EncodeText converts text to one register per character, followed by a
// zero terminator when it fits in maxLen.
func EncodeText(text string, maxLen int) ([]uint16, error) {
	values := make([]uint16, 0, len(text)+1)
	for _, r := range text {
		if r > 0xFFFF {
			return nil, fmt.Errorf("character %q does not fit a register", r)
		}
		values = append(values, uint16(r))
	}
	if len(values) > maxLen {
		return nil, fmt.Errorf("text of %d characters exceeds %d registers", len(values), maxLen)
	}
	if len(values) < maxLen {
		values = append(values, 0)
	}
	return values, nil
}

// DecodeText reads registers as characters up to the first zero. Codes that
// are not printable are dropped.
func DecodeText(values []uint16) string {
	runes := make([]rune, 0, len(values))
	for _, v := range values {
		if v == 0 {
			break
		}
		if r := rune(v); unicode.IsPrint(r) {
			runes = append(runes, r)
		}
	}
	return string(runes)
}
