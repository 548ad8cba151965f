// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package link

import (
	"context"
	"log/slog"

	"github.com/ffutop/modbus-rtu-link/internal/datastore"
	"github.com/ffutop/modbus-rtu-link/internal/observer"
)

// CoilOutput drives Output from the coil at Address.
type CoilOutput struct {
	Output  BoolOutput
	Address uint16
}

var _ observer.Sink = (*CoilOutput)(nil)

func (c *CoilOutput) Changed(_ context.Context, ev observer.Event) {
	if ev.Region != datastore.RegionCoils {
		return
	}
	i := int(c.Address)
	if i >= len(ev.Current.Coils) {
		return
	}
	cur := ev.Current.Coils[i]
	if i < len(ev.Previous.Coils) && ev.Previous.Coils[i] == cur {
		// Another coil changed.
		return
	}
	if err := c.Output.SetBool(cur); err != nil {
		slog.Warn("Failed to drive output", "address", c.Address, "err", err)
	}
}

// TextRender shows the registers from Address on as text whenever the text
// changes.
type TextRender struct {
	Sink    TextSink
	Address uint16
}

var _ observer.Sink = (*TextRender)(nil)

func (r *TextRender) Changed(_ context.Context, ev observer.Event) {
	if ev.Region != datastore.RegionHoldingRegisters {
		return
	}
	cur := r.text(ev.Current.Registers)
	if cur == r.text(ev.Previous.Registers) {
		return
	}
	if err := r.Sink.ShowText(cur); err != nil {
		slog.Warn("Failed to render text", "err", err)
	}
}

func (r *TextRender) text(registers []uint16) string {
	if int(r.Address) >= len(registers) {
		return ""
	}
	return DecodeText(registers[r.Address:])
}
