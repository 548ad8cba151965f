// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package dispatcher

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"

	"github.com/ffutop/modbus-rtu-link/internal/datastore"
	"github.com/ffutop/modbus-rtu-link/modbus"
)

// Store is the part of the datastore the dispatcher needs.
type Store interface {
	ReadCoils(address uint16, count int) ([]bool, error)
	WriteCoils(address uint16, values []bool) error
	ReadRegisters(address uint16, count int) ([]uint16, error)
	WriteRegisters(address uint16, values []uint16) error
}

// Dispatcher implements the Modbus protocol logic on top of a Store.
// It keeps no state between requests.
type Dispatcher struct {
	store Store
}

// New creates a new Dispatcher.
func New(store Store) *Dispatcher {
	return &Dispatcher{store: store}
}

// Handle adapts Process to the transport request handler signature.
func (d *Dispatcher) Handle(_ context.Context, _ byte, req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	return d.Process(req), nil
}

// Process executes the Modbus Function Code against the store. It always
// returns a response; failures become exception responses.
func (d *Dispatcher) Process(req modbus.ProtocolDataUnit) (resp modbus.ProtocolDataUnit) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Request handling panicked", "func", req.FunctionCode, "panic", r)
			resp = modbus.NewException(req.FunctionCode, modbus.ExceptionCodeSlaveDeviceFailure)
		}
	}()

	switch req.FunctionCode {
	case modbus.FuncCodeReadCoils:
		return d.handleReadCoils(req)
	case modbus.FuncCodeReadHoldingRegisters:
		return d.handleReadHoldingRegisters(req)
	case modbus.FuncCodeWriteSingleCoil:
		return d.handleWriteSingleCoil(req)
	case modbus.FuncCodeWriteMultipleRegisters:
		return d.handleWriteMultipleRegisters(req)
	default:
		return modbus.NewException(req.FunctionCode, modbus.ExceptionCodeIllegalFunction)
	}
}

func (d *Dispatcher) handleReadCoils(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return modbus.NewException(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])

	if quantity < 1 || quantity > modbus.MaxReadCoils {
		return modbus.NewException(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	coils, err := d.store.ReadCoils(address, int(quantity))
	if err != nil {
		return storeException(req.FunctionCode, err)
	}

	// Calculate byte count: (quantity + 7) / 8
	respData := make([]byte, 1+(len(coils)+7)/8)
	respData[0] = byte(len(respData) - 1)
	for i, on := range coils {
		if on {
			respData[1+i/8] |= 1 << uint(i%8)
		}
	}

	return modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         respData,
	}
}

func (d *Dispatcher) handleReadHoldingRegisters(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return modbus.NewException(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])

	if quantity < 1 || quantity > modbus.MaxReadRegisters {
		return modbus.NewException(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	regs, err := d.store.ReadRegisters(address, int(quantity))
	if err != nil {
		return storeException(req.FunctionCode, err)
	}

	respData := make([]byte, 1+len(regs)*2)
	respData[0] = byte(len(regs) * 2)
	for i, v := range regs {
		binary.BigEndian.PutUint16(respData[1+i*2:], v)
	}

	return modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         respData,
	}
}

func (d *Dispatcher) handleWriteSingleCoil(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return modbus.NewException(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	value := binary.BigEndian.Uint16(req.Data[2:4])

	var on bool
	switch value {
	case modbus.CoilOn:
		on = true
	case modbus.CoilOff:
	default:
		return modbus.NewException(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	if err := d.store.WriteCoils(address, []bool{on}); err != nil {
		return storeException(req.FunctionCode, err)
	}

	return modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         append([]byte(nil), req.Data...), // Echo request
	}
}

func (d *Dispatcher) handleWriteMultipleRegisters(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) < 5 {
		return modbus.NewException(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := int(req.Data[4])

	if quantity < 1 || quantity > modbus.MaxWriteRegisters {
		return modbus.NewException(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	if byteCount != int(quantity)*2 || len(req.Data)-5 != byteCount {
		return modbus.NewException(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	values := make([]uint16, quantity)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(req.Data[5+i*2:])
	}
	if err := d.store.WriteRegisters(address, values); err != nil {
		return storeException(req.FunctionCode, err)
	}

	respData := make([]byte, 4)
	binary.BigEndian.PutUint16(respData[0:2], address)
	binary.BigEndian.PutUint16(respData[2:4], quantity)

	return modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         respData,
	}
}

func storeException(funcCode byte, err error) modbus.ProtocolDataUnit {
	if errors.Is(err, datastore.ErrIllegalAddress) {
		slog.Debug("Request outside datastore", "func", funcCode, "err", err)
		return modbus.NewException(funcCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	slog.Error("Datastore failure", "func", funcCode, "err", err)
	return modbus.NewException(funcCode, modbus.ExceptionCodeSlaveDeviceFailure)
}
