// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/tbrandon/mbserver"

	"github.com/ffutop/modbus-rtu-link/internal/datastore"
	"github.com/ffutop/modbus-rtu-link/modbus"
	"github.com/ffutop/modbus-rtu-link/modbus/rtu"
)

func newDispatcher() (*Dispatcher, *datastore.Datastore) {
	store := datastore.New(1, 10, 100)
	return New(store), store
}

func TestProcess(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*datastore.Datastore)
		req      modbus.ProtocolDataUnit
		wantFunc byte
		wantData []byte
	}{
		{
			name:     "ReadCoils",
			setup:    func(d *datastore.Datastore) { _ = d.WriteCoils(0, []bool{true, false, true}) },
			req:      modbus.ProtocolDataUnit{FunctionCode: 0x01, Data: []byte{0x00, 0x00, 0x00, 0x0A}},
			wantFunc: 0x01,
			wantData: []byte{0x02, 0x05, 0x00},
		},
		{
			name:     "ReadCoils_OutOfRange",
			req:      modbus.ProtocolDataUnit{FunctionCode: 0x01, Data: []byte{0x00, 0x08, 0x00, 0x05}},
			wantFunc: 0x81,
			wantData: []byte{modbus.ExceptionCodeIllegalDataAddress},
		},
		{
			name:     "ReadCoils_ZeroQuantity",
			req:      modbus.ProtocolDataUnit{FunctionCode: 0x01, Data: []byte{0x00, 0x00, 0x00, 0x00}},
			wantFunc: 0x81,
			wantData: []byte{modbus.ExceptionCodeIllegalDataValue},
		},
		{
			name:     "ReadHoldingRegisters",
			setup:    func(d *datastore.Datastore) { _ = d.WriteRegisters(2, []uint16{0x1234, 0xABCD}) },
			req:      modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x02, 0x00, 0x02}},
			wantFunc: 0x03,
			wantData: []byte{0x04, 0x12, 0x34, 0xAB, 0xCD},
		},
		{
			name:     "ReadHoldingRegisters_AddressEqualsCapacity",
			req:      modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x64, 0x00, 0x01}},
			wantFunc: 0x83,
			wantData: []byte{modbus.ExceptionCodeIllegalDataAddress},
		},
		{
			name:     "ReadHoldingRegisters_TooMany",
			req:      modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x00, 0x00, 0x7E}},
			wantFunc: 0x83,
			wantData: []byte{modbus.ExceptionCodeIllegalDataValue},
		},
		{
			name:     "ReadHoldingRegisters_ShortData",
			req:      modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x00}},
			wantFunc: 0x83,
			wantData: []byte{modbus.ExceptionCodeIllegalDataValue},
		},
		{
			name:     "WriteSingleCoil_On",
			req:      modbus.ProtocolDataUnit{FunctionCode: 0x05, Data: []byte{0x00, 0x00, 0xFF, 0x00}},
			wantFunc: 0x05,
			wantData: []byte{0x00, 0x00, 0xFF, 0x00},
		},
		{
			name:     "WriteSingleCoil_BadValue",
			req:      modbus.ProtocolDataUnit{FunctionCode: 0x05, Data: []byte{0x00, 0x00, 0x12, 0x34}},
			wantFunc: 0x85,
			wantData: []byte{modbus.ExceptionCodeIllegalDataValue},
		},
		{
			name:     "WriteSingleCoil_OutOfRange",
			req:      modbus.ProtocolDataUnit{FunctionCode: 0x05, Data: []byte{0x00, 0x0A, 0xFF, 0x00}},
			wantFunc: 0x85,
			wantData: []byte{modbus.ExceptionCodeIllegalDataAddress},
		},
		{
			name:     "WriteMultipleRegisters",
			req:      modbus.ProtocolDataUnit{FunctionCode: 0x10, Data: []byte{0x00, 0x00, 0x00, 0x02, 0x04, 0x00, 0x48, 0x00, 0x69}},
			wantFunc: 0x10,
			wantData: []byte{0x00, 0x00, 0x00, 0x02},
		},
		{
			name:     "WriteMultipleRegisters_ByteCountMismatch",
			req:      modbus.ProtocolDataUnit{FunctionCode: 0x10, Data: []byte{0x00, 0x00, 0x00, 0x02, 0x02, 0x00, 0x48}},
			wantFunc: 0x90,
			wantData: []byte{modbus.ExceptionCodeIllegalDataValue},
		},
		{
			name:     "WriteMultipleRegisters_OutOfRange",
			req:      modbus.ProtocolDataUnit{FunctionCode: 0x10, Data: []byte{0x00, 0x63, 0x00, 0x02, 0x04, 0x00, 0x01, 0x00, 0x02}},
			wantFunc: 0x90,
			wantData: []byte{modbus.ExceptionCodeIllegalDataAddress},
		},
		{
			name:     "ReadInputRegisters_Unsupported",
			req:      modbus.ProtocolDataUnit{FunctionCode: 0x04, Data: []byte{0x00, 0x00, 0x00, 0x01}},
			wantFunc: 0x84,
			wantData: []byte{modbus.ExceptionCodeIllegalFunction},
		},
		{
			name:     "Diagnostics_Unsupported",
			req:      modbus.ProtocolDataUnit{FunctionCode: 0x08, Data: []byte{0x00, 0x00}},
			wantFunc: 0x88,
			wantData: []byte{modbus.ExceptionCodeIllegalFunction},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, store := newDispatcher()
			if tt.setup != nil {
				tt.setup(store)
			}
			resp := d.Process(tt.req)
			if resp.FunctionCode != tt.wantFunc {
				t.Errorf("FunctionCode = %#02x, want %#02x", resp.FunctionCode, tt.wantFunc)
			}
			if !bytes.Equal(resp.Data, tt.wantData) {
				t.Errorf("Data mismatch.\nWant: %X\nGot:  %X", tt.wantData, resp.Data)
			}
		})
	}
}

func TestProcess_WritesReachStore(t *testing.T) {
	d, store := newDispatcher()

	d.Process(modbus.ProtocolDataUnit{FunctionCode: 0x05, Data: []byte{0x00, 0x03, 0xFF, 0x00}})
	coils, _ := store.ReadCoils(3, 1)
	if !coils[0] {
		t.Error("coil 3 not set")
	}
	d.Process(modbus.ProtocolDataUnit{FunctionCode: 0x05, Data: []byte{0x00, 0x03, 0x00, 0x00}})
	coils, _ = store.ReadCoils(3, 1)
	if coils[0] {
		t.Error("coil 3 not cleared")
	}

	d.Process(modbus.ProtocolDataUnit{FunctionCode: 0x10, Data: []byte{0x00, 0x00, 0x00, 0x05, 0x0A, 0x00, 72, 0x00, 101, 0x00, 108, 0x00, 108, 0x00, 111}})
	regs, _ := store.ReadRegisters(0, 5)
	want := []uint16{72, 101, 108, 108, 111}
	for i := range want {
		if regs[i] != want[i] {
			t.Fatalf("registers = %v, want %v", regs, want)
		}
	}
}

func TestProcess_FailedWriteLeavesStore(t *testing.T) {
	d, store := newDispatcher()
	_ = store.WriteRegisters(98, []uint16{7, 7})

	resp := d.Process(modbus.ProtocolDataUnit{FunctionCode: 0x10, Data: []byte{0x00, 0x62, 0x00, 0x03, 0x06, 0x00, 0x01, 0x00, 0x02, 0x00, 0x03}})
	if !resp.IsException() {
		t.Fatalf("expected exception, got %+v", resp)
	}
	regs, _ := store.ReadRegisters(98, 2)
	if regs[0] != 7 || regs[1] != 7 {
		t.Errorf("partial write applied: %v", regs)
	}
}

type faultyStore struct {
	Store
	err   error
	panic bool
}

func (f *faultyStore) ReadRegisters(address uint16, count int) ([]uint16, error) {
	if f.panic {
		panic("boom")
	}
	return nil, f.err
}

func TestProcess_SlaveDeviceFailure(t *testing.T) {
	req := modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x00, 0x00, 0x01}}

	for _, store := range []*faultyStore{
		{err: errors.New("disk on fire")},
		{panic: true},
	} {
		resp := New(store).Process(req)
		if resp.FunctionCode != 0x83 || !bytes.Equal(resp.Data, []byte{modbus.ExceptionCodeSlaveDeviceFailure}) {
			t.Errorf("got %+v, want slave device failure", resp)
		}
	}
}

func TestHandle(t *testing.T) {
	d, _ := newDispatcher()
	resp, err := d.Handle(context.Background(), 1, modbus.ProtocolDataUnit{FunctionCode: 0x2B})
	if err != nil {
		t.Fatal(err)
	}
	if resp.FunctionCode != 0xAB {
		t.Errorf("FunctionCode = %#02x, want 0xAB", resp.FunctionCode)
	}
}

// Read responses must match the ones produced by mbserver for the same state.
func TestProcess_MatchesMbserver(t *testing.T) {
	d, store := newDispatcher()
	ref := mbserver.NewServer()

	coils := []bool{true, true, false, true, false, false, true, false, true, true}
	_ = store.WriteCoils(0, coils)
	for i, c := range coils {
		if c {
			ref.Coils[i] = 1
		}
	}
	regs := []uint16{72, 101, 108, 108, 111, 0xFFFF, 0x8000}
	_ = store.WriteRegisters(0, regs)
	copy(ref.HoldingRegisters, regs)

	requests := []modbus.ProtocolDataUnit{
		{FunctionCode: 0x01, Data: []byte{0x00, 0x00, 0x00, 0x0A}},
		{FunctionCode: 0x01, Data: []byte{0x00, 0x03, 0x00, 0x07}},
		{FunctionCode: 0x03, Data: []byte{0x00, 0x00, 0x00, 0x07}},
		{FunctionCode: 0x03, Data: []byte{0x00, 0x04, 0x00, 0x02}},
	}
	for _, req := range requests {
		raw, err := (&rtu.ApplicationDataUnit{SlaveID: 1, Pdu: req}).Encode()
		if err != nil {
			t.Fatal(err)
		}
		frame, err := mbserver.NewRTUFrame(raw)
		if err != nil {
			t.Fatal(err)
		}

		var want []byte
		var exc *mbserver.Exception
		switch req.FunctionCode {
		case 0x01:
			want, exc = mbserver.ReadCoils(ref, frame)
		case 0x03:
			want, exc = mbserver.ReadHoldingRegisters(ref, frame)
		}
		if exc != nil && *exc != 0 {
			t.Fatalf("mbserver exception %v for %X", *exc, raw)
		}

		got := d.Process(req)
		if !bytes.Equal(got.Data, want) {
			t.Errorf("request %X: data mismatch.\nWant: %X\nGot:  %X", raw, want, got.Data)
		}
	}
}
