// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"errors"
	"fmt"

	"github.com/ffutop/modbus-rtu-link/modbus"
)

// ErrUnknownLength is returned when the frame length cannot be derived from
// the function code. Such frames are delimited by inter-frame silence.
var ErrUnknownLength = errors.New("modbus: frame length not derivable from function code")

// NeedMoreError reports that the header is too short to derive the length.
type NeedMoreError struct {
	FunctionCode byte
	Need         int
	Got          int
}

func (e *NeedMoreError) Error() string {
	return fmt.Sprintf("need %d bytes to determine length for 0x%02X, got %d", e.Need, e.FunctionCode, e.Got)
}

// InvalidLengthError reports a response byte count that is zero or would
// overflow the maximum ADU size. The frame cannot be delimited.
type InvalidLengthError struct {
	Length byte
}

func (e *InvalidLengthError) Error() string {
	return fmt.Sprintf("invalid length received: %d", e.Length)
}

// CalculateRequestLength returns the expected total length of the Request RTU ADU based on the header.
func CalculateRequestLength(header []byte) (int, error) {
	// [SlaveID, Func, Appd1, Appd2, Appd3, Appd4/ByteCount]
	if len(header) < 2 {
		return 0, &NeedMoreError{Need: 2, Got: len(header)}
	}
	funcCode := header[1]

	switch funcCode {
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteSingleRegister:
		// Fixed 8 bytes: [SlaveID, Func, Addr(2), Val(2), CRC(2)]
		return 8, nil
	case modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteMultipleRegisters:
		// Req: [SlaveID, Func, Addr(2), Quant(2), ByteCount(1), Data(N), CRC(2)]
		if len(header) < HeaderSize {
			return 0, &NeedMoreError{FunctionCode: funcCode, Need: HeaderSize, Got: len(header)}
		}
		byteCount := int(header[6])
		return HeaderSize + byteCount + 2, nil
	default:
		return 0, fmt.Errorf("%w: 0x%02X", ErrUnknownLength, funcCode)
	}
}

// CalculateResponseLength returns the expected total length of the response
// ADU to a request with function code reqFuncCode, based on the response header.
func CalculateResponseLength(reqFuncCode byte, header []byte) (int, error) {
	if len(header) < 2 {
		return 0, &NeedMoreError{FunctionCode: reqFuncCode, Need: 2, Got: len(header)}
	}
	funcCode := header[1]
	if funcCode == reqFuncCode|modbus.ExceptionBit {
		return ExceptionSize, nil
	}
	if funcCode != reqFuncCode {
		return 0, fmt.Errorf("modbus: response function '%v' does not match request '%v'", funcCode, reqFuncCode)
	}

	switch funcCode {
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters:
		// [SlaveID, Func, ByteCount, Data(N), CRC(2)]
		if len(header) < 3 {
			return 0, &NeedMoreError{FunctionCode: funcCode, Need: 3, Got: len(header)}
		}
		byteCount := int(header[2])
		if byteCount == 0 || byteCount > MaxSize-5 {
			return 0, &InvalidLengthError{Length: header[2]}
		}
		return 3 + byteCount + 2, nil
	case modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteSingleRegister,
		modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteMultipleRegisters:
		return 8, nil
	default:
		return 0, fmt.Errorf("%w: 0x%02X", ErrUnknownLength, funcCode)
	}
}
