// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"errors"
	"fmt"

	"github.com/ffutop/modbus-rtu-link/modbus"
	"github.com/ffutop/modbus-rtu-link/modbus/crc"
)

// ErrFrame matches every error that makes a received frame unusable.
// Receivers drop such frames without replying.
var ErrFrame = errors.New("modbus: invalid frame")

// ErrTruncatedFrame is returned when fewer than MinSize bytes were received.
var ErrTruncatedFrame = fmt.Errorf("%w: truncated", ErrFrame)

// ChecksumError reports a CRC mismatch.
type ChecksumError struct {
	Expected uint16
	Actual   uint16
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("modbus: frame crc '%#04x' does not match expected '%#04x'", e.Actual, e.Expected)
}

func (e *ChecksumError) Is(target error) bool {
	return target == ErrFrame
}

// ApplicationDataUnit is a Modbus RTU frame.
type ApplicationDataUnit struct {
	SlaveID byte
	Pdu     modbus.ProtocolDataUnit
}

// Decode validates length and CRC of raw and splits it into its fields.
// The returned PDU data aliases raw.
func Decode(raw []byte) (*ApplicationDataUnit, error) {
	length := len(raw)
	// Minimum size (including address, function and CRC)
	if length < MinSize {
		return nil, fmt.Errorf("%w: length '%v' does not meet minimum '%v'", ErrTruncatedFrame, length, MinSize)
	}

	checksum := uint16(raw[length-1])<<8 | uint16(raw[length-2])
	if expected := crc.Checksum(raw[:length-2]); checksum != expected {
		return nil, &ChecksumError{Expected: expected, Actual: checksum}
	}
	return &ApplicationDataUnit{
		SlaveID: raw[0],
		Pdu: modbus.ProtocolDataUnit{
			FunctionCode: raw[1],
			Data:         raw[2 : length-2],
		},
	}, nil
}

// Encode encodes PDU in an RTU frame:
//
//	Slave Address   : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 bytes
func (adu *ApplicationDataUnit) Encode() (raw []byte, err error) {
	length := len(adu.Pdu.Data) + 4
	if length > MaxSize {
		err = fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, MaxSize)
		return
	}
	raw = make([]byte, length)

	raw[0] = adu.SlaveID
	raw[1] = adu.Pdu.FunctionCode
	copy(raw[2:], adu.Pdu.Data)

	// Append crc, low byte first
	var crc crc.CRC
	checksum := crc.Reset().PushBytes(raw[0 : length-2]).Value()

	raw[length-1] = byte(checksum >> 8)
	raw[length-2] = byte(checksum)
	return
}

// Verify verifies that resp answers req.
func (req *ApplicationDataUnit) Verify(resp *ApplicationDataUnit) error {
	if req.SlaveID != resp.SlaveID {
		return fmt.Errorf("modbus: response slave id '%v' does not match request '%v'", resp.SlaveID, req.SlaveID)
	}
	if resp.Pdu.FunctionCode&^modbus.ExceptionBit != req.Pdu.FunctionCode {
		return fmt.Errorf("modbus: response function '%v' does not match request '%v'", resp.Pdu.FunctionCode, req.Pdu.FunctionCode)
	}
	if resp.Pdu.IsException() && len(resp.Pdu.Data) != 1 {
		return fmt.Errorf("modbus: exception response data length '%v' is not 1", len(resp.Pdu.Data))
	}
	return nil
}
