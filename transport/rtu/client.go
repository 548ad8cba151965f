// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ffutop/modbus-rtu-link/internal/config"
	"github.com/ffutop/modbus-rtu-link/modbus"
	rtupacket "github.com/ffutop/modbus-rtu-link/modbus/rtu"
	"github.com/ffutop/modbus-rtu-link/transport"
)

const (
	serialIdleTimeout = 60 * time.Second
)

// ProtocolError reports a reply that arrived but could not be used:
// truncated, failing the CRC or not matching the request.
type ProtocolError struct {
	SlaveID      byte
	FunctionCode byte
	Err          error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("modbus: bad response from slave %d to function %d: %v", e.SlaveID, e.FunctionCode, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Client implements Downstream interface (Modbus RTU Master). It allows a
// single outstanding request at a time.
type Client struct {
	Config      config.SerialConfig
	IdleTimeout time.Duration

	mu           sync.Mutex
	transport    *SerialTransport
	lastActivity time.Time
	closeTimer   *time.Timer
}

var _ transport.Downstream = (*Client)(nil)

// NewClient allocates and initializes a RTU Client. The port is opened on
// first use and closed again after IdleTimeout without traffic.
func NewClient(cfg config.SerialConfig) *Client {
	return &Client{
		Config:      cfg,
		IdleTimeout: serialIdleTimeout,
	}
}

// NewClientWithTransport creates a client on an already open transport.
func NewClientWithTransport(t *SerialTransport, cfg config.SerialConfig) *Client {
	return &Client{
		Config:    cfg,
		transport: t,
	}
}

func (mb *Client) Connect(ctx context.Context) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.connect(ctx)
}

// connect opens the serial port if it is not open. Caller must hold the mutex.
func (mb *Client) connect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if mb.transport == nil {
		t, err := Open(mb.Config)
		if err != nil {
			return err
		}
		mb.transport = t
	}
	return nil
}

func (mb *Client) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.close()
}

// close closes the serial port if it is open. Caller must hold the mutex.
func (mb *Client) close() (err error) {
	if mb.transport != nil {
		err = mb.transport.Close()
		mb.transport = nil
	}
	return
}

func (mb *Client) timeout() time.Duration {
	if mb.Config.Timeout > 0 {
		return mb.Config.Timeout
	}
	return defaultTimeout
}

// Send sends a PDU to the Downstream Slave and waits for the matching reply.
// It returns ErrTimeout when nothing arrives, a *ProtocolError for an
// unusable reply and a *modbus.ExceptionError for an exception reply.
func (mb *Client) Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := mb.connect(ctx); err != nil {
		return modbus.ProtocolDataUnit{}, err
	}
	mb.lastActivity = time.Now()
	mb.startCloseTimer()

	// Wrap PDU into RTU ADU
	req := &rtupacket.ApplicationDataUnit{
		SlaveID: slaveID,
		Pdu:     pdu,
	}
	raw, err := req.Encode()
	if err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("failed to encode ADU: %w", err)
	}

	t := mb.transport
	if n := t.Discard(); n > 0 {
		slog.Debug("Discarded stale bytes before request", "bytes", n)
	}

	// Keep the t3.5 silence between frames.
	if wait := time.Until(t.LastActivity().Add(calculateDelay(mb.Config.BaudRate, 0))); wait > 0 {
		select {
		case <-ctx.Done():
			return modbus.ProtocolDataUnit{}, ctx.Err()
		case <-time.After(wait):
		}
	}

	slog.Debug("send to modbus slave", "request", hex.EncodeToString(raw))
	if err := t.Write(raw); err != nil {
		mb.close()
		return modbus.ProtocolDataUnit{}, err
	}

	resp, err := mb.readResponse(ctx, t, req)
	if err != nil {
		var te *TransportError
		if errors.As(err, &te) {
			mb.close()
		}
		return modbus.ProtocolDataUnit{}, err
	}

	if resp.Pdu.IsException() {
		return resp.Pdu, &modbus.ExceptionError{FunctionCode: resp.Pdu.FunctionCode, ExceptionCode: resp.Pdu.Data[0]}
	}
	return resp.Pdu, nil
}

func (mb *Client) readResponse(ctx context.Context, t *SerialTransport, req *rtupacket.ApplicationDataUnit) (*rtupacket.ApplicationDataUnit, error) {
	deadline := time.Now().Add(mb.timeout())
	protocolErr := func(err error) error {
		t.Discard()
		return &ProtocolError{SlaveID: req.SlaveID, FunctionCode: req.Pdu.FunctionCode, Err: err}
	}

	frame, err := t.ReadFull(ctx, 2, time.Until(deadline))
	if errors.Is(err, ErrTimeout) {
		if t.buffered() > 0 {
			return nil, protocolErr(rtupacket.ErrTruncatedFrame)
		}
		return nil, ErrTimeout
	}
	if err != nil {
		return nil, err
	}

	for {
		length, err := rtupacket.CalculateResponseLength(req.Pdu.FunctionCode, frame)
		var more *rtupacket.NeedMoreError
		need := length
		if errors.As(err, &more) {
			need = more.Need
		} else if err != nil {
			return nil, protocolErr(err)
		}
		if len(frame) >= need {
			break
		}

		rest, err := t.ReadFull(ctx, need-len(frame), time.Until(deadline))
		if errors.Is(err, ErrTimeout) {
			return nil, protocolErr(rtupacket.ErrTruncatedFrame)
		}
		if err != nil {
			return nil, err
		}
		frame = append(frame, rest...)
	}
	slog.Debug("recv from modbus slave", "response", hex.EncodeToString(frame))

	resp, err := rtupacket.Decode(frame)
	if err != nil {
		return nil, protocolErr(err)
	}
	if err := req.Verify(resp); err != nil {
		return nil, protocolErr(err)
	}
	return resp, nil
}

func (mb *Client) startCloseTimer() {
	if mb.IdleTimeout <= 0 {
		return
	}
	if mb.closeTimer == nil {
		mb.closeTimer = time.AfterFunc(mb.IdleTimeout, mb.closeIdle)
	} else {
		mb.closeTimer.Reset(mb.IdleTimeout)
	}
}

// closeIdle closes the connection if last activity is passed behind IdleTimeout.
func (mb *Client) closeIdle() {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.IdleTimeout <= 0 {
		return
	}

	if idle := time.Since(mb.lastActivity); idle >= mb.IdleTimeout {
		slog.Debug("modbus: closing connection due to idle timeout", "idle", idle)
		mb.close()
	}
}

// ReadCoils reads quantity coils starting at address.
func (mb *Client) ReadCoils(ctx context.Context, slaveID byte, address, quantity uint16) ([]bool, error) {
	if quantity < 1 || quantity > modbus.MaxReadCoils {
		return nil, fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v'", quantity, 1, modbus.MaxReadCoils)
	}
	resp, err := mb.Send(ctx, slaveID, modbus.ProtocolDataUnit{
		FunctionCode: modbus.FuncCodeReadCoils,
		Data:         dataBlock(address, quantity),
	})
	if err != nil {
		return nil, err
	}

	byteCount := (int(quantity) + 7) / 8
	if len(resp.Data) != 1+byteCount || int(resp.Data[0]) != byteCount {
		return nil, &ProtocolError{SlaveID: slaveID, FunctionCode: modbus.FuncCodeReadCoils,
			Err: fmt.Errorf("response byte count '%v' does not match expected '%v'", len(resp.Data)-1, byteCount)}
	}
	coils := make([]bool, quantity)
	for i := range coils {
		coils[i] = resp.Data[1+i/8]&(1<<uint(i%8)) != 0
	}
	return coils, nil
}

// ReadHoldingRegisters reads quantity holding registers starting at address.
func (mb *Client) ReadHoldingRegisters(ctx context.Context, slaveID byte, address, quantity uint16) ([]uint16, error) {
	if quantity < 1 || quantity > modbus.MaxReadRegisters {
		return nil, fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v'", quantity, 1, modbus.MaxReadRegisters)
	}
	resp, err := mb.Send(ctx, slaveID, modbus.ProtocolDataUnit{
		FunctionCode: modbus.FuncCodeReadHoldingRegisters,
		Data:         dataBlock(address, quantity),
	})
	if err != nil {
		return nil, err
	}

	byteCount := int(quantity) * 2
	if len(resp.Data) != 1+byteCount || int(resp.Data[0]) != byteCount {
		return nil, &ProtocolError{SlaveID: slaveID, FunctionCode: modbus.FuncCodeReadHoldingRegisters,
			Err: fmt.Errorf("response byte count '%v' does not match expected '%v'", len(resp.Data)-1, byteCount)}
	}
	values := make([]uint16, quantity)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(resp.Data[1+i*2:])
	}
	return values, nil
}

// WriteSingleCoil switches one coil.
func (mb *Client) WriteSingleCoil(ctx context.Context, slaveID byte, address uint16, value bool) error {
	v := modbus.CoilOff
	if value {
		v = modbus.CoilOn
	}
	req := dataBlock(address, v)
	resp, err := mb.Send(ctx, slaveID, modbus.ProtocolDataUnit{
		FunctionCode: modbus.FuncCodeWriteSingleCoil,
		Data:         req,
	})
	if err != nil {
		return err
	}
	if !equalBytes(resp.Data, req) {
		return &ProtocolError{SlaveID: slaveID, FunctionCode: modbus.FuncCodeWriteSingleCoil,
			Err: fmt.Errorf("response '%X' does not echo request '%X'", resp.Data, req)}
	}
	return nil
}

// WriteMultipleRegisters writes values starting at address.
func (mb *Client) WriteMultipleRegisters(ctx context.Context, slaveID byte, address uint16, values []uint16) error {
	quantity := len(values)
	if quantity < 1 || quantity > modbus.MaxWriteRegisters {
		return fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v'", quantity, 1, modbus.MaxWriteRegisters)
	}
	data := make([]byte, 5+quantity*2)
	copy(data, dataBlock(address, uint16(quantity)))
	data[4] = byte(quantity * 2)
	for i, v := range values {
		binary.BigEndian.PutUint16(data[5+i*2:], v)
	}

	resp, err := mb.Send(ctx, slaveID, modbus.ProtocolDataUnit{
		FunctionCode: modbus.FuncCodeWriteMultipleRegisters,
		Data:         data,
	})
	if err != nil {
		return err
	}
	if !equalBytes(resp.Data, data[:4]) {
		return &ProtocolError{SlaveID: slaveID, FunctionCode: modbus.FuncCodeWriteMultipleRegisters,
			Err: fmt.Errorf("response '%X' does not echo address and quantity '%X'", resp.Data, data[:4])}
	}
	return nil
}

// dataBlock creates a sequence of uint16 data.
func dataBlock(value ...uint16) []byte {
	data := make([]byte, 2*len(value))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	return data
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
