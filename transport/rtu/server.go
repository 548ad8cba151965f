// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ffutop/modbus-rtu-link/internal/config"
	"github.com/ffutop/modbus-rtu-link/modbus"
	rtupacket "github.com/ffutop/modbus-rtu-link/modbus/rtu"
	"github.com/ffutop/modbus-rtu-link/transport"
)

const (
	defaultTimeout = 500 * time.Millisecond
	// minSilence is the shortest gap treated as end of frame; OS buffering
	// makes the nominal t3.5 too tight.
	minSilence = 20 * time.Millisecond
)

// Server implements a Modbus RTU Server (Upstream).
// It acts as a Slave on the serial bus, waiting for requests from an external Master.
type Server struct {
	Config  config.SerialConfig
	SlaveID byte

	mu        sync.Mutex
	transport *SerialTransport
}

// NewServer creates a new RTU Server that opens cfg.Device on Start.
func NewServer(cfg config.SerialConfig, slaveID byte) *Server {
	return &Server{
		Config:  cfg,
		SlaveID: slaveID,
	}
}

// NewServerWithTransport creates a server on an already open transport.
// The server takes ownership and closes it when Start returns.
func NewServerWithTransport(t *SerialTransport, cfg config.SerialConfig, slaveID byte) *Server {
	return &Server{
		Config:    cfg,
		SlaveID:   slaveID,
		transport: t,
	}
}

// Start starts the RTU server. It returns nil on orderly shutdown and a
// *TransportError when the medium fails.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	// 1. Open Serial Port
	t, err := s.open()
	if err != nil {
		return err
	}
	defer t.Close()
	slog.Info("RTU Server listening", "device", t.Name(), "slaveID", s.SlaveID)

	// handle close
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	// 2. Loop
	return s.scanLoop(ctx, t, handler)
}

func (s *Server) open() (*SerialTransport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transport == nil {
		t, err := Open(s.Config)
		if err != nil {
			return nil, err
		}
		s.transport = t
	}
	return s.transport, nil
}

// Close releases the port; a running Start returns.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transport != nil {
		return s.transport.Close()
	}
	return nil
}

func (s *Server) timeout() time.Duration {
	if s.Config.Timeout > 0 {
		return s.Config.Timeout
	}
	return defaultTimeout
}

func (s *Server) silence() time.Duration {
	if d := calculateDelay(s.Config.BaudRate, 0); d > minSilence {
		return d
	}
	return minSilence
}

func (s *Server) scanLoop(ctx context.Context, t *SerialTransport, handler transport.RequestHandler) error {
	var buf []byte

	for {
		if ctx.Err() != nil {
			return nil
		}

		need := 1
		if len(buf) > 0 {
			length, err := rtupacket.CalculateRequestLength(buf)
			var more *rtupacket.NeedMoreError
			switch {
			case err == nil:
				need = length
			case errors.As(err, &more):
				need = more.Need
			default:
				// Unknown function code: the frame ends at the next silence.
				rest, err := t.ReadUntilSilence(ctx, rtupacket.MaxSize-len(buf), s.silence())
				if err != nil {
					return s.stopped(ctx, err)
				}
				buf = append(buf, rest...)
				need = len(buf)
			}
		}

		if need > rtupacket.MaxSize {
			slog.Debug("Dropping byte, declared frame too long", "length", need)
			buf = buf[1:]
			continue
		}

		if len(buf) < need {
			data, err := t.ReadFull(ctx, need-len(buf), s.timeout())
			if errors.Is(err, ErrTimeout) {
				if len(buf) > 0 {
					// Silence ended the frame before it was complete.
					dropped := len(buf) + t.Discard()
					slog.Debug("Dropping partial frame", "bytes", dropped, "partial", hex.EncodeToString(buf))
					buf = nil
				}
				continue
			}
			if err != nil {
				return s.stopped(ctx, err)
			}
			buf = append(buf, data...)
			continue
		}

		adu, err := rtupacket.Decode(buf[:need])
		if err != nil {
			// No reply to a frame that cannot be attributed; resync one byte at a time.
			slog.Debug("Invalid frame, resyncing", "frame", hex.EncodeToString(buf[:need]), "err", err)
			buf = buf[1:]
			continue
		}
		adu.Pdu.Data = append([]byte(nil), adu.Pdu.Data...)
		buf = append([]byte(nil), buf[need:]...)

		if err := s.serve(ctx, t, adu, handler); err != nil {
			return s.stopped(ctx, err)
		}
	}
}

func (s *Server) serve(ctx context.Context, t *SerialTransport, adu *rtupacket.ApplicationDataUnit, handler transport.RequestHandler) error {
	if adu.SlaveID != s.SlaveID {
		slog.Debug("Ignoring frame for other slave", "slaveID", adu.SlaveID, "func", adu.Pdu.FunctionCode)
		return nil
	}
	slog.Debug("recv from modbus master", "slaveID", adu.SlaveID, "func", adu.Pdu.FunctionCode, "data", hex.EncodeToString(adu.Pdu.Data))

	respPDU, err := handler(ctx, adu.SlaveID, adu.Pdu)
	if err != nil {
		slog.Error("Upstream handler failed", "func", adu.Pdu.FunctionCode, "err", err)
		return nil
	}

	resp := &rtupacket.ApplicationDataUnit{SlaveID: adu.SlaveID, Pdu: respPDU}
	raw, err := resp.Encode()
	if err != nil {
		slog.Error("Failed to encode response", "err", err)
		return nil
	}
	if respPDU.IsException() && len(respPDU.Data) > 0 {
		slog.Warn("Answering with exception", "func", adu.Pdu.FunctionCode, "exception", modbus.ExceptionName(respPDU.Data[0]))
	}
	slog.Debug("send to modbus master", "response", hex.EncodeToString(raw))
	return t.Write(raw)
}

// stopped maps errors caused by shutdown to a clean return.
func (s *Server) stopped(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, ErrTransportClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	slog.Error("RTU Server stopped", "device", s.Config.Device, "err", err)
	return err
}
