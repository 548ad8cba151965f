// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"

	"github.com/ffutop/modbus-rtu-link/modbus"
)

// RequestHandler answers one request PDU addressed to slaveID. A handler
// error means no reply is sent.
type RequestHandler func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error)

// Upstream is the field device side of the link: it receives requests from
// the bus master and answers them through a handler.
type Upstream interface {
	// Start serves until ctx is done or the medium fails. It releases the
	// medium before returning.
	Start(ctx context.Context, handler RequestHandler) error
	Close() error
}

// Downstream is the controller side of the link.
type Downstream interface {
	// Send sends a PDU to a specific SlaveID and returns the response PDU.
	Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error)
	Connect(ctx context.Context) error
	Close() error
}
