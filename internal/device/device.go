// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package device assembles the field device: a datastore served on the
// serial bus and watched for changes.
package device

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ffutop/modbus-rtu-link/internal/config"
	"github.com/ffutop/modbus-rtu-link/internal/datastore"
	"github.com/ffutop/modbus-rtu-link/internal/dispatcher"
	"github.com/ffutop/modbus-rtu-link/internal/observer"
	"github.com/ffutop/modbus-rtu-link/transport"
	"github.com/ffutop/modbus-rtu-link/transport/rtu"
)

// Device is a Modbus RTU field device.
type Device struct {
	Store    *datastore.Datastore
	Server   transport.Upstream
	Observer *observer.Observer

	dispatcher *dispatcher.Dispatcher
}

// New builds a device from cfg. When t is nil the server opens
// cfg.Serial.Device itself.
func New(cfg *config.Config, t *rtu.SerialTransport, sinks ...observer.Sink) (*Device, error) {
	store := datastore.New(byte(cfg.SlaveID), cfg.Store.Coils, cfg.Store.Registers)

	obs, err := observer.New(store, cfg.Observer.Interval, cfg.Observer.Regions, sinks...)
	if err != nil {
		return nil, err
	}

	var srv *rtu.Server
	if t != nil {
		srv = rtu.NewServerWithTransport(t, cfg.Serial, byte(cfg.SlaveID))
	} else {
		srv = rtu.NewServer(cfg.Serial, byte(cfg.SlaveID))
	}

	return &Device{
		Store:      store,
		Server:     srv,
		Observer:   obs,
		dispatcher: dispatcher.New(store),
	}, nil
}

// Run serves requests and observes the store until ctx is done or the
// server fails. It returns the server error, nil on orderly shutdown.
func (d *Device) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slog.Info("Starting field device", "slaveID", d.Store.SlaveID(),
		"coils", d.Store.Capacity(datastore.RegionCoils),
		"registers", d.Store.Capacity(datastore.RegionHoldingRegisters))

	var (
		wg        sync.WaitGroup
		serverErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		// The observer has nothing to watch once the server is gone.
		defer cancel()
		serverErr = d.Server.Start(ctx, d.dispatcher.Handle)
	}()
	go func() {
		defer wg.Done()
		if err := d.Observer.Run(ctx); err != nil {
			slog.Error("Observer stopped with error", "err", err)
		}
	}()

	wg.Wait()
	slog.Info("Field device stopped")
	return serverErr
}
