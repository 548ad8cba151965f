// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ffutop/modbus-rtu-link/internal/config"
	"github.com/ffutop/modbus-rtu-link/internal/device"
	"github.com/ffutop/modbus-rtu-link/internal/link"
	"github.com/ffutop/modbus-rtu-link/internal/observer"
	"github.com/ffutop/modbus-rtu-link/transport/rtu"
)

func main() {
	configFile := pflag.StringP("config", "c", "", "Configuration file path.")
	pflag.Parse()

	// Load Configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cfg.Role {
	case config.RoleController:
		err = runController(ctx, cfg)
	default:
		err = runDevice(ctx, cfg)
	}
	if err != nil {
		slog.Error("Stopped with error", "role", cfg.Role, "err", err)
		os.Exit(1)
	}
	slog.Info("Goodbye.")
}

func runDevice(ctx context.Context, cfg *config.Config) error {
	var output link.BoolOutput = link.LogOutput{Name: fmt.Sprintf("coil %d", cfg.Observer.CoilAddress)}
	if cfg.Observer.Output != "" {
		output = link.FileOutput{Path: cfg.Observer.Output}
	}
	sinks := []observer.Sink{
		&link.CoilOutput{Output: output, Address: uint16(cfg.Observer.CoilAddress)},
		&link.TextRender{Sink: link.LogText{}, Address: uint16(cfg.Observer.TextAddress)},
	}

	dev, err := device.New(cfg, nil, sinks...)
	if err != nil {
		return err
	}
	return dev.Run(ctx)
}

func runController(ctx context.Context, cfg *config.Config) error {
	client := rtu.NewClient(cfg.Serial)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()
	slog.Info("Controller connected", "device", cfg.Serial.Device, "slaveID", cfg.SlaveID)

	c := &link.Controller{
		Sender: &link.TextSender{
			Writer:  client,
			SlaveID: byte(cfg.SlaveID),
			Address: uint16(cfg.Controller.TextAddress),
			MaxLen:  cfg.Controller.MaxText,
		},
		Text: os.Stdin,
	}
	if cfg.Controller.Input != "" {
		c.Mirror = &link.CoilMirror{
			Input:    link.FileInput{Path: cfg.Controller.Input},
			Writer:   client,
			SlaveID:  byte(cfg.SlaveID),
			Address:  uint16(cfg.Controller.CoilAddress),
			Interval: cfg.Controller.PollInterval,
		}
	}
	fmt.Println("Type a message and press Enter. Type 'quit' to exit.")
	return c.Run(ctx)
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stdout: %v\n", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
