// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package link

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// LogOutput stands in for an actuator by logging its state.
type LogOutput struct {
	Name string
}

func (o LogOutput) SetBool(on bool) error {
	slog.Info("Output changed", "output", o.Name, "state", onOff(on))
	return nil
}

// LogText renders text into the log.
type LogText struct{}

func (LogText) ShowText(text string) error {
	slog.Info("Message received", "text", text)
	return nil
}

// FileInput reads a boolean from a file holding "0" or "1", such as a sysfs
// GPIO value file.
type FileInput struct {
	Path string
}

func (f FileInput) ReadBool() (bool, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return false, err
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("input %s: %w", f.Path, err)
	}
	return v, nil
}

// FileOutput writes "1" or "0" to a file.
type FileOutput struct {
	Path string
}

func (f FileOutput) SetBool(on bool) error {
	v := "0\n"
	if on {
		v = "1\n"
	}
	if err := os.WriteFile(f.Path, []byte(v), 0644); err != nil {
		return err
	}
	slog.Debug("Output written", "path", f.Path, "state", onOff(on))
	return nil
}
