// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. RTULINK_SLAVE_ID
// or RTULINK_SERIAL_BAUD_RATE.
const EnvPrefix = "RTULINK"

const (
	RoleDevice     = "device"
	RoleController = "controller"
)

// Config defines the global configuration structure
type Config struct {
	Role       string           `mapstructure:"role"`     // "device" or "controller"
	SlaveID    int              `mapstructure:"slave_id"` // Slave served (device) or addressed (controller)
	Serial     SerialConfig     `mapstructure:"serial"`
	Store      StoreConfig      `mapstructure:"store"`
	Observer   ObserverConfig   `mapstructure:"observer"`
	Controller ControllerConfig `mapstructure:"controller"`
	Log        LogConfig        `mapstructure:"log"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// SerialConfig defines RTU settings
type SerialConfig struct {
	Device   string        `mapstructure:"device"`
	Driver   string        `mapstructure:"driver"` // "grid-x", "goburrow" or "bugst"
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	Parity   string        `mapstructure:"parity"`
	StopBits int           `mapstructure:"stop_bits"`
	Timeout  time.Duration `mapstructure:"timeout"` // Per operation timeout

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// StoreConfig sizes the field device datastore.
type StoreConfig struct {
	Coils     int `mapstructure:"coils"`
	Registers int `mapstructure:"registers"`
}

// ObserverConfig defines the datastore change observer and what it drives
// on the field device.
type ObserverConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Regions     []string      `mapstructure:"regions"`
	CoilAddress int           `mapstructure:"coil_address"` // Coil mirrored to Output
	TextAddress int           `mapstructure:"text_address"` // First register rendered as text
	Output      string        `mapstructure:"output"`       // File receiving "0"/"1"; empty logs only
}

// ControllerConfig defines what the controller sends to the field device.
type ControllerConfig struct {
	TextAddress  int           `mapstructure:"text_address"`
	CoilAddress  int           `mapstructure:"coil_address"`
	Input        string        `mapstructure:"input"` // File read as a boolean; empty disables the coil mirror
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxText      int           `mapstructure:"max_text"`
}

// Load loads configuration from defaults, an optional file and the
// environment, in increasing order of precedence.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/rtulink/")
		v.AddConfigPath("$HOME/.rtulink")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		// The file is optional, the environment alone is enough.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	fixupSerial(&config.Serial)
	config.Role = strings.ToLower(strings.TrimSpace(config.Role))

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("role", RoleDevice)
	v.SetDefault("slave_id", 1)

	v.SetDefault("serial.device", "/dev/ttyAMA0")
	v.SetDefault("serial.driver", "grid-x")
	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.parity", "N")
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.timeout", time.Second)
	v.SetDefault("serial.rs485", false)
	v.SetDefault("serial.delay_rts_before_send", 0)
	v.SetDefault("serial.delay_rts_after_send", 0)
	v.SetDefault("serial.rts_high_during_send", false)
	v.SetDefault("serial.rts_high_after_send", false)
	v.SetDefault("serial.rx_during_tx", false)

	v.SetDefault("store.coils", 10)
	v.SetDefault("store.registers", 100)

	v.SetDefault("observer.interval", 100*time.Millisecond)
	v.SetDefault("observer.regions", []string{"coils", "registers"})

	v.SetDefault("observer.coil_address", 0)
	v.SetDefault("observer.text_address", 0)
	v.SetDefault("observer.output", "")

	v.SetDefault("controller.text_address", 0)
	v.SetDefault("controller.coil_address", 0)
	v.SetDefault("controller.input", "")
	v.SetDefault("controller.poll_interval", 20*time.Millisecond)
	v.SetDefault("controller.max_text", 123)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

func fixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	s.Driver = strings.ToLower(s.Driver)
	if s.Timeout == 0 {
		s.Timeout = 500 * time.Millisecond
	}
}

// MaxAddress is the highest Modbus data address.
const MaxAddress = 0xFFFF

// Validate checks the values that have no usable fallback.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleDevice, RoleController:
	default:
		return fmt.Errorf("invalid role %q: want %q or %q", c.Role, RoleDevice, RoleController)
	}
	if c.SlaveID < 1 || c.SlaveID > 247 {
		return fmt.Errorf("invalid slave_id %d: want 1-247", c.SlaveID)
	}
	if c.Serial.Device == "" {
		return fmt.Errorf("serial.device must be set")
	}
	if c.Serial.BaudRate <= 0 {
		return fmt.Errorf("invalid serial.baud_rate %d", c.Serial.BaudRate)
	}
	switch c.Serial.Parity {
	case "N", "E", "O":
	default:
		return fmt.Errorf("invalid serial.parity %q: want N, E or O", c.Serial.Parity)
	}
	switch c.Serial.Driver {
	case "grid-x", "goburrow", "bugst":
	default:
		return fmt.Errorf("invalid serial.driver %q: want grid-x, goburrow or bugst", c.Serial.Driver)
	}
	if c.Store.Coils < 0 || c.Store.Coils > 65536 || c.Store.Registers < 0 || c.Store.Registers > 65536 {
		return fmt.Errorf("invalid store size %d coils / %d registers", c.Store.Coils, c.Store.Registers)
	}
	for _, a := range []struct {
		key   string
		value int
	}{
		{"observer.coil_address", c.Observer.CoilAddress},
		{"observer.text_address", c.Observer.TextAddress},
		{"controller.coil_address", c.Controller.CoilAddress},
		{"controller.text_address", c.Controller.TextAddress},
	} {
		if a.value < 0 || a.value > MaxAddress {
			return fmt.Errorf("invalid %s %d: want 0-%d", a.key, a.value, MaxAddress)
		}
	}
	if c.Observer.Interval <= 0 {
		return fmt.Errorf("invalid observer.interval %v", c.Observer.Interval)
	}
	if c.Role == RoleController {
		if c.Controller.PollInterval <= 0 {
			return fmt.Errorf("invalid controller.poll_interval %v", c.Controller.PollInterval)
		}
		if c.Controller.MaxText < 1 || c.Controller.MaxText > 123 {
			return fmt.Errorf("invalid controller.max_text %d: want 1-123", c.Controller.MaxText)
		}
	}
	return nil
}
