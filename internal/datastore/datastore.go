// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package datastore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/TheCount/go-multilocker/multilocker"
)

// Region selects one of the disjoint address spaces of the store.
type Region int

const (
	RegionCoils Region = iota
	RegionHoldingRegisters
)

func (r Region) String() string {
	switch r {
	case RegionCoils:
		return "coils"
	case RegionHoldingRegisters:
		return "holding registers"
	default:
		return fmt.Sprintf("region(%d)", int(r))
	}
}

// ParseRegion accepts the names used in configuration.
func ParseRegion(s string) (Region, error) {
	switch s {
	case "coils", "coil":
		return RegionCoils, nil
	case "registers", "holding_registers", "holding":
		return RegionHoldingRegisters, nil
	}
	return 0, fmt.Errorf("unknown region %q", s)
}

// ErrIllegalAddress matches every AddressError.
var ErrIllegalAddress = errors.New("datastore: illegal address")

// AddressError is returned when a range does not fit the region.
type AddressError struct {
	Region   Region
	Address  uint16
	Count    int
	Capacity int
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("datastore: %s range [%d, %d) outside capacity %d", e.Region, e.Address, int(e.Address)+e.Count, e.Capacity)
}

func (e *AddressError) Is(target error) bool {
	return target == ErrIllegalAddress
}

// Datastore holds the coils and holding registers of one slave in memory.
// Each region has its own lock; writers replace a contiguous span while
// holding the write lock so readers never see a partial write.
type Datastore struct {
	slaveID byte

	coilsMu sync.RWMutex
	coils   []bool

	registersMu sync.RWMutex
	registers   []uint16
}

// New creates a zeroed store with the given capacities.
func New(slaveID byte, coils, registers int) *Datastore {
	return &Datastore{
		slaveID:   slaveID,
		coils:     make([]bool, coils),
		registers: make([]uint16, registers),
	}
}

// SlaveID returns the slave this store belongs to.
func (d *Datastore) SlaveID() byte {
	return d.slaveID
}

// Capacity returns the size of a region.
func (d *Datastore) Capacity(region Region) int {
	switch region {
	case RegionCoils:
		return len(d.coils)
	case RegionHoldingRegisters:
		return len(d.registers)
	}
	return 0
}

// ReadCoils returns a copy of count coils starting at address.
func (d *Datastore) ReadCoils(address uint16, count int) ([]bool, error) {
	d.coilsMu.RLock()
	defer d.coilsMu.RUnlock()

	if err := validateRange(RegionCoils, address, count, len(d.coils)); err != nil {
		return nil, err
	}
	result := make([]bool, count)
	copy(result, d.coils[address:])
	return result, nil
}

// WriteCoils replaces len(values) coils starting at address.
func (d *Datastore) WriteCoils(address uint16, values []bool) error {
	d.coilsMu.Lock()
	defer d.coilsMu.Unlock()

	if err := validateRange(RegionCoils, address, len(values), len(d.coils)); err != nil {
		return err
	}
	copy(d.coils[address:], values)
	return nil
}

// ReadRegisters returns a copy of count holding registers starting at address.
func (d *Datastore) ReadRegisters(address uint16, count int) ([]uint16, error) {
	d.registersMu.RLock()
	defer d.registersMu.RUnlock()

	if err := validateRange(RegionHoldingRegisters, address, count, len(d.registers)); err != nil {
		return nil, err
	}
	result := make([]uint16, count)
	copy(result, d.registers[address:])
	return result, nil
}

// WriteRegisters replaces len(values) holding registers starting at address.
func (d *Datastore) WriteRegisters(address uint16, values []uint16) error {
	d.registersMu.Lock()
	defer d.registersMu.Unlock()

	if err := validateRange(RegionHoldingRegisters, address, len(values), len(d.registers)); err != nil {
		return err
	}
	copy(d.registers[address:], values)
	return nil
}

// Snapshot is a point-in-time copy of the whole store.
type Snapshot struct {
	Coils     []bool
	Registers []uint16
}

// Equal reports whether region holds the same values in both snapshots.
func (s Snapshot) Equal(other Snapshot, region Region) bool {
	switch region {
	case RegionCoils:
		if len(s.Coils) != len(other.Coils) {
			return false
		}
		for i := range s.Coils {
			if s.Coils[i] != other.Coils[i] {
				return false
			}
		}
	case RegionHoldingRegisters:
		if len(s.Registers) != len(other.Registers) {
			return false
		}
		for i := range s.Registers {
			if s.Registers[i] != other.Registers[i] {
				return false
			}
		}
	}
	return true
}

// Snapshot copies both regions while holding both read locks, so the two
// regions are mutually consistent. Writers wait at most for the copy.
func (d *Datastore) Snapshot() Snapshot {
	l := multilocker.New(d.coilsMu.RLocker(), d.registersMu.RLocker())
	l.Lock()
	defer l.Unlock()

	return Snapshot{
		Coils:     append([]bool(nil), d.coils...),
		Registers: append([]uint16(nil), d.registers...),
	}
}

func validateRange(region Region, address uint16, count, capacity int) error {
	if count <= 0 || int(address)+count > capacity {
		return &AddressError{Region: region, Address: address, Count: count, Capacity: capacity}
	}
	return nil
}
