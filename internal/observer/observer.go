// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package observer polls a datastore and reports region changes.
package observer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ffutop/modbus-rtu-link/internal/datastore"
)

// Source is something that can produce a consistent snapshot.
type Source interface {
	Snapshot() datastore.Snapshot
}

// Event reports that Region differs between two consecutive snapshots.
type Event struct {
	Region   datastore.Region
	Previous datastore.Snapshot
	Current  datastore.Snapshot
	At       time.Time
}

// Sink consumes change events. Sinks run on the observer goroutine.
type Sink interface {
	Changed(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Changed(ctx context.Context, ev Event) {
	f(ctx, ev)
}

// Observer compares snapshots of Store every Interval. It never writes to
// the store.
type Observer struct {
	Store    Source
	Interval time.Duration
	Regions  []datastore.Region
	Sinks    []Sink

	prev     datastore.Snapshot
	baseline bool
}

// New creates an observer watching the named regions. The store is
// snapshotted here; every later change is reported by Run.
func New(store Source, interval time.Duration, regions []string, sinks ...Sink) (*Observer, error) {
	o := &Observer{
		Store:    store,
		Interval: interval,
		Sinks:    sinks,
	}
	for _, name := range regions {
		r, err := datastore.ParseRegion(name)
		if err != nil {
			return nil, fmt.Errorf("observer: %w", err)
		}
		o.Regions = append(o.Regions, r)
	}
	o.Baseline()
	return o, nil
}

// Baseline snapshots the store as the state Run compares against.
func (o *Observer) Baseline() {
	o.prev = o.Store.Snapshot()
	o.baseline = true
}

// Run polls until ctx is done. Changes are reported relative to the
// baseline, which is taken now if Baseline was never called.
func (o *Observer) Run(ctx context.Context) error {
	if o.Interval <= 0 {
		return fmt.Errorf("observer: interval must be positive, got %v", o.Interval)
	}
	ticker := time.NewTicker(o.Interval)
	defer ticker.Stop()

	if !o.baseline {
		o.Baseline()
	}
	slog.Debug("Observer started", "interval", o.Interval, "regions", o.Regions)

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Observer stopped")
			return nil
		case now := <-ticker.C:
			cur := o.Store.Snapshot()
			o.compare(ctx, o.prev, cur, now)
			o.prev = cur
		}
	}
}

func (o *Observer) compare(ctx context.Context, prev, cur datastore.Snapshot, at time.Time) {
	for _, region := range o.Regions {
		if prev.Equal(cur, region) {
			continue
		}
		slog.Debug("Region changed", "region", region)
		ev := Event{Region: region, Previous: prev, Current: cur, At: at}
		for _, sink := range o.Sinks {
			sink.Changed(ctx, ev)
		}
	}
}
