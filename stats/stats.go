// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides collections of counters. Each counter
// belongs to a snapshottable collection, and these collections can be
// aggregated. Engines keep one collection per application, counting
// the outcomes of its units (see Counts).
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Values is a snapshot of the values in a collection.
type Values map[string]int64

// Copy returns a copy of the values v.
func (v Values) Copy() Values {
	w := make(Values)
	for k, v := range v {
		w[k] = v
	}
	return w
}

// String returns an abbreviated string with the values in this
// snapshot sorted by key.
func (v Values) String() string {
	var keys []string
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%d", key, v[key])
	}
	return strings.Join(keys, " ")
}

// A Map is a set of counters keyed by name.
type Map struct {
	mu     sync.Mutex
	values map[string]*Int
}

// NewMap returns a fresh Map.
func NewMap() *Map {
	return &Map{
		values: make(map[string]*Int),
	}
}

// Int returns the counter with the provided name. The counter is
// created if it does not already exist.
func (m *Map) Int(name string) *Int {
	m.mu.Lock()
	v := m.values[name]
	if v == nil {
		v = new(Int)
		m.values[name] = v
	}
	m.mu.Unlock()
	return v
}

// AddAll adds all counters in the map to the provided snapshot.
func (m *Map) AddAll(vals Values) {
	m.mu.Lock()
	for k, v := range m.values {
		vals[k] += v.Get()
	}
	m.mu.Unlock()
}

// An Int is a integer counter. Ints can be atomically
// incremented and set.
type Int struct {
	val int64
}

// Add increments v by delta.
func (v *Int) Add(delta int64) {
	if v == nil {
		return
	}
	atomic.AddInt64(&v.val, delta)
}

// Set sets the counter's value to val.
func (v *Int) Set(val int64) {
	if v == nil {
		return
	}
	atomic.StoreInt64(&v.val, val)
}

// Get returns the current value of a counter.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}

// Names of the unit outcome counters maintained by engines.
const (
	Units   = "units"
	Running = "running"
	Done    = "done"
	Failed  = "failed"
	Skipped = "skipped"
)

// Counts is a set of unit outcome counters.
type Counts struct {
	*Map
	units, running, done, failed, skipped *Int
}

// NewCounts returns a fresh set of counters for an application
// over n units.
func NewCounts(n int) *Counts {
	m := NewMap()
	c := &Counts{
		Map:     m,
		units:   m.Int(Units),
		running: m.Int(Running),
		done:    m.Int(Done),
		failed:  m.Int(Failed),
		skipped: m.Int(Skipped),
	}
	c.units.Set(int64(n))
	return c
}

// Start records that a unit has started.
func (c *Counts) Start() { c.running.Add(1) }

// Finish records that a started unit has completed, successfully
// if ok is true.
func (c *Counts) Finish(ok bool) {
	c.running.Add(-1)
	c.done.Add(1)
	if !ok {
		c.failed.Add(1)
	}
}

// Fail records that a unit failed without having started, e.g.,
// because its result was missing.
func (c *Counts) Fail() {
	c.done.Add(1)
	c.failed.Add(1)
}

// Skip records that n units were skipped due to cancellation.
func (c *Counts) Skip(n int) { c.skipped.Add(int64(n)) }

// Snapshot returns a snapshot of the counters.
func (c *Counts) Snapshot() Values {
	v := make(Values)
	c.AddAll(v)
	return v
}

// Idle returns the number of units that are neither running, done,
// nor skipped.
func (v Values) Idle() int64 {
	return v[Units] - v[Running] - v[Done] - v[Skipped]
}
