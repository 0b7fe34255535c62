// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package metrics provides user-defined metrics that are accumulated
// over the units of an application. Sources and per-unit functions
// retrieve the scope of the current unit from their context with
// ContextScope. The scopes of all units, including those read by
// fleet workers, are merged into the session's scope (see
// exec.Session.Metrics).
//
// Like jobs, metrics must be created deterministically, typically
// during package initialization, so that metric instances computed
// by fleet workers are attributed correctly.
package metrics

import (
	"sync"
	"sync/atomic"
)

var (
	mu sync.Mutex
	// metrics maps all registered metrics by id. We reserve index 0 to minimize
	// the chances of zero-valued metrics instances begin used uninitialized.
	metrics = []Metric{nil}
)

func newMetric(makeMetric func(id int) Metric) {
	mu.Lock()
	metrics = append(metrics, makeMetric(len(metrics)))
	mu.Unlock()
}

func lookup(id int) Metric {
	mu.Lock()
	defer mu.Unlock()
	if id <= 0 || id >= len(metrics) {
		return nil
	}
	return metrics[id]
}

// A Metric is a type of metric, instances of which are kept in
// scopes. All metrics are represented as int64 values.
type Metric interface {
	metricID() int
	newInstance() interface{}
	merge(x, y interface{})
	value(instance interface{}) int64
	instanceOf(value int64) interface{}
}

// Counter is a metric that sums the values by which it is
// incremented.
type Counter struct {
	id int
}

// NewCounter creates and registers a new counter.
func NewCounter() Counter {
	var c Counter
	newMetric(func(id int) Metric {
		c.id = id
		return c
	})
	return c
}

// Value returns the value of the counter in the provided scope.
func (c Counter) Value(scope *Scope) int64 {
	return atomic.LoadInt64(scope.instance(c).(*int64))
}

// Incr increments the counter in the provided scope by n.
func (c Counter) Incr(scope *Scope, n int64) {
	atomic.AddInt64(scope.instance(c).(*int64), n)
}

func (c Counter) metricID() int            { return c.id }
func (c Counter) newInstance() interface{} { return new(int64) }
func (c Counter) merge(x, y interface{}) {
	atomic.AddInt64(x.(*int64), atomic.LoadInt64(y.(*int64)))
}
func (c Counter) value(instance interface{}) int64 { return atomic.LoadInt64(instance.(*int64)) }
func (c Counter) instanceOf(v int64) interface{}   { return &v }

// Max is a metric that retains the largest value it has observed.
// Its value is zero until a positive value is observed.
type Max struct {
	id int
}

// NewMax creates and registers a new maximum.
func NewMax() Max {
	var m Max
	newMetric(func(id int) Metric {
		m.id = id
		return m
	})
	return m
}

// Value returns the largest value observed in the provided scope.
func (m Max) Value(scope *Scope) int64 {
	return atomic.LoadInt64(scope.instance(m).(*int64))
}

// Observe records the value v in the provided scope.
func (m Max) Observe(scope *Scope, v int64) {
	observe(scope.instance(m).(*int64), v)
}

func observe(p *int64, v int64) {
	for {
		old := atomic.LoadInt64(p)
		if v <= old || atomic.CompareAndSwapInt64(p, old, v) {
			return
		}
	}
}

func (m Max) metricID() int                    { return m.id }
func (m Max) newInstance() interface{}         { return new(int64) }
func (m Max) merge(x, y interface{})           { observe(x.(*int64), atomic.LoadInt64(y.(*int64))) }
func (m Max) value(instance interface{}) int64 { return atomic.LoadInt64(instance.(*int64)) }
func (m Max) instanceOf(v int64) interface{}   { return &v }
