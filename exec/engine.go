// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigchunk"
)

const (
	// DefaultPollInterval is the interval at which an engine's
	// orchestrator polls for completion and drains diagnostics.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultInterruptInterval is the interval at which an engine's
	// orchestrator checks for cancellation. The first check happens
	// after one full interval.
	DefaultInterruptInterval = 2000 * time.Millisecond
)

// An Engine applies per-unit functions to the units of a source.
//
// Every unit in [0, src.NumUnits()) is attempted exactly once unless
// the computation is cancelled; units complete in no particular
// order, and each unit is processed by exactly one worker. Engines
// never serialize invocations of the per-unit function; instead they
// hand each invocation a mutex that is shared by all units of the
// same application.
//
// Apply returns a *CancelledError if, and only if, cancellation
// caused at least one unit to be skipped. Failures of individual
// units are reported as diagnostics and do not fail Apply.
//
// An engine supports one active Apply at a time; a concurrent call
// fails with an errors.Invalid error.
type Engine interface {
	// Name returns the engine's type, used in diagnostics and events.
	Name() string

	// Start starts the engine as part of the provided session. The
	// returned function, if not nil, is called when the session is
	// shut down.
	Start(sess *Session) (shutdown func())

	// MaxParallelism returns the maximum number of units that may be
	// processed concurrently.
	MaxParallelism() int

	// Apply applies fn to each unit of src.
	Apply(ctx context.Context, src bigchunk.Source, fn bigchunk.Func) error
}

// A runner is an engine that reports its progress through a run.
// The session uses this to attribute runs to the location of the
// Apply call.
// A runner must be acquired before its run is created, so that a
// rejected application leaves no trace in the session.
type runner interface {
	acquire() (release func(), err error)
	run(ctx context.Context, r *run, src bigchunk.Source, fn bigchunk.Func) error
}

// A slot admits one application of an engine at a time.
type slot int32

// acquire claims the slot for an application of the named engine.
// It fails with an errors.Invalid error if the slot is taken.
func (s *slot) acquire(engine string) (release func(), err error) {
	if !atomic.CompareAndSwapInt32((*int32)(s), 0, 1) {
		return nil, errors.E(errors.Invalid, engine+": concurrent Apply")
	}
	return func() { atomic.StoreInt32((*int32)(s), 0) }, nil
}

// Assignment returns the units that are assigned to worker k of p
// workers in an application over n units: k, k+p, k+2p, and so on.
// The partition is static: no rebalancing takes place, so the
// duration of an application is bounded by its slowest worker.
func Assignment(k, p, n int) []int {
	if p <= 0 || k < 0 || k >= p || k >= n {
		return nil
	}
	units := make([]int, 0, (n-k+p-1)/p)
	for unit := k; unit < n; unit += p {
		units = append(units, unit)
	}
	return units
}

// orchestrate waits for done to be closed. On every poll tick the
// run's diagnostics are drained and its status updated; every
// interrupt interval, starting after one full interval, ctx is
// checked for cancellation. When ctx is cancelled, orchestrate calls
// cancel once and continues waiting for done, since running units
// are never preempted. Orchestrate reports whether cancel was called.
func (r *run) orchestrate(ctx context.Context, done <-chan struct{}, cancel func()) (cancelled bool) {
	poll, interrupt := r.sess.intervals()
	every := int(interrupt / poll)
	if every < 1 {
		every = 1
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for tick := 1; ; tick++ {
		select {
		case <-done:
			return
		case <-r.sink.Pending():
			r.sink.Drain()
			tick--
			continue
		case <-ticker.C:
		}
		r.sink.Drain()
		r.updateStatus()
		if !cancelled && tick%every == 0 && ctx.Err() != nil {
			cancelled = true
			r.sink.Debugf(r.origin, "cancellation requested: %v", ctx.Err())
			cancel()
		}
	}
}
