// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigchunk"
	"github.com/grailbio/bigchunk/diag"
	"github.com/grailbio/bigchunk/metrics"
	"github.com/grailbio/bigchunk/progress"
	"github.com/grailbio/bigchunk/stats"
)

// A run is the state of a single application. It is created by the
// session for each call to Apply and is owned by the goroutine that
// orchestrates it.
type run struct {
	sess     *Session
	index    int
	origin   string
	location string
	n        int
	start    time.Time

	sink     *diag.Sink
	counts   *stats.Counts
	progress progress.Reporter
	task     *status.Task
	// scope holds the metrics of the application's units.
	scope metrics.Scope

	finishOnce sync.Once
}

func (s *Session) newRun(e Engine, n int, location string) *run {
	r := &run{
		sess:     s,
		index:    s.nextRun(),
		origin:   e.Name(),
		location: location,
		n:        n,
		start:    time.Now(),
		sink:     s.sink,
		counts:   stats.NewCounts(n),
	}
	if s.showProgress {
		r.progress = progress.NewBar(s.sink)
	} else {
		r.progress = progress.NewNone()
	}
	if s.status != nil {
		// Keep groups in run order.
		statusMu.Lock()
		group := s.status.Groupf("apply %s [%d]", location, r.index)
		_ = s.status.Groups()
		statusMu.Unlock()
		r.task = group.Start(e.Name())
		r.updateStatus()
	}
	s.setCounts(r.counts)
	s.eventer.Event("bigchunk:applyStart",
		"applyIndex", r.index,
		"engine", e.Name(),
		"parallelism", e.MaxParallelism(),
		"units", n,
		"location", location)
	log.Debug.Printf("%s: apply %d: %d units at %s", r.origin, r.index, n, location)
	return r
}

// do processes a single unit on the given worker: it reads the
// unit's payload with read and then applies fn. Errors and panics
// are recovered and reported as unit failures. Do returns the
// unit's error, if any.
func (r *run) do(ctx context.Context, worker, unit int, mu *sync.Mutex, read func(context.Context) (bigchunk.Payload, error), fn bigchunk.Func) error {
	r.counts.Start()
	r.sess.tracer.Event(r.origin, worker, unitSubject{r.index, unit}, "B")
	ctx = metrics.ScopedContext(ctx, &r.scope)
	err := protect(func() error {
		payload, err := read(ctx)
		if err != nil {
			return err
		}
		return fn(ctx, unit, payload, mu)
	})
	r.complete(worker, unit, err)
	return err
}

// fail records the failure of a unit that never started.
func (r *run) fail(unit int, err error) {
	r.counts.Fail()
	r.report(unit, err)
	r.progress.Increment(1 / float64(r.n))
}

func (r *run) complete(worker, unit int, err error) {
	r.counts.Finish(err == nil)
	if err != nil {
		r.sess.tracer.Event(r.origin, worker, unitSubject{r.index, unit}, "E", "error", err.Error())
		r.report(unit, err)
	} else {
		r.sess.tracer.Event(r.origin, worker, unitSubject{r.index, unit}, "E")
	}
	r.progress.Increment(1 / float64(r.n))
}

func (r *run) report(unit int, err error) {
	uerr, ok := err.(*UnitError)
	if !ok {
		uerr = &UnitError{Unit: unit, Err: err}
	}
	r.sink.Post(diag.Entry{Severity: diag.Error, Message: uerr.Error(), Origin: r.origin})
}

// instrument wraps fn so that its invocations are accounted for by
// the run. It is used for engines that do not report through runs
// themselves.
func (r *run) instrument(fn bigchunk.Func) bigchunk.Func {
	return func(ctx context.Context, unit int, payload bigchunk.Payload, mu *sync.Mutex) error {
		r.counts.Start()
		r.sess.tracer.Event(r.origin, 0, unitSubject{r.index, unit}, "B")
		ctx = metrics.ScopedContext(ctx, &r.scope)
		err := protect(func() error { return fn(ctx, unit, payload, mu) })
		r.complete(0, unit, err)
		return err
	}
}

// finish completes the run with the provided error, draining its
// diagnostics and recording its outcome. Units skipped by a
// cancellation are accounted for from err.
func (r *run) finish(err error) error {
	r.finishOnce.Do(func() {
		if cerr, ok := AsCancelled(err); ok {
			r.counts.Skip(len(cerr.Skipped))
			r.sink.Warningf(r.origin, "%v", cerr)
		}
		r.progress.Finalize()
		r.sink.Drain()
		r.sess.metrics.Merge(&r.scope)
		if r.task != nil {
			r.updateStatus()
			r.task.Done()
		}
		vals := r.counts.Snapshot()
		r.sess.eventer.Event("bigchunk:applyDone",
			"applyIndex", r.index,
			"engine", r.origin,
			"done", vals[stats.Done],
			"failed", vals[stats.Failed],
			"skipped", vals[stats.Skipped],
			"duration", time.Since(r.start).Seconds(),
			"cancelled", IsCancelled(err))
		log.Debug.Printf("%s: apply %d: %s", r.origin, r.index, vals)
	})
	return err
}

func (r *run) updateStatus() {
	if r.task == nil {
		return
	}
	printCounts(r.task, r.counts.Snapshot())
}

// protect calls f, converting panics into errors.
func protect(f func() error) (err error) {
	defer func() {
		if e := recover(); e != nil {
			log.Debug.Printf("panic while processing unit: %v\n%s", e, string(debug.Stack()))
			err = errors.E(errors.Fatal, fmt.Sprintf("panic: %v", e))
		}
	}()
	return f()
}
