// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigchunk"
)

// LocalEngine is an engine that processes units in-process, on a
// fixed pool of goroutines. Units are partitioned statically: worker
// k of p processes units k, k+p, k+2p, and so on.
type LocalEngine struct {
	p    int
	sess *Session
	busy slot
}

// NewLocal returns a new local engine with parallelism p.
func NewLocal(p int) *LocalEngine {
	if p <= 0 {
		panic("exec.NewLocal: p <= 0")
	}
	return &LocalEngine{p: p}
}

// Name implements Engine.
func (*LocalEngine) Name() string { return "exec.Local" }

// Start implements Engine.
func (l *LocalEngine) Start(sess *Session) (shutdown func()) {
	l.sess = sess
	return nil
}

// MaxParallelism implements Engine.
func (l *LocalEngine) MaxParallelism() int { return l.p }

// Apply implements Engine.
func (l *LocalEngine) Apply(ctx context.Context, src bigchunk.Source, fn bigchunk.Func) error {
	if l.sess == nil {
		return errors.E(errors.Invalid, "exec.Local: engine not started")
	}
	release, err := l.acquire()
	if err != nil {
		return err
	}
	defer release()
	r := l.sess.newRun(l, src.NumUnits(), "<direct>")
	return r.finish(l.run(ctx, r, src, fn))
}

func (l *LocalEngine) acquire() (release func(), err error) {
	return l.busy.acquire(l.Name())
}

// run must be called with the engine acquired.
func (l *LocalEngine) run(ctx context.Context, r *run, src bigchunk.Source, fn bigchunk.Func) error {
	var (
		n       = src.NumUnits()
		stop    int32
		mu      sync.Mutex
		wg      sync.WaitGroup
		skipped = make([][]int, l.p)
		done    = make(chan struct{})
	)
	for k := 0; k < l.p; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			units := Assignment(k, l.p, n)
			for i, unit := range units {
				if atomic.LoadInt32(&stop) != 0 {
					skipped[k] = units[i:]
					return
				}
				unit := unit
				r.do(ctx, k, unit, &mu, func(ctx context.Context) (bigchunk.Payload, error) {
					return src.Read(ctx, unit)
				}, fn)
			}
		}(k)
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	cancelled := r.orchestrate(ctx, done, func() { atomic.StoreInt32(&stop, 1) })
	if !cancelled {
		return nil
	}
	var all []int
	for _, units := range skipped {
		all = append(all, units...)
	}
	if len(all) == 0 {
		// Cancellation arrived after all units were claimed.
		return nil
	}
	return newCancelledError(all)
}
