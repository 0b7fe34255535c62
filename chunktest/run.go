// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package chunktest provides utilities for testing bigchunk user
// code. The utilities here are generally not optimized for
// performance or robustness; they are strictly intended for unit
// testing.
package chunktest

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"testing"

	"github.com/grailbio/bigchunk"
	"github.com/grailbio/bigchunk/exec"
	"github.com/grailbio/bigchunk/stats"
)

// Run applies fn to every unit of src in local execution mode,
// returning the application's unit counts. Unit failures are
// reported through t.Log; an application error is reported as fatal
// to the provided t instance.
func Run(t *testing.T, src bigchunk.Source, fn bigchunk.Func) stats.Values {
	t.Helper()
	var out bytes.Buffer
	sess := exec.Start(exec.Local, exec.Parallelism(runtime.GOMAXPROCS(0)), exec.Console(&out))
	defer sess.Shutdown()
	err := sess.Apply(context.Background(), src, fn)
	if out.Len() > 0 {
		t.Log(out.String())
	}
	if err != nil {
		t.Fatal(err)
	}
	return sess.Counts()
}

// Collect reads every unit of src in local execution mode and
// returns the payloads indexed by unit. Any unit failure is
// reported as fatal to the provided t instance.
func Collect(t *testing.T, src bigchunk.Source) []bigchunk.Payload {
	t.Helper()
	var r Recorder
	counts := Run(t, src, r.Func)
	if n := counts[stats.Failed]; n > 0 {
		t.Fatalf("%d of %d units failed", n, src.NumUnits())
	}
	return r.Payloads(src.NumUnits())
}

// Recorder is a per-unit function that records the units to which it
// is applied, together with their payloads. The zero Recorder is
// ready to use. A Recorder must not be shared by concurrent
// applications.
type Recorder struct {
	units    []int
	payloads map[int]bigchunk.Payload
}

// Func records the unit and its payload. It implements
// bigchunk.Func.
func (r *Recorder) Func(ctx context.Context, unit int, payload bigchunk.Payload, mu *sync.Mutex) error {
	mu.Lock()
	defer mu.Unlock()
	if r.payloads == nil {
		r.payloads = make(map[int]bigchunk.Payload)
	}
	if _, ok := r.payloads[unit]; ok {
		return fmt.Errorf("unit %d applied twice", unit)
	}
	r.units = append(r.units, unit)
	r.payloads[unit] = payload
	return nil
}

// Units returns the recorded units in ascending order.
func (r *Recorder) Units() []int {
	units := append([]int(nil), r.units...)
	sort.Ints(units)
	return units
}

// Order returns the recorded units in the order in which they were
// applied.
func (r *Recorder) Order() []int {
	return append([]int(nil), r.units...)
}

// Payloads returns the recorded payloads of units [0, n). Units that
// were not recorded have nil payloads.
func (r *Recorder) Payloads(n int) []bigchunk.Payload {
	payloads := make([]bigchunk.Payload, n)
	for unit, payload := range r.payloads {
		if unit >= 0 && unit < n {
			payloads[unit] = payload
		}
	}
	return payloads
}

// Faulty returns a source that behaves as src, except that reading
// any unit in fail returns the corresponding error.
func Faulty(src bigchunk.Source, fail map[int]error) bigchunk.Source {
	return bigchunk.SourceFunc(src.NumUnits(), func(ctx context.Context, unit int) (bigchunk.Payload, error) {
		if err, ok := fail[unit]; ok {
			return nil, err
		}
		return src.Read(ctx, unit)
	})
}
