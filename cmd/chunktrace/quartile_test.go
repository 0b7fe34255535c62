// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"reflect"
	"sort"
	"testing"
	"time"

	fuzz "github.com/google/gofuzz"
)

func TestComputeQuartiles(t *testing.T) {
	for _, c := range []struct {
		ds   []time.Duration
		want [3]time.Duration
	}{
		{[]time.Duration{0}, [3]time.Duration{0, 0, 0}},
		{[]time.Duration{0, 0}, [3]time.Duration{0, 0, 0}},
		{[]time.Duration{0, 100}, [3]time.Duration{0, 50, 100}},
		{[]time.Duration{0, 0, 200}, [3]time.Duration{0, 0, 100}},
		{[]time.Duration{0, 200, 200}, [3]time.Duration{100, 200, 200}},
		{[]time.Duration{0, 100, 200}, [3]time.Duration{50, 100, 150}},
		{[]time.Duration{0, 100, 100, 200}, [3]time.Duration{50, 100, 150}},
		{[]time.Duration{0, 100, 200, 300}, [3]time.Duration{50, 150, 250}},
		{[]time.Duration{0, 100, 100, 100, 200}, [3]time.Duration{100, 100, 100}},
		{[]time.Duration{0, 100, 200, 300, 400}, [3]time.Duration{100, 200, 300}},
		{[]time.Duration{1, 2}, [3]time.Duration{1, 1, 2}},
	} {
		q1, q2, q3 := computeQuartiles(c.ds)
		if got, want := [3]time.Duration{q1, q2, q3}, c.want; !reflect.DeepEqual(got, want) {
			t.Errorf("%v: got %v, want %v", c.ds, got, want)
		}
	}
}

func TestComputeQuartilesFuzz(t *testing.T) {
	f := fuzz.New()
	for i := 0; i < 10000; i++ {
		var ds []time.Duration
		f.Fuzz(&ds)
		if len(ds) == 0 {
			continue
		}
		sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
		min, max := ds[0], ds[len(ds)-1]
		q1, q2, q3 := computeQuartiles(ds)
		if q1 < min || q2 < q1 || q3 < q2 || max < q3 {
			t.Fatalf("%v: quartiles %v %v %v out of order", ds, q1, q2, q3)
		}
	}
}
