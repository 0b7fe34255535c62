// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"time"
)

// computeQuartiles returns the quartiles of the sorted durations ds,
// using Tukey's method: q2 is the median of ds, and q1 and q3 are the
// medians of its lower and upper halves. When len(ds) is odd, the
// median is included in both halves. ds must be non-empty.
func computeQuartiles(ds []time.Duration) (q1, q2, q3 time.Duration) {
	n := len(ds)
	q2 = computeMedian(ds)
	if n == 1 {
		return q2, q2, q2
	}
	half := n / 2
	lower, upper := ds[:half], ds[half:]
	if n%2 == 1 {
		lower = ds[:half+1]
	}
	return computeMedian(lower), q2, computeMedian(upper)
}

func computeMedian(ds []time.Duration) time.Duration {
	mid := len(ds) / 2
	if len(ds)%2 == 1 {
		return ds[mid]
	}
	// Average without overflow.
	a, b := ds[mid-1], ds[mid]
	return a/2 + b/2 + (a%2+b%2)/2
}
