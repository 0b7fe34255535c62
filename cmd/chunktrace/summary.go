// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/grailbio/base/limitbuf"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigchunk/internal/trace"
)

// unit represents the trace of a single unit's application.
type unit struct {
	apply, unit int
	// worker identifies the (process, thread) that applied the unit.
	worker [2]int
	// start is measured as an offset from the start of tracing.
	start    time.Duration
	duration time.Duration
	err      string
}

// applyStat summarizes the units of a single application.
type applyStat struct {
	apply   int
	units   int
	failed  int
	workers int
	// start is measured as an offset from the start of tracing.
	start    time.Duration
	span     time.Duration
	total    time.Duration
	read     time.Duration
	min      time.Duration
	q1       time.Duration
	q2       time.Duration
	q3       time.Duration
	max      time.Duration
	failures []unit
}

// reSubject matches the names of unit events, e.g., "3/120" for unit
// 120 of the session's fourth application.
var reSubject = regexp.MustCompile(`^(\d+)/(\d+)$`)

func parseSubject(name string) (apply, unit int, ok bool) {
	m := reSubject.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}
	var err error
	if apply, err = strconv.Atoi(m[1]); err != nil {
		return 0, 0, false
	}
	if unit, err = strconv.Atoi(m[2]); err != nil {
		return 0, 0, false
	}
	return apply, unit, true
}

// summarize computes per-application statistics from the provided
// trace events, ordered by application index.
func summarize(events []trace.Event) []applyStat {
	var (
		units []unit
		reads = make(map[int]time.Duration)
	)
	for _, event := range events {
		if event.Ph != "X" {
			continue
		}
		apply, u, ok := parseSubject(event.Name)
		if !ok {
			log.Debug.Printf("skipping event %q: could not parse subject", event.Name)
			continue
		}
		switch event.Cat {
		case "unit":
			var errstr string
			if v, ok := event.Args["error"]; ok {
				errstr = truncatef(v)
			}
			units = append(units, unit{
				apply:    apply,
				unit:     u,
				worker:   [2]int{event.Pid, event.Tid},
				start:    time.Duration(event.Ts) * time.Microsecond,
				duration: time.Duration(event.Dur) * time.Microsecond,
				err:      errstr,
			})
		case "read":
			reads[apply] += time.Duration(event.Dur) * time.Microsecond
		}
	}

	type accum struct {
		stat      applyStat
		maxEnd    time.Duration
		workers   map[[2]int]bool
		durations []time.Duration
	}
	accums := make(map[int]*accum)
	for _, u := range units {
		a, ok := accums[u.apply]
		if !ok {
			a = &accum{workers: make(map[[2]int]bool)}
			a.stat.apply = u.apply
			a.stat.start = 1<<63 - 1
			accums[u.apply] = a
		}
		a.stat.units++
		if u.err != "" {
			a.stat.failed++
			a.stat.failures = append(a.stat.failures, u)
		}
		if u.start < a.stat.start {
			a.stat.start = u.start
		}
		if end := u.start + u.duration; a.maxEnd < end {
			a.maxEnd = end
		}
		a.workers[u.worker] = true
		a.stat.total += u.duration
		a.durations = append(a.durations, u.duration)
	}
	stats := make([]applyStat, 0, len(accums))
	for _, a := range accums {
		sort.Slice(a.durations, func(i, j int) bool { return a.durations[i] < a.durations[j] })
		sort.Slice(a.stat.failures, func(i, j int) bool { return a.stat.failures[i].unit < a.stat.failures[j].unit })
		// An accumulator exists only if it has a unit, so durations is
		// non-empty.
		a.stat.q1, a.stat.q2, a.stat.q3 = computeQuartiles(a.durations)
		a.stat.min = a.durations[0]
		a.stat.max = a.durations[len(a.durations)-1]
		a.stat.span = a.maxEnd - a.stat.start
		a.stat.workers = len(a.workers)
		a.stat.read = reads[a.stat.apply]
		stats = append(stats, a.stat)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].apply < stats[j].apply })
	return stats
}

func truncatef(v interface{}) string {
	b := limitbuf.NewLogger(80)
	fmt.Fprint(b, v)
	return b.String()
}
