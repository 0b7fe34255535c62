// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigchunk/internal/trace"
)

// unitSubject identifies a unit of a particular application.
type unitSubject struct {
	apply, unit int
}

func (u unitSubject) String() string {
	return fmt.Sprintf("%d/%d", u.apply, u.unit)
}

// A tracer tracks a set of trace events associated with the units
// processed by a session. Trace events are logged in the Chrome
// tracing format and can be visualized using its built-in
// visualization tool (chrome://tracing). Each process that processes
// units (the session itself, or a fleet worker) is represented as a
// Chrome "process", and each worker as a "thread", so that the units
// processed sequentially by a worker are shown on their own row.
//
// Events are coalesced into "complete events" (X) at the time of
// rendering.
type tracer struct {
	mu sync.Mutex

	events     []trace.Event
	unitEvents map[unitSubject][]trace.Event
	pids       map[string]int

	// firstEvent is used to store the time of the first observed
	// event so that the offsets in the trace are meaningful.
	firstEvent time.Time
}

func newTracer() *tracer {
	return &tracer{
		unitEvents: make(map[unitSubject][]trace.Event),
		pids:       make(map[string]int),
	}
}

// Event logs an event for the given unit subject, as processed by
// worker tid in process proc. Ph is as in Chrome's tracing format.
// Arguments is list of interleaved key-value pairs that are attached
// as event metadata. Args must be of even length.
func (t *tracer) Event(proc string, tid int, subject unitSubject, ph string, args ...interface{}) {
	if t == nil {
		return
	}
	event := makeEvent(ph, args)
	t.mu.Lock()
	defer t.mu.Unlock()
	event.Ts = t.sinceFirst(time.Now())
	event.Pid = t.pid(proc, event.Ts)
	event.Tid = tid + 1
	event.Name = subject.String()
	event.Cat = "unit"
	t.unitEvents[subject] = append(t.unitEvents[subject], event)
}

// Complete logs a complete event (X) that began at start and lasted
// dur. It is used for events that were observed by other processes,
// e.g., the reading of a unit by a fleet worker.
func (t *tracer) Complete(proc string, tid int, subject unitSubject, cat string, start time.Time, dur time.Duration, args ...interface{}) {
	if t == nil {
		return
	}
	event := makeEvent("X", args)
	t.mu.Lock()
	defer t.mu.Unlock()
	event.Ts = t.sinceFirst(start)
	event.Pid = t.pid(proc, event.Ts)
	event.Tid = tid + 1
	event.Name = subject.String()
	event.Cat = cat
	event.Dur = dur.Nanoseconds() / 1e3
	if event.Dur == 0 {
		event.Dur = 1
	}
	t.events = append(t.events, event)
}

func makeEvent(ph string, args []interface{}) trace.Event {
	if len(args)%2 != 0 {
		panic("trace.Event: invalid arguments")
	}
	var event trace.Event
	event.Args = make(map[string]interface{}, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		event.Args[fmt.Sprint(args[i])] = args[i+1]
	}
	event.Ph = ph
	return event
}

// sinceFirst returns the offset of ts in microseconds. It must be
// called with t.mu held.
func (t *tracer) sinceFirst(ts time.Time) int64 {
	if t.firstEvent.IsZero() {
		t.firstEvent = ts
		return 0
	}
	off := ts.Sub(t.firstEvent).Nanoseconds() / 1e3
	if off < 0 {
		off = 0
	}
	return off
}

// pid returns the Chrome process ID for proc, attaching "process"
// name metadata the first time the process is seen. It must be
// called with t.mu held.
func (t *tracer) pid(proc string, ts int64) int {
	pid, ok := t.pids[proc]
	if !ok {
		pid = len(t.pids)
		t.pids[proc] = pid
		t.events = append(t.events, trace.Event{
			Pid:  pid,
			Ts:   ts,
			Ph:   "M",
			Name: "process_name",
			Args: map[string]interface{}{
				"name": proc,
			},
		})
	}
	return pid
}

// Marshal writes the trace captured by t into the writer w in
// Chrome's event tracing format.
func (t *tracer) Marshal(w io.Writer) error {
	t.mu.Lock()
	events := make([]trace.Event, len(t.events))
	copy(events, t.events)
	for _, v := range t.unitEvents {
		events = appendCoalesce(events, v)
	}
	t.mu.Unlock()

	return (&trace.T{Events: events}).Encode(w)
}

// appendCoalesce appends a set of events on the provided list,
// first coalescing events so that "B" and "E" events are matched
// into a single "X" event. This produces more visually compact (and
// useful) trace visualizations. appendCoalesce also prunes orphan
// events.
func appendCoalesce(list []trace.Event, events []trace.Event) []trace.Event {
	var begIndex = -1
	for _, event := range events {
		if event.Ph == "B" && begIndex < 0 {
			begIndex = len(list)
		}
		if event.Ph == "E" && begIndex >= 0 {
			list[begIndex].Ph = "X"
			list[begIndex].Dur = event.Ts - list[begIndex].Ts
			if list[begIndex].Dur == 0 {
				list[begIndex].Dur = 1
			}
			for k, v := range event.Args {
				if _, ok := list[begIndex].Args[k]; !ok {
					list[begIndex].Args[k] = v
				}
			}
			begIndex = -1
		} else if event.Ph != "E" {
			list = append(list, event)
		} // drop unmatched "E"s
	}
	if begIndex >= 0 {
		// We have an unmatched "B". Drop it.
		copy(list[begIndex:], list[begIndex+1:])
		list = list[:len(list)-1]
	}
	return list
}

func writeTraceFile(tracer *tracer, path string) {
	w, err := os.Create(path)
	if err != nil {
		log.Error.Printf("error creating trace file at %q: %v", path, err)
		return
	}
	defer func() {
		if closeErr := w.Close(); closeErr != nil {
			log.Error.Printf("error closing trace file at %q: %v", path, closeErr)
			return
		}
	}()
	err = tracer.Marshal(w)
	if err != nil {
		log.Error.Printf("error marshaling to trace file at %q: %v", path, err)
		return
	}
}
