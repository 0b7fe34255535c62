// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"testing"
	"time"

	"github.com/grailbio/bigchunk/internal/trace"
)

func unmarshalTrace(t *testing.T, tr *tracer) []trace.Event {
	t.Helper()
	var b bytes.Buffer
	if err := tr.Marshal(&b); err != nil {
		t.Fatal(err)
	}
	var decoded trace.T
	if err := decoded.Decode(&b); err != nil {
		t.Fatal(err)
	}
	return decoded.Events
}

func TestTracerCoalesce(t *testing.T) {
	tr := newTracer()
	tr.Event("exec.Local", 0, unitSubject{0, 1}, "B")
	tr.Event("exec.Local", 0, unitSubject{0, 1}, "E", "error", "boom")
	// Orphans are pruned.
	tr.Event("exec.Local", 1, unitSubject{0, 2}, "B")
	tr.Event("exec.Local", 1, unitSubject{0, 3}, "E")

	var units []trace.Event
	for _, event := range unmarshalTrace(t, tr) {
		if event.Cat == "unit" {
			units = append(units, event)
		}
	}
	if got, want := len(units), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	event := units[0]
	if got, want := event.Ph, "X"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := event.Name, "0/1"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := event.Tid, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if event.Dur < 1 {
		t.Errorf("nonpositive duration %d", event.Dur)
	}
	if got, want := event.Args["error"], "boom"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTracerComplete(t *testing.T) {
	tr := newTracer()
	start := time.Now()
	tr.Event("exec.Fleet(command)", 0, unitSubject{0, 0}, "B")
	tr.Complete("worker 1", 0, unitSubject{0, 0}, "read", start, 3*time.Millisecond)
	tr.Complete("worker 1", 0, unitSubject{0, 1}, "read", start, 0)

	var (
		procs = make(map[int]string)
		reads []trace.Event
	)
	for _, event := range unmarshalTrace(t, tr) {
		switch {
		case event.Ph == "M":
			procs[event.Pid] = event.Args["name"].(string)
		case event.Cat == "read":
			reads = append(reads, event)
		}
	}
	if got, want := len(procs), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := len(reads), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for _, event := range reads {
		if got, want := procs[event.Pid], "worker 1"; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if got, want := reads[0].Dur, int64(3000); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := reads[1].Dur, int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTracerNil(t *testing.T) {
	var tr *tracer
	tr.Event("exec.Local", 0, unitSubject{0, 0}, "B")
	tr.Complete("worker 0", 0, unitSubject{0, 0}, "read", time.Now(), time.Second)
}
