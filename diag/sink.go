// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package diag

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// item is a queued element: either an entry, handled by the sink's
// handler, or raw console text.
type item struct {
	entry Entry
	text  string
	raw   bool
}

// A Sink accumulates diagnostics posted from any goroutine and emits
// them only when its owner calls Drain. Producers thus never perform
// I/O themselves, and output from concurrent producers is never
// interleaved within a line. Items are emitted in the order in which
// they were posted.
//
// A Sink has a single owner, typically the goroutine orchestrating an
// engine's Apply. Only the owner may call Drain.
type Sink struct {
	mu      sync.Mutex
	queue   []item
	handler Handler
	console io.Writer
	pending chan struct{}

	// emitMu serializes emission so that concurrent drains (which
	// indicate misuse) cannot reorder output.
	emitMu sync.Mutex
}

// NewSink returns a new sink that emits entries through the provided
// handler and raw text to the provided console (os.Stderr if nil).
// A nil handler is replaced by a terse console handler writing to the
// same console.
func NewSink(h Handler, console io.Writer) *Sink {
	if console == nil {
		console = os.Stderr
	}
	if h == nil {
		h = NewHandler(TerseConsole, "", console)
	}
	return &Sink{
		handler: h,
		console: console,
		pending: make(chan struct{}, 1),
	}
}

// SetHandler replaces the sink's handler. Entries already queued are
// emitted by the new handler.
func (s *Sink) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Post queues an entry.
func (s *Sink) Post(e Entry) {
	s.enqueue(item{entry: e})
}

// Print queues raw console text, such as a rendered progress bar.
func (s *Sink) Print(text string) {
	s.enqueue(item{text: text, raw: true})
}

// Errorf posts an error entry with the given origin.
func (s *Sink) Errorf(origin, format string, args ...interface{}) {
	s.Post(Entry{Severity: Error, Message: fmt.Sprintf(format, args...), Origin: origin})
}

// Warningf posts a warning entry with the given origin.
func (s *Sink) Warningf(origin, format string, args ...interface{}) {
	s.Post(Entry{Severity: Warning, Message: fmt.Sprintf(format, args...), Origin: origin})
}

// Infof posts an informational entry with the given origin.
func (s *Sink) Infof(origin, format string, args ...interface{}) {
	s.Post(Entry{Severity: Info, Message: fmt.Sprintf(format, args...), Origin: origin})
}

// Debugf posts a debug entry with the given origin.
func (s *Sink) Debugf(origin, format string, args ...interface{}) {
	s.Post(Entry{Severity: Debug, Message: fmt.Sprintf(format, args...), Origin: origin})
}

func (s *Sink) enqueue(it item) {
	s.mu.Lock()
	s.queue = append(s.queue, it)
	s.mu.Unlock()
	select {
	case s.pending <- struct{}{}:
	default:
	}
}

// Pending returns a channel that receives a value whenever items have
// been posted since the last receive. Owners may select on it to
// drain promptly.
func (s *Sink) Pending() <-chan struct{} {
	return s.pending
}

// Len returns the number of queued items.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Drain emits all queued items in post order. It returns the number
// of items emitted.
func (s *Sink) Drain() int {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.mu.Lock()
	queue, h, console := s.queue, s.handler, s.console
	s.queue = nil
	s.mu.Unlock()
	for _, it := range queue {
		if it.raw {
			io.WriteString(console, it.text) // nolint: errcheck
			continue
		}
		h.Handle(it.entry)
	}
	return len(queue)
}
