// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package progress implements progress reporters for long-running
// applications. Reporters are safe for concurrent use; rendering
// is coordinated with a diag.Sink so that progress bars never
// interleave with diagnostics.
package progress

import (
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/bigchunk/diag"
)

// Width is the number of cells in a rendered progress bar.
const Width = 50

// A Reporter tracks the fractional progress of an operation.
type Reporter interface {
	// Set sets the progress to the fraction f, clamped to [0, 1].
	Set(f float64)
	// Increment adds d to the current progress.
	Increment(d float64)
	// Fraction returns the current progress.
	Fraction() float64
	// Finalize sets the progress to 1 and terminates the reporter's
	// output. Finalize should be called by the owner of the
	// reporter's sink, after which the sink may be drained.
	Finalize()
}

// None is a Reporter that tracks progress but renders nothing.
var None Reporter = &none{}

type none struct {
	mu sync.Mutex
	f  float64
}

func (n *none) Set(f float64) {
	n.mu.Lock()
	n.f = clamp(f)
	n.mu.Unlock()
}

func (n *none) Increment(d float64) {
	n.mu.Lock()
	n.f = clamp(n.f + d)
	n.mu.Unlock()
}

func (n *none) Fraction() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.f
}

func (n *none) Finalize() { n.Set(1) }

// NewNone returns a fresh non-rendering reporter.
func NewNone() Reporter { return new(none) }

// A Bar is a Reporter that renders a textual progress bar as raw
// text to a diag.Sink.
type Bar struct {
	sink *diag.Sink

	mu   sync.Mutex
	f    float64
	last string
	done bool
}

// NewBar returns a new progress bar that renders to the provided
// sink.
func NewBar(sink *diag.Sink) *Bar {
	return &Bar{sink: sink}
}

// Set implements Reporter.
func (b *Bar) Set(f float64) {
	b.mu.Lock()
	b.f = clamp(f)
	b.render()
	b.mu.Unlock()
}

// Increment implements Reporter.
func (b *Bar) Increment(d float64) {
	b.mu.Lock()
	b.f = clamp(b.f + d)
	b.render()
	b.mu.Unlock()
}

// Fraction implements Reporter.
func (b *Bar) Fraction() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.f
}

// Finalize implements Reporter. It renders the completed bar followed
// by a newline, and then drains the sink. Subsequent calls to
// Finalize do nothing.
func (b *Bar) Finalize() {
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return
	}
	b.f = 1
	b.render()
	b.sink.Print("\n")
	b.done = true
	b.mu.Unlock()
	b.sink.Drain()
}

// render posts the bar if it differs from the last one posted. Each
// bar is a single sink item, so a drain never emits a partial bar or
// splits one with a diagnostic. Render must be called with b.mu held.
func (b *Bar) render() {
	if b.done {
		return
	}
	text := Render(b.f)
	if text == b.last {
		return
	}
	b.last = text
	b.sink.Print(text)
}

// Render returns the textual progress bar for fraction f:
// floor(Width*f) fill cells, a marker, padding to Width cells, and
// the truncated percentage, terminated by a carriage return. A
// complete bar carries its marker past the last cell.
func Render(f float64) string {
	f = clamp(f)
	fill := int(math.Floor(Width * f))
	var b strings.Builder
	b.Grow(Width + 10)
	b.WriteByte('[')
	b.WriteString(strings.Repeat("=", fill))
	b.WriteByte('>')
	if pad := Width - fill - 1; pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	b.WriteString("] ")
	b.WriteString(strconv.Itoa(int(100 * f)))
	b.WriteString(" %\r")
	return b.String()
}

func clamp(f float64) float64 {
	switch {
	case math.IsNaN(f), f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
