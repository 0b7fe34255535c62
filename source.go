// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigchunk

import (
	"context"
	"sync"
)

// Payload is the opaque result of reading a single unit of a Source.
// The payload is owned by the Func to which it is handed for the
// duration of the Func's invocation. Payloads that cross process
// boundaries must be encodable by encoding/gob; their concrete types
// should be registered with gob.Register.
type Payload interface{}

// A Source is a partitioned dataset: a fixed number of addressable
// units, each of which can be read independently. Both methods must
// be safe to call concurrently from multiple goroutines.
type Source interface {
	// NumUnits returns the number of units in the source. Unit
	// identifiers are the integers [0, NumUnits()).
	NumUnits() int

	// Read reads the given unit.
	Read(ctx context.Context, unit int) (Payload, error)
}

// Func is a computation applied to a single unit. The mutex is shared
// by all invocations within the same application; the engine never
// synchronizes invocations itself, so implementations must hold mu
// while mutating state that is shared across units. A returned error
// (or a panic) marks the unit as failed; it does not affect the
// processing of any other unit.
type Func func(ctx context.Context, unit int, payload Payload, mu *sync.Mutex) error

// SourceFunc adapts a unit count and a read function to a Source.
func SourceFunc(n int, read func(ctx context.Context, unit int) (Payload, error)) Source {
	return &funcSource{n, read}
}

type funcSource struct {
	n    int
	read func(ctx context.Context, unit int) (Payload, error)
}

func (f *funcSource) NumUnits() int { return f.n }

func (f *funcSource) Read(ctx context.Context, unit int) (Payload, error) {
	return f.read(ctx, unit)
}
