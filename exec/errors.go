// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"sort"
	"strings"

	"github.com/grailbio/base/errors"
)

// A UnitError reports the failure to process a single unit, either
// because it could not be read, or because the per-unit function
// returned an error or panicked. Unit errors are reported as
// diagnostics; they never abort the processing of other units.
type UnitError struct {
	Unit int
	Err  error
}

// Error implements error.
func (e *UnitError) Error() string {
	return fmt.Sprintf("unit %d: %v", e.Unit, e.Err)
}

// Cause returns the underlying error, for use with errors.Is and
// friends.
func (e *UnitError) Cause() error { return e.Err }

// A CancelledError is returned by Apply when cancellation caused
// one or more units to be skipped. Skipped lists the skipped units
// in ascending order.
type CancelledError struct {
	Skipped []int
}

// Error implements error.
func (e *CancelledError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "computation cancelled: %d units skipped", len(e.Skipped))
	if len(e.Skipped) > 0 {
		b.WriteString(" (")
		b.WriteString(abbrevUnits(e.Skipped, 10))
		b.WriteString(")")
	}
	return b.String()
}

// IsCancelled tells whether err is (or wraps, as the cause of a
// *errors.Error) a *CancelledError.
func IsCancelled(err error) bool {
	_, ok := AsCancelled(err)
	return ok
}

// AsCancelled returns the *CancelledError underlying err, if any.
func AsCancelled(err error) (*CancelledError, bool) {
	for err != nil {
		switch e := err.(type) {
		case *CancelledError:
			return e, true
		case *errors.Error:
			err = e.Err
		default:
			return nil, false
		}
	}
	return nil, false
}

func newCancelledError(skipped []int) *CancelledError {
	skipped = append([]int(nil), skipped...)
	sort.Ints(skipped)
	return &CancelledError{Skipped: skipped}
}

// abbrevUnits renders at most max unit IDs from units.
func abbrevUnits(units []int, max int) string {
	var b strings.Builder
	for i, unit := range units {
		if i == max {
			fmt.Fprintf(&b, ", ... %d more", len(units)-max)
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprint(&b, unit)
	}
	return b.String()
}
