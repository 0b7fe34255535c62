// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"sync"

	"github.com/grailbio/base/status"
	"github.com/grailbio/bigchunk/stats"
)

// statusMu is used to prevent interleaving of the status groups of
// concurrent applications.
var statusMu sync.Mutex

// printCounts prints the unit counts in vals to t.
func printCounts(t *status.Task, vals stats.Values) {
	if vals[stats.Failed] > 0 || vals[stats.Skipped] > 0 {
		// Provide a more detailed view if there are units that failed
		// or were skipped.
		t.Printf("units idle/running/done(failed)/skipped: %d/%d/%d(%d)/%d",
			vals.Idle(), vals[stats.Running], vals[stats.Done], vals[stats.Failed], vals[stats.Skipped])
		return
	}
	t.Printf("units idle/running/done: %d/%d/%d", vals.Idle(), vals[stats.Running], vals[stats.Done])
}
