// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package chunktest

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/grailbio/bigchunk"
	"github.com/grailbio/bigchunk/exec"
)

// Print reads every unit of src and prints its payload to stdout, one
// line per unit, in unit order. This is useful for use in examples,
// as we can rely on the deterministic order in our expected output.
// Print uses local evaluation with parallelism p, so all user
// functions are executed within the same process. Units that fail
// are printed with their errors.
func Print(src bigchunk.Source, p int) {
	sess := exec.Start(exec.Local, exec.Parallelism(p))
	defer sess.Shutdown()
	var (
		lines = make(map[int]string)
		ctx   = context.Background()
	)
	read := bigchunk.SourceFunc(src.NumUnits(), func(ctx context.Context, unit int) (bigchunk.Payload, error) {
		payload, err := src.Read(ctx, unit)
		if err != nil {
			return fmt.Sprintf("error: %v", err), nil
		}
		return fmt.Sprint(payload), nil
	})
	err := sess.Apply(ctx, read, func(ctx context.Context, unit int, payload bigchunk.Payload, mu *sync.Mutex) error {
		mu.Lock()
		lines[unit] = payload.(string)
		mu.Unlock()
		return nil
	})
	if err != nil {
		log.Panicf("unhandled error applying: %v", err)
	}
	units := make([]int, 0, len(lines))
	for unit := range lines {
		units = append(units, unit)
	}
	sort.Ints(units)
	for _, unit := range units {
		fmt.Printf("%d: %s\n", unit, lines[unit])
	}
}
