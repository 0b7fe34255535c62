// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigchunk defines the contracts of a chunk-parallel execution
	engine. A partitioned dataset is represented by a Source: a fixed
	number of independently readable units ("chunks"). A computation is
	a Func that is applied to every unit of a Source. The engines in
	package github.com/grailbio/bigchunk/exec schedule these applications,
	either within the process on a pool of workers, or on a fleet of
	separately launched worker processes.

	Because Go cannot serialize code, sources that are processed by a
	fleet of workers must be constructed by jobs (bigchunk.Job), and all
	jobs must be registered before execution is started. Jobs are
	registered in a deterministic order and are named by their index, so
	that a worker process running the same binary can reconstruct the
	source from a serialized invocation:

		var Tiles = bigchunk.Job(func(dir string, n int) bigchunk.Source {
			return &tileSource{dir, n}
		})

		func main() {
			sess := exec.Start(exec.Fleet("mybinary fleet-worker", 8))
			src := Tiles.Invocation("/data/tiles", 1024).Source()
			err := sess.Apply(ctx, src, func(ctx context.Context, unit int, p bigchunk.Payload, mu *sync.Mutex) error {
				mu.Lock()
				defer mu.Unlock()
				...
			})
		}

	The per-unit function is always invoked in the process that calls
	Apply; fleet workers only read (compute) the units assigned to them
	and deposit the payloads in a shared work directory.
*/
package bigchunk
