// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/base/config"
	"github.com/grailbio/bigchunk/diag"
	"github.com/grailbio/bigmachine"
)

func init() {
	config.Register("bigchunk", func(inst *config.Constructor) {
		sess := newSession()
		inst.IntVar(&sess.p, "parallelism", 1, "parallelism of the local engine")
		var (
			system      bigmachine.System
			fleet       string
			workers     int
			handlerMode string
		)
		inst.InstanceVar(&system, "system", "", "the bigmachine system on which fleet workers run")
		inst.StringVar(&fleet, "fleet-command", "", "the command used to launch fleet workers; the current binary if empty")
		inst.IntVar(&workers, "workers", 0, "the number of fleet workers; the local engine is used if zero")
		inst.StringVar(&sess.workDir, "work-dir", DefaultWorkDir, "the directory (or URL) shared by fleet workers")
		inst.StringVar(&handlerMode, "error-handler", diag.TerseConsole.String(), "the diagnostics handler: terse, verbose, terse-file, or verbose-file")
		inst.StringVar(&sess.handlerPath, "log-file", diag.DefaultLogFile, "the file to which file handlers append")
		inst.BoolVar(&sess.showProgress, "progress", false, "render progress bars")
		inst.Doc = "bigchunk configures the bigchunk runtime"
		inst.New = func() (interface{}, error) {
			mode, err := diag.ParseMode(handlerMode)
			if err != nil {
				return nil, err
			}
			sess.handlerMode = mode
			var e Engine
			switch {
			case system != nil && workers > 0:
				e = NewMachines(system, workers)
			case workers > 0:
				e = NewFleet(fleet, workers)
			default:
				e = NewLocal(sess.p)
			}
			if f, ok := e.(*FleetEngine); ok {
				f.SetWorkDir(sess.workDir)
			}
			sess.start(e)
			return sess, nil
		}
	})
}
