// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	osexec "os/exec"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigchunk"
	"github.com/grailbio/bigchunk/diag"
	"github.com/grailbio/bigmachine"
	"golang.org/x/sync/errgroup"
)

// workerRequest describes the workers to be launched for a job.
type workerRequest struct {
	JobPath string
	Ordinal int
	Count   int
	WorkDir string
}

// A Launcher runs the workers of a fleet engine.
type Launcher interface {
	// Name names the launcher.
	Name() string
	// Start starts the launcher as part of the provided session.
	Start(sess *Session) (shutdown func())
	// Launch runs req.Count workers for the job at req.JobPath, with
	// ordinals 0 through req.Count-1, and returns when all of them
	// have exited. Output and failures of individual workers are
	// reported to sink; they do not affect other workers. Failed is
	// indexed by ordinal and holds the errors of workers that failed
	// before ctx was done. Launch returns an error if any worker could
	// not be launched.
	Launch(ctx context.Context, req workerRequest, sink *diag.Sink) (failed []error, err error)
}

// commandLauncher launches workers as sh commands.
type commandLauncher struct {
	mu      sync.Mutex
	command string
}

func (*commandLauncher) Name() string { return "command" }

func (*commandLauncher) Start(*Session) func() { return nil }

func (c *commandLauncher) commandLine() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.command
}

func (c *commandLauncher) Launch(ctx context.Context, req workerRequest, sink *diag.Sink) ([]error, error) {
	command := c.commandLine()
	var (
		g      errgroup.Group
		failed = make([]error, req.Count)
	)
	for ordinal := 0; ordinal < req.Count; ordinal++ {
		ordinal := ordinal
		g.Go(func() error {
			origin := fmt.Sprintf("worker %d", ordinal)
			line := workerCommand(command, req.JobPath, ordinal, req.Count, req.WorkDir)
			cmd := osexec.CommandContext(ctx, "sh", "-c", line)
			stderr, err := cmd.StderrPipe()
			if err != nil {
				return err
			}
			log.Debug.Printf("%s: %s", origin, line)
			if err := cmd.Start(); err != nil {
				sink.Errorf(origin, "failed to start: %v", err)
				failed[ordinal] = err
				return errors.E(fmt.Sprintf("start %s", origin), err)
			}
			forward(stderr, sink, origin)
			if err := cmd.Wait(); err != nil && ctx.Err() == nil {
				sink.Errorf(origin, "worker failed: %v", err)
				failed[ordinal] = err
			}
			return nil
		})
	}
	err := g.Wait()
	return failed, err
}

// forward posts each line read from r to sink.
func forward(r io.Reader, sink *diag.Sink, origin string) {
	scan := bufio.NewScanner(r)
	for scan.Scan() {
		sink.Infof(origin, "%s", scan.Text())
	}
}

func init() {
	gob.Register(&fleetService{})
}

// fleetService is the bigmachine service that runs fleet workers on
// machines.
type fleetService struct {
	// Exported just satisfies gob's persnickety nature: we need at least
	// one exported field.
	Exported struct{}
}

// Run runs a fleet worker.
func (*fleetService) Run(ctx context.Context, req workerRequest, _ *struct{}) error {
	return RunWorker(ctx, req.JobPath, req.Ordinal, req.Count, req.WorkDir)
}

// NumJobs returns the number of jobs registered in the machine's
// binary, so that drivers can verify that jobs were registered
// deterministically.
func (*fleetService) NumJobs(ctx context.Context, _ struct{}, n *int) error {
	*n = bigchunk.NumJobs()
	return nil
}

// machineLauncher runs workers on bigmachine machines. Machines are
// started on first use and are retained for the lifetime of the
// session. Worker ordinals are distributed across machines in a
// round-robin fashion.
type machineLauncher struct {
	system bigmachine.System
	n      int

	b      *bigmachine.B
	status *status.Group

	mu       sync.Mutex
	machines []*bigmachine.Machine
}

func (m *machineLauncher) Name() string { return "bigmachine:" + m.system.Name() }

func (m *machineLauncher) Start(sess *Session) (shutdown func()) {
	m.b = bigmachine.Start(m.system)
	if status := sess.Status(); status != nil {
		m.status = status.Group("bigchunk machines")
	}
	return m.b.Shutdown
}

func (m *machineLauncher) Launch(ctx context.Context, req workerRequest, sink *diag.Sink) ([]error, error) {
	machines, err := m.start(ctx)
	if err != nil {
		return nil, err
	}
	var (
		g      errgroup.Group
		failed = make([]error, req.Count)
	)
	for ordinal := 0; ordinal < req.Count; ordinal++ {
		ordinal := ordinal
		mach := machines[ordinal%len(machines)]
		g.Go(func() error {
			req := req
			req.Ordinal = ordinal
			if err := mach.Call(ctx, "Fleet.Run", req, nil); err != nil && ctx.Err() == nil {
				sink.Errorf(fmt.Sprintf("worker %d", ordinal), "worker failed on %s: %v", mach.Addr, err)
				failed[ordinal] = err
			}
			return nil
		})
	}
	err = g.Wait()
	return failed, err
}

// start returns the launcher's machines, starting them if needed.
// Machines that fail to start are not included; start fails only if
// no machine could be started.
func (m *machineLauncher) start(ctx context.Context) ([]*bigmachine.Machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.machines) > 0 {
		return m.machines, nil
	}
	machines, err := m.b.Start(ctx, m.n, bigmachine.Services{"Fleet": &fleetService{}})
	if err != nil {
		return nil, err
	}
	var wg sync.WaitGroup
	started := make([]*bigmachine.Machine, len(machines))
	for i := range machines {
		i, mach := i, machines[i]
		var task *status.Task
		if m.status != nil {
			task = m.status.Start()
			task.Print("waiting for machine to boot")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if task != nil {
					task.Done()
				}
			}()
			<-mach.Wait(bigmachine.Running)
			if err := mach.Err(); err != nil {
				log.Printf("machine %s failed to start: %v", mach.Addr, err)
				return
			}
			var numJobs int
			if err := mach.Call(ctx, "Fleet.NumJobs", struct{}{}, &numJobs); err != nil {
				log.Error.Printf("machine %s: failed to verify jobs: %v", mach.Addr, err)
				mach.Cancel()
				return
			}
			if numJobs != bigchunk.NumJobs() {
				log.Panicf("machine %s has %d jobs, expected %d; check for local or non-deterministic Job creation",
					mach.Addr, numJobs, bigchunk.NumJobs())
			}
			log.Printf("machine %v is ready", mach.Addr)
			started[i] = mach
		}()
	}
	wg.Wait()
	for _, mach := range started {
		if mach != nil {
			m.machines = append(m.machines, mach)
		}
	}
	if len(m.machines) == 0 {
		return nil, errors.E(errors.Unavailable, "exec.Fleet: no machines could be started")
	}
	return m.machines, nil
}
