// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigchunk"
	"github.com/grailbio/bigchunk/metrics"
	"github.com/grailbio/bigmachine"
	"github.com/spaolacci/murmur3"
)

// DefaultWorkDir is the work directory used by fleet engines when
// none is configured.
var DefaultWorkDir = filepath.Join(os.TempDir(), "bigchunk")

// jobDescription is the serialized description of a fleet job. It
// is all that a worker process needs to compute its units.
type jobDescription struct {
	Invocation bigchunk.Invocation
	NumUnits   int
	Workers    int
	Key        string
}

// envelope is the stored result of reading a single unit.
type envelope struct {
	Unit    int
	Payload bigchunk.Payload
	// Err is the error encountered while reading the unit, if any.
	Err *errors.Error
	// Start and Duration record when and for how long the worker
	// read the unit.
	Start    time.Time
	Duration time.Duration
	// Scope holds the metrics recorded while reading the unit.
	Scope *metrics.Scope
}

// FleetEngine is an engine that delegates the reading of units to a
// fleet of independently launched worker processes. Workers share
// nothing but the work directory: each loads the serialized job
// description, computes the units assigned to its ordinal, and
// deposits one result per unit in the work directory. The
// orchestrating process then assembles the results, applying the
// per-unit function to each of them in turn.
//
// Sources processed by a fleet must be constructed by job
// invocations (see bigchunk.Job), so that workers can reconstruct
// them.
type FleetEngine struct {
	launcher Launcher

	mu      sync.Mutex
	workers int
	workDir string

	sess *Session
	busy slot
}

// NewFleet returns a fleet engine that launches workers processes,
// each with the provided command line, extended by the worker
// arguments (see RunWorkerArgs). If command is empty, the current
// binary is re-executed with WorkerArg.
func NewFleet(command string, workers int) *FleetEngine {
	if command == "" {
		command = DefaultFleetCommand()
	}
	return newFleet(&commandLauncher{command: command}, workers)
}

// NewMachines returns a fleet engine that runs its workers on
// machines started from the provided bigmachine system. The
// machines are started on first use and retained until the session
// is shut down. As with all bigmachine systems, the driver binary
// must start its session before performing any other work: in
// worker machines, starting the session does not return.
func NewMachines(system bigmachine.System, machines int) *FleetEngine {
	return newFleet(&machineLauncher{system: system, n: machines}, machines)
}

func newFleet(launcher Launcher, workers int) *FleetEngine {
	if workers <= 0 {
		panic("exec.NewFleet: workers <= 0")
	}
	return &FleetEngine{
		launcher: launcher,
		workers:  workers,
		workDir:  DefaultWorkDir,
	}
}

// SetCommand sets the command line used to launch workers. It
// panics if the engine does not launch workers by command. It must
// not be called while the engine is applying.
func (f *FleetEngine) SetCommand(command string) {
	l, ok := f.launcher.(*commandLauncher)
	if !ok {
		log.Panicf("exec.Fleet: engine launches workers with %s", f.launcher.Name())
	}
	l.mu.Lock()
	l.command = command
	l.mu.Unlock()
}

// SetWorkers sets the number of workers launched per application. It
// must not be called while the engine is applying.
func (f *FleetEngine) SetWorkers(n int) {
	if n <= 0 {
		panic("exec.Fleet: n <= 0")
	}
	f.mu.Lock()
	f.workers = n
	f.mu.Unlock()
}

// SetWorkDir sets the directory under which jobs and their results
// are stored. The directory must be accessible by all workers. It
// must not be called while the engine is applying.
func (f *FleetEngine) SetWorkDir(dir string) {
	f.mu.Lock()
	f.workDir = dir
	f.mu.Unlock()
}

// Name implements Engine.
func (f *FleetEngine) Name() string { return "exec.Fleet(" + f.launcher.Name() + ")" }

// Start implements Engine.
func (f *FleetEngine) Start(sess *Session) (shutdown func()) {
	f.sess = sess
	return f.launcher.Start(sess)
}

// MaxParallelism implements Engine.
func (f *FleetEngine) MaxParallelism() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workers
}

// Apply implements Engine.
func (f *FleetEngine) Apply(ctx context.Context, src bigchunk.Source, fn bigchunk.Func) error {
	if f.sess == nil {
		return errors.E(errors.Invalid, "exec.Fleet: engine not started")
	}
	release, err := f.acquire()
	if err != nil {
		return err
	}
	defer release()
	r := f.sess.newRun(f, src.NumUnits(), "<direct>")
	return r.finish(f.run(ctx, r, src, fn))
}

func (f *FleetEngine) acquire() (release func(), err error) {
	return f.busy.acquire("exec.Fleet")
}

// run must be called with the engine acquired.
func (f *FleetEngine) run(ctx context.Context, r *run, src bigchunk.Source, fn bigchunk.Func) error {
	invoked, ok := src.(bigchunk.Invoked)
	if !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("exec.Fleet: source %T was not constructed by a job invocation", src))
	}
	f.mu.Lock()
	workers, workDir := f.workers, f.workDir
	f.mu.Unlock()

	desc := jobDescription{
		Invocation: invoked.Invocation(),
		NumUnits:   src.NumUnits(),
		Workers:    workers,
	}
	key, err := jobKey(desc)
	if err != nil {
		return errors.E(errors.Invalid, "exec.Fleet: invalid job", err)
	}
	desc.Key = key
	store := &fileStore{Prefix: workDir}
	jobPath := store.jobPath(key)
	if err := put(ctx, jobPath, desc); err != nil {
		return errors.E("exec.Fleet: write job description", err)
	}
	defer func() {
		if err := store.clean(context.Background(), key); err != nil {
			log.Error.Printf("exec.Fleet: cleaning job %s: %v", key, err)
		}
	}()
	log.Printf("%s: launching %d workers for job %s (%d units)", f.Name(), workers, jobPath, desc.NumUnits)

	launchCtx, cancelLaunch := context.WithCancel(ctx)
	defer cancelLaunch()
	var (
		failed    []error
		launchErr error
		done      = make(chan struct{})
	)
	go func() {
		defer close(done)
		failed, launchErr = f.launcher.Launch(launchCtx, workerRequest{
			JobPath: jobPath,
			Count:   workers,
			WorkDir: workDir,
		}, r.sink)
	}()
	cancelled := r.orchestrate(ctx, done, cancelLaunch)
	<-done
	if launchErr != nil && !cancelled {
		r.sink.Errorf(r.origin, "launching workers: %v", launchErr)
	}
	return f.assemble(ctx, r, store, desc, fn, cancelled, failed)
}

// assemble applies fn to the result of each unit. Missing or failed
// results are unit failures. If the application was cancelled, units
// without results are skipped instead, unless their worker had
// already failed (as recorded in failed, indexed by ordinal); results
// that were deposited before the workers were stopped are still
// assembled.
func (f *FleetEngine) assemble(ctx context.Context, r *run, store *fileStore, desc jobDescription, fn bigchunk.Func, cancelled bool, failed []error) error {
	var (
		mu      sync.Mutex
		skipped []int
		// Results are read even if ctx is done.
		readCtx = context.Background()
	)
	cancelled = cancelled || ctx.Err() != nil
	for unit := 0; unit < desc.NumUnits; unit++ {
		ordinal := unit % desc.Workers
		var env envelope
		err := get(readCtx, store.resultPath(desc.Key, ordinal, unit), &env)
		switch {
		case err != nil && errors.Is(errors.NotExist, err) && ordinal < len(failed) && failed[ordinal] != nil:
			r.fail(unit, errors.E(errors.NotExist, fmt.Sprintf("worker %d failed", ordinal), failed[ordinal]))
			continue
		case err != nil && cancelled && errors.Is(errors.NotExist, err):
			skipped = append(skipped, unit)
			continue
		case err != nil:
			r.fail(unit, err)
			continue
		case env.Unit != unit:
			r.fail(unit, errors.E(errors.Integrity, fmt.Sprintf("result contains unit %d", env.Unit)))
			continue
		}
		if env.Scope != nil {
			r.scope.Merge(env.Scope)
		}
		proc := fmt.Sprintf("worker %d", ordinal)
		if env.Err != nil {
			r.sess.tracer.Complete(proc, 0, unitSubject{r.index, unit}, "read", env.Start, env.Duration, "error", env.Err.Error())
			r.fail(unit, env.Err)
			continue
		}
		r.sess.tracer.Complete(proc, 0, unitSubject{r.index, unit}, "read", env.Start, env.Duration)
		payload := env.Payload
		r.do(ctx, 0, unit, &mu, func(context.Context) (bigchunk.Payload, error) { return payload, nil }, fn)
		if r.sink.Len() > 0 {
			r.sink.Drain()
		}
	}
	if cancelled && len(skipped) > 0 {
		return newCancelledError(skipped)
	}
	return nil
}

var jobNonce uint64

// jobKey computes a key for the job desc. Keys are unique for each
// job within a process, and are salted with process identity, so
// that stale results in a work directory are never mistaken for
// those of the current job.
func jobKey(desc jobDescription) (string, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(desc); err != nil {
		return "", err
	}
	var salt [24]byte
	binary.LittleEndian.PutUint64(salt[:8], uint64(os.Getpid()))
	binary.LittleEndian.PutUint64(salt[8:16], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint64(salt[16:], atomic.AddUint64(&jobNonce, 1))
	b.Write(salt[:])
	return strconv.FormatUint(murmur3.Sum64(b.Bytes()), 16), nil
}

// RunWorker runs the fleet worker with the provided ordinal of count
// workers for the job described at jobPath, depositing its results
// in workDir. Each worker computes the units ordinal, ordinal+count,
// and so on, writing one result for each. Errors reading individual
// units are recorded in their results. RunWorker returns an error
// of severity errors.Fatal if the job description cannot be loaded or
// does not match the worker's arguments.
func RunWorker(ctx context.Context, jobPath string, ordinal, count int, workDir string) error {
	var desc jobDescription
	if err := get(ctx, jobPath, &desc); err != nil {
		return errors.E(errors.Fatal, fmt.Sprintf("exec.RunWorker: malformed job description %s", jobPath), err)
	}
	if count != desc.Workers || ordinal < 0 || ordinal >= count {
		return errors.E(errors.Fatal, fmt.Sprintf(
			"exec.RunWorker: worker %d of %d does not match job %s with %d workers",
			ordinal, count, desc.Key, desc.Workers))
	}
	src, err := desc.Invocation.Invoke()
	if err != nil {
		return errors.E(errors.Fatal, fmt.Sprintf("exec.RunWorker: job %s", desc.Key), err)
	}
	if n := src.NumUnits(); n != desc.NumUnits {
		return errors.E(errors.Fatal, fmt.Sprintf(
			"exec.RunWorker: job %s: source has %d units, expected %d", desc.Key, n, desc.NumUnits))
	}
	store := &fileStore{Prefix: workDir}
	for _, unit := range Assignment(ordinal, count, desc.NumUnits) {
		if err := ctx.Err(); err != nil {
			return err
		}
		env := envelope{Unit: unit, Start: time.Now(), Scope: new(metrics.Scope)}
		uctx := metrics.ScopedContext(ctx, env.Scope)
		err := protect(func() (err error) {
			env.Payload, err = src.Read(uctx, unit)
			return
		})
		env.Duration = time.Since(env.Start)
		if err != nil {
			env.Payload = nil
			env.Err = errors.Recover(err)
		}
		if err := put(ctx, store.resultPath(desc.Key, ordinal, unit), env); err != nil {
			return errors.E(fmt.Sprintf("exec.RunWorker: write result of unit %d", unit), err)
		}
	}
	return nil
}

// RunWorkerArgs runs a fleet worker from its command line arguments:
// job description path, worker ordinal, worker count, and work
// directory.
func RunWorkerArgs(ctx context.Context, args []string) error {
	if len(args) != 4 {
		return errors.E(errors.Fatal, fmt.Sprintf("exec.RunWorkerArgs: expected 4 arguments, got %d", len(args)))
	}
	ordinal, err := strconv.Atoi(args[1])
	if err != nil {
		return errors.E(errors.Fatal, "exec.RunWorkerArgs: invalid worker ordinal", err)
	}
	count, err := strconv.Atoi(args[2])
	if err != nil {
		return errors.E(errors.Fatal, "exec.RunWorkerArgs: invalid worker count", err)
	}
	return RunWorker(ctx, args[0], ordinal, count, args[3])
}

// MaybeRunWorker runs a fleet worker and exits if the binary was
// invoked by the default fleet command, that is, with WorkerArg as
// its first argument. Otherwise it returns immediately. Binaries
// that use the default fleet command must call MaybeRunWorker before
// performing any other work; chunkcmd.Main and chunkconfig.Parse do
// this.
func MaybeRunWorker() {
	if len(os.Args) < 2 || os.Args[1] != WorkerArg {
		return
	}
	if err := RunWorkerArgs(context.Background(), os.Args[2:]); err != nil {
		log.Fatalf("%s: %v", WorkerArg, err)
	}
	os.Exit(0)
}
