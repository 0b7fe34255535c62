// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/diagnostic/dump"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigchunk"
	"github.com/grailbio/bigchunk/diag"
	"github.com/grailbio/bigchunk/metrics"
	"github.com/grailbio/bigchunk/stats"
	"github.com/grailbio/bigmachine"
)

// Session represents a bigchunk compute session. A session holds the
// engine that applies per-unit functions, together with the
// diagnostics sink, progress, status, and trace facilities that are
// shared by all of its applications. A session is valid for the run
// of the binary.
//
// A session is started by Start. All jobs (see bigchunk.Job) must be
// created before Start is called, and must be created in a
// deterministic order, so that fleet workers can reconstruct the
// sources they process. This is provided by default when jobs are
// created as part of package initialization:
//
//	var Tiles = bigchunk.Job(func(dir string, n int) bigchunk.Source {
//		...
//	})
//
//	func main() {
//		sess := exec.Start(exec.Fleet("", 8))
//		src := Tiles.Invocation(dir, n).Source()
//		if err := sess.Apply(ctx, src, fn); err != nil {
//			log.Fatal(err)
//		}
//	}
type Session struct {
	context.Context
	index   int32
	p       int
	workDir string
	eventer eventlog.Eventer
	status  *status.Status
	console io.Writer
	tracer  *tracer
	sink    *diag.Sink
	metrics metrics.Scope

	// nextApply is the index of the session's next application.
	nextApply int32

	tracePath         string
	handlerMode       diag.Mode
	handlerPath       string
	showProgress      bool
	pollInterval      time.Duration
	interruptInterval time.Duration

	// newEngine constructs the session's initial engine after all
	// options have been applied.
	newEngine func(*Session) Engine

	mu        sync.Mutex
	engine    Engine
	shutdowns []func()
	counts    *stats.Counts
}

func newSession() *Session {
	return &Session{
		Context:           backgroundcontext.Get(),
		index:             atomic.AddInt32(&nextSessionIndex, 1) - 1,
		eventer:           eventlog.Nop{},
		console:           os.Stderr,
		workDir:           DefaultWorkDir,
		pollInterval:      DefaultPollInterval,
		interruptInterval: DefaultInterruptInterval,
	}
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session with the local in-process engine. Its
// parallelism is configured by Parallelism.
var Local Option = func(s *Session) {
	s.newEngine = func(s *Session) Engine { return NewLocal(s.p) }
}

// Parallelism configures the session with the provided parallelism
// for the local engine.
func Parallelism(p int) Option {
	if p <= 0 {
		panic("exec.Parallelism: p <= 0")
	}
	return func(s *Session) {
		s.p = p
	}
}

// Fleet configures a session with a fleet engine that launches
// workers processes with the provided command. If command is empty,
// the current binary is re-executed in worker mode (see
// DefaultFleetCommand).
func Fleet(command string, workers int) Option {
	if workers <= 0 {
		panic("exec.Fleet: workers <= 0")
	}
	return func(s *Session) {
		s.newEngine = func(s *Session) Engine {
			f := NewFleet(command, workers)
			f.SetWorkDir(s.workDir)
			return f
		}
	}
}

// Machines configures a session with a fleet engine that runs
// workers on machines started by the provided bigmachine system.
func Machines(system bigmachine.System, machines int) Option {
	if machines <= 0 {
		panic("exec.Machines: machines <= 0")
	}
	return func(s *Session) {
		s.newEngine = func(s *Session) Engine {
			f := NewMachines(system, machines)
			f.SetWorkDir(s.workDir)
			return f
		}
	}
}

// WithEngine configures the session with the provided engine.
func WithEngine(e Engine) Option {
	return func(s *Session) {
		s.newEngine = func(*Session) Engine { return e }
	}
}

// WorkDir configures the work directory of the session's fleet
// engine. The directory may be any URL supported by grailfile.
func WorkDir(dir string) Option {
	return func(s *Session) {
		s.workDir = dir
	}
}

// ErrorHandler configures the handler of the session's diagnostics.
// Path is used by file handlers only.
func ErrorHandler(mode diag.Mode, path string) Option {
	return func(s *Session) {
		s.handlerMode = mode
		s.handlerPath = path
	}
}

// ShowProgress configures whether the session renders progress bars
// for its applications.
func ShowProgress(show bool) Option {
	return func(s *Session) {
		s.showProgress = show
	}
}

// Console configures the writer to which the session's console
// output (diagnostics and progress) is written. The default is
// os.Stderr.
func Console(w io.Writer) Option {
	return func(s *Session) {
		s.console = w
	}
}

// Status configures the session with a status object to which
// application statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status

		name := fmt.Sprintf("bigchunk-%02d-status", s.index)
		dump.Register(name, func(ctx context.Context, w io.Writer) error {
			return status.Marshal(w)
		})
	}
}

// Eventer configures the session with an Eventer that will be used to log
// session events (for analytics).
func Eventer(e eventlog.Eventer) Option {
	return func(s *Session) {
		s.eventer = e
	}
}

// TracePath configures the path to which a trace event file for the session
// will be written on shutdown.
func TracePath(path string) Option {
	return func(s *Session) {
		s.tracePath = path
	}
}

// Intervals configures the intervals at which applications poll for
// completion and check for cancellation.
func Intervals(poll, interrupt time.Duration) Option {
	if poll <= 0 || interrupt <= 0 {
		panic("exec.Intervals: nonpositive interval")
	}
	return func(s *Session) {
		s.pollInterval = poll
		s.interruptInterval = interrupt
	}
}

// nextSessionIndex is the index of the next session that will be started by
// Start. In general, there should be only one session per process, but we
// violate this in some tests.
var nextSessionIndex int32

// Start creates and starts a new bigchunk session, configuring it
// according to the provided options. The returned session remains
// valid until it is shut down. If no engine is configured, the
// session uses the local engine.
//
// Sessions using the Machines engine must be started before the
// binary performs other work: in worker machines, Start does not
// return.
func Start(options ...Option) *Session {
	s := newSession()
	for _, opt := range options {
		opt(s)
	}
	if s.p == 0 {
		s.p = 1
	}
	if s.newEngine == nil {
		s.newEngine = func(s *Session) Engine { return NewLocal(s.p) }
	}
	s.start(s.newEngine(s))
	return s
}

func (s *Session) start(e Engine) {
	s.sink = diag.NewSink(diag.NewHandler(s.handlerMode, s.handlerPath, s.console), s.console)
	s.tracer = newTracer()
	s.SetEngine(e)
	s.eventer.Event("bigchunk:sessionStart",
		"command", command(),
		"engine", e.Name(),
		"parallelism", e.MaxParallelism())

	name := fmt.Sprintf("bigchunk-%02d-trace", s.index)
	dump.Register(name, func(ctx context.Context, w io.Writer) error {
		return s.tracer.Marshal(w)
	})
}

// SetEngine starts the provided engine and installs it as the
// session's engine. The new engine is used by subsequent calls to
// Apply; applications in progress continue on the engine with which
// they started.
func (s *Session) SetEngine(e Engine) {
	shutdown := e.Start(s)
	s.mu.Lock()
	s.engine = e
	if shutdown != nil {
		s.shutdowns = append(s.shutdowns, shutdown)
	}
	s.mu.Unlock()
	log.Debug.Printf("bigchunk: session %d: engine %s", s.index, e.Name())
}

// Engine returns the session's current engine.
func (s *Session) Engine() Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// SetErrorHandler replaces the handler of the session's diagnostics.
func (s *Session) SetErrorHandler(mode diag.Mode, path string) {
	s.sink.SetHandler(diag.NewHandler(mode, path, s.console))
}

// Apply applies fn to every unit of src using the session's current
// engine. Apply returns a *CancelledError if ctx was cancelled before
// all units were attempted. Failures of individual units are
// reported to the session's diagnostics; their count is available
// from Counts.
func (s *Session) Apply(ctx context.Context, src bigchunk.Source, fn bigchunk.Func) error {
	return s.apply(ctx, caller(2), src, fn)
}

func (s *Session) apply(ctx context.Context, location string, src bigchunk.Source, fn bigchunk.Func) error {
	e := s.Engine()
	if x, ok := e.(runner); ok {
		release, err := x.acquire()
		if err != nil {
			return err
		}
		defer release()
		r := s.newRun(e, src.NumUnits(), location)
		return r.finish(x.run(ctx, r, src, fn))
	}
	r := s.newRun(e, src.NumUnits(), location)
	return r.finish(e.Apply(ctx, src, r.instrument(fn)))
}

// Must is a version of Apply that panics if the application fails.
func (s *Session) Must(ctx context.Context, src bigchunk.Source, fn bigchunk.Func) {
	if err := s.apply(ctx, caller(2), src, fn); err != nil {
		log.Panicf("exec.Apply: %v", err)
	}
}

// caller returns the file:line location of the caller skip frames
// up the stack.
func caller(skip int) string {
	if _, file, line, ok := runtime.Caller(skip); ok {
		return fmt.Sprintf("%s:%d", file, line)
	}
	return "<unknown>"
}

// MaxParallelism returns the maximum parallelism of the session's
// current engine.
func (s *Session) MaxParallelism() int {
	return s.Engine().MaxParallelism()
}

// Sink returns the session's diagnostics sink. Diagnostics posted to
// the sink are emitted when the session's applications drain it, or
// when its owner calls Drain.
func (s *Session) Sink() *diag.Sink {
	return s.sink
}

// Metrics returns the session's metrics scope. The metrics of each
// application are merged into it when the application completes.
func (s *Session) Metrics() *metrics.Scope {
	return &s.metrics
}

// Counts returns a snapshot of the unit counts of the session's most
// recently started application.
func (s *Session) Counts() stats.Values {
	s.mu.Lock()
	counts := s.counts
	s.mu.Unlock()
	if counts == nil {
		return stats.Values{}
	}
	return counts.Snapshot()
}

func (s *Session) setCounts(c *stats.Counts) {
	s.mu.Lock()
	s.counts = c
	s.mu.Unlock()
}

func (s *Session) nextRun() int {
	return int(atomic.AddInt32(&s.nextApply, 1) - 1)
}

func (s *Session) intervals() (poll, interrupt time.Duration) {
	return s.pollInterval, s.interruptInterval
}

// Parallelism returns the parallelism configured for the local
// engine.
func (s *Session) Parallelism() int {
	return s.p
}

// Shutdown tears down resources associated with this session.
// It should be called when the session is discarded.
func (s *Session) Shutdown() {
	s.mu.Lock()
	shutdowns := s.shutdowns
	s.shutdowns = nil
	s.mu.Unlock()
	for i := len(shutdowns) - 1; i >= 0; i-- {
		shutdowns[i]()
	}
	s.sink.Drain()
	if s.tracePath != "" {
		writeTraceFile(s.tracer, s.tracePath)
	}
}

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status {
	return s.status
}

// HandleDebug registers the session's debug handlers with the
// provided mux.
func (s *Session) HandleDebug(handler *http.ServeMux) {
	if s.tracer != nil {
		handler.HandleFunc("/debug/trace", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("content-type", "application/json; charset=utf-8")
			if err := s.tracer.Marshal(w); err != nil {
				log.Error.Printf("exec.Session: /debug/trace: marshal: %v", err)
			}
		})
	}
	handler.HandleFunc("/debug/counts", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, s.Counts())
	})
}
