// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigchunk"
	"github.com/grailbio/bigchunk/diag"
	"github.com/grailbio/bigchunk/internal/trace"
	"github.com/grailbio/bigchunk/stats"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
)

func init() {
	log.AddFlags()
}

// serialEngine is an engine that does not report through runs: it
// applies fn to each unit in turn.
type serialEngine struct {
	started bool
	stopped bool
}

func (*serialEngine) Name() string { return "serial" }

func (e *serialEngine) Start(*Session) func() {
	e.started = true
	return func() { e.stopped = true }
}

func (*serialEngine) MaxParallelism() int { return 1 }

func (*serialEngine) Apply(ctx context.Context, src bigchunk.Source, fn bigchunk.Func) error {
	var mu sync.Mutex
	for unit := 0; unit < src.NumUnits(); unit++ {
		payload, err := src.Read(ctx, unit)
		if err != nil {
			return err
		}
		// Unit failures are accounted for by the session.
		_ = fn(ctx, unit, payload, &mu)
	}
	return nil
}

type event struct {
	typ    string
	fields map[string]interface{}
}

type testEventer struct {
	mu     sync.Mutex
	events []event
}

func (e *testEventer) Event(typ string, fieldPairs ...interface{}) {
	fields := make(map[string]interface{})
	for i := 0; i+1 < len(fieldPairs); i += 2 {
		fields[fieldPairs[i].(string)] = fieldPairs[i+1]
	}
	e.mu.Lock()
	e.events = append(e.events, event{typ, fields})
	e.mu.Unlock()
}

func (e *testEventer) types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var types []string
	for _, ev := range e.events {
		types = append(types, ev.typ)
	}
	return types
}

func TestSessionDefaults(t *testing.T) {
	sess, _ := testSession(t)
	defer sess.Shutdown()
	if got, want := sess.Engine().Name(), "exec.Local"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := sess.Parallelism(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(sess.Counts()), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSessionSetEngine(t *testing.T) {
	sess, out := testSession(t, Parallelism(2))
	var r recorder
	sess.Must(context.Background(), squares(4), r.fn)

	custom := new(serialEngine)
	sess.SetEngine(custom)
	if !custom.started {
		t.Fatal("engine not started")
	}
	if got, want := sess.MaxParallelism(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	r = recorder{}
	err := sess.Apply(context.Background(), squares(5), func(ctx context.Context, unit int, p bigchunk.Payload, mu *sync.Mutex) error {
		if unit == 2 {
			return errors.New("bad unit")
		}
		return r.fn(ctx, unit, p, mu)
	})
	assert.NoError(t, err)
	if got, want := r.sorted(), []int{0, 1, 3, 4}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	counts := sess.Counts()
	if got, want := counts[stats.Done], int64(5); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := counts[stats.Failed], int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := out.String(), "[ERROR] unit 2: bad unit\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	sess.Shutdown()
	if !custom.stopped {
		t.Error("engine not shut down")
	}
}

func TestSessionProgress(t *testing.T) {
	sess, out := testSession(t, Parallelism(3), ShowProgress(true))
	defer sess.Shutdown()
	var r recorder
	sess.Must(context.Background(), squares(6), r.fn)
	got := out.String()
	if want := "[" + strings.Repeat("=", 50) + ">] 100 %\r\n"; !strings.HasSuffix(got, want) {
		t.Errorf("output %q does not end with %q", got, want)
	}
}

func TestSessionErrorHandler(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "errors.log")
	sess, out := testSession(t, ErrorHandler(diag.TerseFile, path))
	defer sess.Shutdown()
	fail := func(context.Context, int, bigchunk.Payload, *sync.Mutex) error {
		return errors.New("no good")
	}
	sess.Must(context.Background(), squares(1), fail)
	if got, want := out.String(), ""; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	b, err := ioutil.ReadFile(path)
	assert.NoError(t, err)
	if got, want := string(b), "Error: unit 0: no good\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	sess.SetErrorHandler(diag.VerboseConsole, "")
	sess.Must(context.Background(), squares(1), fail)
	if got, want := out.String(), "[ERROR] unit 0: no good [in exec.Local]\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSessionEvents(t *testing.T) {
	var eventer testEventer
	sess, _ := testSession(t, Parallelism(2), Eventer(&eventer))
	defer sess.Shutdown()
	var r recorder
	sess.Must(context.Background(), squares(3), r.fn)
	if got, want := eventer.types(), []string{"bigchunk:sessionStart", "bigchunk:applyStart", "bigchunk:applyDone"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	start := eventer.events[1].fields
	if got, want := start["units"], 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if loc := start["location"].(string); !strings.Contains(loc, "session_test.go:") {
		t.Errorf("unexpected location %q", loc)
	}
	done := eventer.events[2].fields
	if got, want := done["done"], int64(3); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := done["cancelled"], false; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSessionStatus(t *testing.T) {
	var st status.Status
	sess, _ := testSession(t, Parallelism(2), Status(&st))
	defer sess.Shutdown()
	var r recorder
	sess.Must(context.Background(), squares(4), r.fn)
	groups := st.Groups()
	if got, want := len(groups), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got := groups[0].Value().Title; !strings.HasPrefix(got, "apply ") || !strings.HasSuffix(got, " [0]") {
		t.Errorf("unexpected group title %q", got)
	}
}

func TestSessionTrace(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "trace.json")
	sess, _ := testSession(t, Parallelism(2), TracePath(path))
	var r recorder
	sess.Must(context.Background(), squares(4), r.fn)

	mux := http.NewServeMux()
	sess.HandleDebug(mux)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/debug/counts", nil))
	if got, want := w.Body.String(), "done:4 failed:0 running:0 skipped:0 units:4\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	sess.Shutdown()
	b, err := ioutil.ReadFile(path)
	assert.NoError(t, err)
	var decoded trace.T
	assert.NoError(t, decoded.Decode(bytes.NewReader(b)))
	var complete int
	for _, event := range decoded.Events {
		if event.Ph == "X" && event.Cat == "unit" {
			complete++
		}
	}
	if got, want := complete, 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
