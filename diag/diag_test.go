// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package diag

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
)

var entries = []Entry{
	{Severity: Fatal, Message: "boom", Origin: "engine", Code: 3},
	{Severity: Error, Message: "unit 3: failed", Origin: "exec.Local"},
	{Severity: Warning, Message: "slow", Code: 7},
	{Severity: Info, Message: "hello"},
	{Severity: Debug, Message: "details", Origin: "worker 1"},
}

func handle(h Handler) {
	for _, e := range entries {
		h.Handle(e)
	}
}

func TestConsoleHandlers(t *testing.T) {
	for _, c := range []struct {
		mode Mode
		want string
	}{
		{
			TerseConsole,
			"[ERROR] boom\n[ERROR] unit 3: failed\n[WARNING] slow\n## hello\n",
		},
		{
			VerboseConsole,
			"[ERROR] boom [in engine] (3)\n" +
				"[ERROR] unit 3: failed [in exec.Local]\n" +
				"[WARNING] slow (7)\n" +
				"[INFO] hello\n" +
				"[DEBUG] details [in worker 1]\n",
		},
	} {
		var b bytes.Buffer
		handle(NewHandler(c.mode, "", &b))
		if got, want := b.String(), c.want; got != want {
			t.Errorf("%s: got %q, want %q", c.mode, got, want)
		}
	}
}

func TestFileHandlers(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	for _, c := range []struct {
		mode Mode
		want string
	}{
		{
			TerseFile,
			"Error: boom\nError: unit 3: failed\nWarning: slow\n## hello\n",
		},
		{
			VerboseFile,
			"Error message: boom [in engine] (3)\n" +
				"Error message: unit 3: failed [in exec.Local]\n" +
				"Warning message: slow (7)\n" +
				"Info message: hello\n" +
				"Debug message: details [in worker 1]\n",
		},
	} {
		path := filepath.Join(dir, c.mode.String()+".log")
		var console bytes.Buffer
		h := NewHandler(c.mode, path, &console)
		handle(h)
		// Appends across handlers.
		handle(NewHandler(c.mode, path, &console))
		if got, want := console.Len(), 0; got != want {
			t.Errorf("%s: wrote %d bytes to console", c.mode, got)
		}
		p, err := ioutil.ReadFile(path)
		assert.NoError(t, err)
		if got, want := string(p), c.want+c.want; got != want {
			t.Errorf("%s: got %q, want %q", c.mode, got, want)
		}
	}
}

func TestFileHandlerFallback(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	// A directory cannot be opened for writing.
	for _, c := range []struct {
		mode, fallback Mode
	}{
		{TerseFile, TerseConsole},
		{VerboseFile, VerboseConsole},
	} {
		var got, want bytes.Buffer
		handle(NewHandler(c.mode, dir, &got))
		handle(NewHandler(c.fallback, "", &want))
		if got.String() != want.String() {
			t.Errorf("%s: got %q, want %q", c.mode, got.String(), want.String())
		}
	}
	path := filepath.Join(dir, "nonexistent", "sub", "bigchunk.log")
	var console bytes.Buffer
	NewHandler(TerseFile, path, &console).Handle(Entry{Severity: Error, Message: "x"})
	if got, want := console.String(), "[ERROR] x\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected %s to not exist, got %v", path, err)
	}
}

func TestParseMode(t *testing.T) {
	for _, mode := range []Mode{TerseConsole, VerboseConsole, TerseFile, VerboseFile} {
		got, err := ParseMode(mode.String())
		assert.NoError(t, err)
		if got != mode {
			t.Errorf("got %v, want %v", got, mode)
		}
	}
	if _, err := ParseMode("loud"); err == nil {
		t.Error("expected error")
	}
	var m Mode
	assert.NoError(t, m.Set("Verbose-File"))
	if got, want := m, VerboseFile; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSeverity(t *testing.T) {
	for s := Fatal; s <= Debug; s++ {
		got, err := ParseSeverity(s.String())
		assert.NoError(t, err)
		if got != s {
			t.Errorf("got %v, want %v", got, s)
		}
	}
	if got, want := Severity(10).String(), "Severity(10)"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSinkDrain(t *testing.T) {
	var b bytes.Buffer
	s := NewSink(NewHandler(VerboseConsole, "", &b), &b)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Errorf("worker 0", "first")
		s.Print("raw\r")
		s.Infof("", "second")
	}()
	wg.Wait()
	if got, want := b.Len(), 0; got != want {
		t.Fatalf("emitted %d bytes before drain", got)
	}
	select {
	case <-s.Pending():
	default:
		t.Error("expected pending notification")
	}
	if got, want := s.Drain(), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := b.String(), "[ERROR] first [in worker 0]\nraw\r[INFO] second\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := s.Drain(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSinkOrder(t *testing.T) {
	var b bytes.Buffer
	s := NewSink(nil, &b)
	const (
		N = 8
		M = 100
	)
	var wg sync.WaitGroup
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < M; j++ {
				s.Warningf("", "%d %d", i, j)
			}
		}(i)
	}
	wg.Wait()
	s.Drain()
	lines := strings.Split(strings.TrimSuffix(b.String(), "\n"), "\n")
	if got, want := len(lines), N*M; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	// Each producer's lines appear in the order they were posted.
	next := make([]int, N)
	for _, line := range lines {
		var i, j int
		if _, err := fmt.Sscanf(line, "[WARNING] %d %d", &i, &j); err != nil {
			t.Fatalf("bad line %q: %v", line, err)
		}
		if got, want := j, next[i]; got != want {
			t.Errorf("producer %d: got %v, want %v", i, got, want)
		}
		next[i]++
	}
}

func TestSinkSetHandler(t *testing.T) {
	var terse, verbose bytes.Buffer
	s := NewSink(NewHandler(TerseConsole, "", &terse), &terse)
	s.Debugf("x", "queued")
	s.SetHandler(NewHandler(VerboseConsole, "", &verbose))
	s.Drain()
	if got, want := verbose.String(), "[DEBUG] queued [in x]\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := terse.Len(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
