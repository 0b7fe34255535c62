// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package chunkflags_test

import (
	"bytes"
	"flag"
	"io/ioutil"
	"testing"

	"github.com/grailbio/bigchunk/chunkflags"
	"github.com/grailbio/bigchunk/diag"
	"github.com/grailbio/bigchunk/exec"
)

func TestProvider(t *testing.T) {
	local := &chunkflags.Local{}
	if got, want := local.Name(), "local"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	internal := &chunkflags.Internal{}
	if got, want := internal.Name(), "internal"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	fleet := &chunkflags.Fleet{}
	if got, want := fleet.Name(), "fleet"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := fleet.Set("x=y"); err == nil {
		t.Errorf("expected an error")
	}
	if err := fleet.Set("command=/bin/worker -v"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got, want := fleet.Command, "/bin/worker -v"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	ec2 := &chunkflags.EC2{}
	if got, want := ec2.Name(), "EC2"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := ec2.Set("x=y"); err == nil {
		t.Errorf("expected an error")
	}
	if err := ec2.Set("dataspace=122"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFlags(t *testing.T) {
	tf := &chunkflags.Flags{}
	if err := tf.System.Set("local"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := tf.System.Set("local:an=option"); err == nil {
		t.Errorf("expected an error")
	}
	tf = &chunkflags.Flags{}
	if err := tf.System.Set("internal"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := tf.System.Set("internal:an=option"); err == nil {
		t.Errorf("expected an error")
	}
	tf = &chunkflags.Flags{}
	if err := tf.System.Set("fleet:command=true"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got, want := tf.System.String(), "fleet:command=true"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	tf = &chunkflags.Flags{}
	if err := tf.System.Set("ec2"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := tf.System.Set("ec2:an=option"); err == nil {
		t.Errorf("expected an error")
	}
	if err := tf.System.Set("ec2:dataspace=200,rootsize=10"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got, want := tf.System.String(), "EC2:dataspace=200,rootsize=10"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestProfile(t *testing.T) {
	chunkflags.RegisterSystemProfile("test-fleet", "fleet:command=true")
	tf := &chunkflags.Flags{}
	if err := tf.System.Set("test-fleet"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := tf.System.String(), "fleet:command=true"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	_, profiles := chunkflags.ProvidersAndProfiles()
	if got, want := profiles["test-fleet"], "fleet:command=true"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRegisterFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(ioutil.Discard)
	var bf chunkflags.Flags
	chunkflags.RegisterFlags(fs, &bf, "chunk-")
	if got, want := bf.System.String(), "internal"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if bf.System.Specified {
		t.Error("default system marked as specified")
	}
	err := fs.Parse([]string{
		"-chunk-parallelism=3",
		"-chunk-errors=verbose",
		"-chunk-progress",
		"-chunk-work-dir=/tmp/chunks",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := bf.Parallelism, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := bf.Errors, diag.VerboseConsole; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !bf.Progress {
		t.Error("progress not set")
	}
	if got, want := bf.WorkDir, "/tmp/chunks"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := fs.Parse([]string{"-chunk-errors=loud"}); err == nil {
		t.Error("expected an error")
	}
}

func TestExecOptions(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var bf chunkflags.Flags
	chunkflags.RegisterFlags(fs, &bf, "")
	if err := fs.Parse([]string{"-parallelism=2", "-errors=verbose"}); err != nil {
		t.Fatal(err)
	}
	options, err := bf.ExecOptions()
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	sess := exec.Start(append(options, exec.Console(&out))...)
	defer sess.Shutdown()
	if got, want := sess.Engine().Name(), "exec.Local"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := sess.MaxParallelism(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if sess.Status() == nil {
		t.Error("session has no status")
	}

	bf = chunkflags.Flags{}
	if _, err := bf.ExecOptions(); err == nil {
		t.Error("expected an error")
	}
}
