// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigchunk

import (
	"encoding/gob"
	"fmt"
	"reflect"
	"sync/atomic"
)

func init() {
	gob.Register([]interface{}{})
}

var typeOfSource = reflect.TypeOf((*Source)(nil)).Elem()

var (
	// Jobs is the global registry of jobs. We rely on deterministic
	// registration order so that a worker process running the same
	// binary resolves the same index to the same job.
	jobs []*JobValue
	// JobsBusy is used to detect data races in registration.
	jobsBusy int32
)

// A JobValue represents a registered job, as returned by Job.
type JobValue struct {
	fn    reflect.Value
	args  []reflect.Type
	index int
}

// NumIn returns the number of input arguments to j.
func (j *JobValue) NumIn() int { return len(j.args) }

// In returns the i'th argument type of job j.
func (j *JobValue) In(i int) reflect.Type { return j.args[i] }

// Invocation creates an invocation representing the job j applied
// to the provided arguments. Invocation panics if the provided
// arguments do not match in type or arity.
func (j *JobValue) Invocation(args ...interface{}) Invocation {
	argTypes := make([]reflect.Type, len(args))
	for i, arg := range args {
		argTypes[i] = reflect.TypeOf(arg)
	}
	if err := j.typecheck(argTypes...); err != nil {
		panic(err)
	}
	return Invocation{Job: uint64(j.index), Args: args}
}

// Apply invokes the job j with the provided arguments, returning the
// constructed Source.
func (j *JobValue) Apply(args ...interface{}) (Source, error) {
	argv := make([]reflect.Value, len(args))
	argTypes := make([]reflect.Type, len(args))
	for i := range argv {
		argv[i] = reflect.ValueOf(args[i])
		argTypes[i] = argv[i].Type()
	}
	if err := j.typecheck(argTypes...); err != nil {
		return nil, err
	}
	out := j.fn.Call(argv)
	src, _ := out[0].Interface().(Source)
	if src == nil {
		return nil, fmt.Errorf("bigchunk: job %d returned a nil source", j.index)
	}
	return src, nil
}

func (j *JobValue) typecheck(args ...reflect.Type) error {
	if len(args) != len(j.args) {
		return fmt.Errorf("bigchunk: wrong number of arguments: job takes %d arguments, got %d",
			len(j.args), len(args))
	}
	for i := range args {
		expect, have := j.args[i], args[i]
		if have == nil {
			return fmt.Errorf("bigchunk: nil argument %d", i)
		}
		switch expect.Kind() {
		case reflect.Interface:
			if !have.Implements(expect) {
				return fmt.Errorf("bigchunk: wrong type for argument %d: type %s does not implement interface %s", i, have, expect)
			}
		default:
			if have != expect {
				return fmt.Errorf("bigchunk: wrong type for argument %d: expected %s, got %s", i, expect, have)
			}
		}
	}
	return nil
}

// Job registers a job from the provided function value, which must
// return a single Source. Jobs give engines a means to name sources
// across process boundaries: an Invocation of a job can be shipped to
// a worker process running the same binary, which then reconstructs
// the source by invoking the job itself.
//
// Jobs must be registered before execution starts, in a
// deterministic order; registering them as package-level variables
// satisfies both requirements.
func Job(fn interface{}) *JobValue {
	fv := reflect.ValueOf(fn)
	ftype := fv.Type()
	if ftype.Kind() != reflect.Func {
		panic(fmt.Sprintf("bigchunk.Job: argument to job is a %T, not a func", fn))
	}
	if ftype.NumOut() != 1 || ftype.Out(0) != typeOfSource {
		panic("bigchunk.Job: func must return a single bigchunk.Source")
	}
	v := new(JobValue)
	v.fn = fv
	for i := 0; i < ftype.NumIn(); i++ {
		typ := ftype.In(i)
		v.args = append(v.args, typ)
		if typ.Kind() != reflect.Interface {
			gob.Register(reflect.Zero(typ).Interface())
		}
	}
	if atomic.AddInt32(&jobsBusy, 1) != 1 {
		panic("bigchunk.Job: data race")
	}
	v.index = len(jobs)
	jobs = append(jobs, v)
	if atomic.AddInt32(&jobsBusy, -1) != 0 {
		panic("bigchunk.Job: data race")
	}
	return v
}

// JobByIndex returns the job registered at the given index, or nil
// if no such job exists.
func JobByIndex(index uint64) *JobValue {
	if index >= uint64(len(jobs)) {
		return nil
	}
	return jobs[index]
}

// NumJobs returns the number of registered jobs.
func NumJobs() int { return len(jobs) }

// Invocation represents an invocation of a job of the same binary.
// Invocations can be transmitted across process boundaries and thus
// may be invoked by worker processes.
type Invocation struct {
	Job  uint64
	Args []interface{}
}

// Invoke performs the job invocation, returning the constructed
// Source.
func (i Invocation) Invoke() (Source, error) {
	job := JobByIndex(i.Job)
	if job == nil {
		return nil, fmt.Errorf("bigchunk: invalid job index %d (%d jobs registered)", i.Job, len(jobs))
	}
	return job.Apply(i.Args...)
}

// Source invokes the job and returns its source, annotated with the
// invocation so that it may be processed by out-of-process engines.
// Source panics if the invocation fails.
func (i Invocation) Source() Invoked {
	src, err := i.Invoke()
	if err != nil {
		panic(err)
	}
	return &invokedSource{Source: src, inv: i}
}

// Invoked is a Source that was constructed by a job invocation.
type Invoked interface {
	Source
	// Invocation returns the invocation that constructed the source.
	Invocation() Invocation
}

type invokedSource struct {
	Source
	inv Invocation
}

func (s *invokedSource) Invocation() Invocation { return s.inv }
