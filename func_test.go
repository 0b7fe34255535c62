// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigchunk

import (
	"bytes"
	"context"
	"encoding/gob"
	"strings"
	"testing"
)

type testStruct struct{ Field int }

type testInterface interface{ FuncTestMethod() }
type testInterfaceImpl struct{}

func (testInterfaceImpl) FuncTestMethod() {}

var (
	fnTestRepeat = Job(func(s string, n int) Source {
		return SourceFunc(n, func(ctx context.Context, unit int) (Payload, error) {
			return strings.Repeat(s, unit), nil
		})
	})
	fnTestArgs = Job(func(ss []string, ts testStruct, ti testInterface) Source {
		return SourceFunc(len(ss)+ts.Field, func(ctx context.Context, unit int) (Payload, error) {
			return nil, nil
		})
	})
	fnTestNil = Job(func() Source { return nil })
)

func TestJob(t *testing.T) {
	if got, want := fnTestRepeat.NumIn(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := fnTestRepeat.In(0).String(), "string"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	src := fnTestRepeat.Invocation("ab", 4).Source()
	if got, want := src.NumUnits(), 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	payload, err := src.Read(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := payload, Payload("ababab"); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := src.Invocation().Job, uint64(fnTestRepeat.index); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if JobByIndex(uint64(NumJobs())) != nil {
		t.Error("unexpected job")
	}
	if got, want := JobByIndex(uint64(fnTestArgs.index)), fnTestArgs; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestJobTypecheck(t *testing.T) {
	for _, args := range [][]interface{}{
		{"ab"},
		{"ab", "cd"},
		{1, 2},
		{"ab", 1, 2},
	} {
		if _, err := fnTestRepeat.Apply(args...); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic")
			}
		}()
		fnTestRepeat.Invocation(1, "ab")
	}()
	if _, err := fnTestArgs.Apply([]string{"a"}, testStruct{1}, testInterfaceImpl{}); err != nil {
		t.Error(err)
	}
	if _, err := fnTestArgs.Apply([]string{"a"}, testStruct{1}, nil); err == nil {
		t.Error("expected error")
	}
	if _, err := fnTestNil.Apply(); err == nil || !strings.Contains(err.Error(), "nil source") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestJobPanics(t *testing.T) {
	for _, fn := range []interface{}{
		1,
		func() int { return 0 },
		func() (Source, error) { return nil, nil },
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("%T: expected panic", fn)
				}
			}()
			Job(fn)
		}()
	}
}

func TestInvocationGob(t *testing.T) {
	inv := fnTestArgs.Invocation([]string{"a", "b"}, testStruct{3}, testInterfaceImpl{})
	gob.Register(testInterfaceImpl{})
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(inv); err != nil {
		t.Fatal(err)
	}
	var decoded Invocation
	if err := gob.NewDecoder(&b).Decode(&decoded); err != nil {
		t.Fatal(err)
	}
	src, err := decoded.Invoke()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := src.NumUnits(), 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	decoded.Job = uint64(NumJobs())
	if _, err := decoded.Invoke(); err == nil || !strings.Contains(err.Error(), "invalid job index") {
		t.Errorf("unexpected error %v", err)
	}
}
