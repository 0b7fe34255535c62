// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import "testing"

func TestStats(t *testing.T) {
	coll := NewMap()
	var (
		x = coll.Int("x")
		_ = coll.Int("y")
	)
	if got, want := x.Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	x.Add(123)
	x.Add(123)
	if got, want := x.Get(), int64(123*2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	all := make(Values)
	coll.AddAll(all)
	coll.AddAll(all)
	if got, want := len(all), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all["x"], int64(123*4); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all["y"], int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCounts(t *testing.T) {
	c := NewCounts(10)
	for i := 0; i < 4; i++ {
		c.Start()
	}
	c.Finish(true)
	c.Finish(false)
	c.Fail()
	c.Skip(3)
	v := c.Snapshot()
	for _, check := range []struct {
		name string
		want int64
	}{
		{Units, 10},
		{Running, 2},
		{Done, 3},
		{Failed, 2},
		{Skipped, 3},
	} {
		if got, want := v[check.name], check.want; got != want {
			t.Errorf("%s: got %v, want %v", check.name, got, want)
		}
	}
	if got, want := v.Idle(), int64(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := v.String(), "done:3 failed:2 running:2 skipped:3 units:10"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
