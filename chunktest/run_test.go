// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package chunktest_test

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"strings"
	"testing"

	"github.com/grailbio/bigchunk"
	"github.com/grailbio/bigchunk/chunktest"
	"github.com/grailbio/bigchunk/stats"
)

func randString(r *rand.Rand, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(byte('a' + r.Intn(26)))
	}
	return b.String()
}

func TestCollect(t *testing.T) {
	const n = 100
	var (
		r     = rand.New(rand.NewSource(0))
		words = make([]string, n)
	)
	for i := range words {
		words[i] = randString(r, 1+r.Intn(10))
	}
	src := bigchunk.SourceFunc(n, func(ctx context.Context, unit int) (bigchunk.Payload, error) {
		return words[unit], nil
	})
	payloads := chunktest.Collect(t, src)
	got := make([]string, len(payloads))
	for i := range payloads {
		got[i] = payloads[i].(string)
	}
	if want := words; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFaulty(t *testing.T) {
	src := bigchunk.SourceFunc(5, func(ctx context.Context, unit int) (bigchunk.Payload, error) {
		return unit, nil
	})
	src = chunktest.Faulty(src, map[int]error{1: errors.New("bad"), 3: errors.New("worse")})
	var rec chunktest.Recorder
	counts := chunktest.Run(t, src, rec.Func)
	if got, want := rec.Units(), []int{0, 2, 4}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := counts[stats.Failed], int64(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := rec.Payloads(5), []bigchunk.Payload{0, nil, 2, nil, 4}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func ExamplePrint() {
	src := bigchunk.SourceFunc(4, func(ctx context.Context, unit int) (bigchunk.Payload, error) {
		if unit == 2 {
			return nil, errors.New("no such chunk")
		}
		return strings.Repeat("#", unit+1), nil
	})
	chunktest.Print(src, 3)
	// Output:
	// 0: #
	// 1: ##
	// 2: error: no such chunk
	// 3: ####
}
