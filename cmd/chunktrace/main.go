// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command chunktrace summarizes the trace file written by a bigchunk
// session (see exec.TracePath). For each application in the trace,
// chunktrace prints the number of units applied and failed, the
// number of workers that applied them, and the distribution of unit
// durations.
//
// Usage:
//
//	chunktrace [-failures] path
//
// The path may be any URL supported by grailbio/base/file.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigchunk/internal/trace"
)

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("chunktrace: ")
	failures := flag.Bool("failures", false, "list the failed units of each application")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: chunktrace [-failures] path\n")
		flag.PrintDefaults()
		os.Exit(2)
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
	}
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
	ctx := context.Background()
	events, err := readTrace(ctx, flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}
	writeSummary(os.Stdout, summarize(events), *failures)
}

func readTrace(ctx context.Context, path string) (events []trace.Event, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, f, &err)
	var t trace.T
	if err := t.Decode(f.Reader(ctx)); err != nil {
		return nil, errors.E(errors.Invalid, "decoding trace "+path, err)
	}
	return t.Events, nil
}

func writeSummary(w io.Writer, stats []applyStat, failures bool) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "apply\tunits\tfailed\tworkers\tstart\tspan\ttotal\tread\tmin\tq1\tq2\tq3\tmax\t")
	for _, s := range stats {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t\n",
			s.apply, s.units, s.failed, s.workers,
			round(s.start), round(s.span), round(s.total), round(s.read),
			round(s.min), round(s.q1), round(s.q2), round(s.q3), round(s.max))
	}
	tw.Flush()
	if !failures {
		return
	}
	for _, s := range stats {
		for _, u := range s.failures {
			fmt.Fprintf(w, "%d/%d: %s\n", u.apply, u.unit, u.err)
		}
	}
}

func round(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}
