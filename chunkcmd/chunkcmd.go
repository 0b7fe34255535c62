// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package chunkcmd provides utilities for implementing
// bigchunk-based command line tools. The main entry point,
// chunkcmd.Main, configures bigchunk according to a common set of
// flags, and then invokes the user's driver code.
//
// A chunkcmd tool follows this form:
//
//	var tiles = bigchunk.Job(func(dir string, n int) bigchunk.Source {
//		...
//	})
//
//	func main() {
//		var (
//			applicationFlag1 = flag.Int(...)
//			applicationFlag2 = ...
//		)
//		chunkcmd.Main(func(sess *exec.Session, args []string) error) {
//			ctx := context.Background()
//			src := tiles.Invocation(dir, n).Source()
//			return sess.Apply(ctx, src, process)
//		}
//	}
//
// Binaries built this way can serve as their own fleet workers.
package chunkcmd

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Pprof is included to be exposed on the local diagnostic web server.
	"os"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigchunk/chunkflags"
	"github.com/grailbio/bigchunk/exec"
)

// Work directories and sources may live in S3.
func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

// Main is a convenient entry point for a chunkcmd. Main does not return;
// it should be called after other initialization is performed. Main
// parses (global) flags, and configures bigchunk accordingly. Main
// then invokes the provided func with a bigchunk session which can
// be used to apply per-unit functions. Main also passes the
// unparsed arguments.
//
// If the binary was invoked as a fleet worker (see
// exec.DefaultFleetCommand), Main runs the worker instead and exits.
//
// Main starts a diagnostic web server (default address :3333), using
// http.DefaultServeMux, which includes pprof handlers as well as
// the session's trace and counts.
//
// Main terminates the program after the user func returns. If it
// returns with an error, it is reported and the process exits with
// code 1, otherwise it exits successfully.
//
// Integration with other command line processing is best achieved using
// the chunkflags package and Init and DisplayStatus functions.
func Main(main func(sess *exec.Session, args []string) error) {
	exec.MaybeRunWorker()
	var fl chunkflags.Flags
	chunkflags.RegisterFlags(flag.CommandLine, &fl, "")
	log.AddFlags()
	flag.Parse()
	sess, err := Init(fl)
	if err != nil {
		log.Fatal(err)
	}
	err = main(sess, flag.Args())
	sess.Shutdown()
	if err != nil {
		log.Fatal(err)
	}
	os.Exit(0)
}

// Init initializes bigchunk according to the supplied flags.
func Init(bf chunkflags.Flags) (*exec.Session, error) {
	if bf.SystemHelp {
		providers, profiles := chunkflags.ProvidersAndProfiles()
		sort.Strings(providers)
		wr := bf.Output()
		str := []string{}
		fmt.Fprintf(wr, "%s\n\n", chunkflags.SystemHelpLong)
		fmt.Fprintf(wr, "The available providers are: %v\n",
			strings.Join(providers, ", "))
		for k, v := range profiles {
			str = append(str, fmt.Sprintf("%v is shorthand for: %v\n", k, v))
		}
		sort.Strings(str)
		for _, s := range str {
			wr.Write([]byte(s))
		}
		os.Exit(0)
	}
	options, err := bf.ExecOptions()
	if err != nil {
		return nil, err
	}
	sess := exec.Start(options...)
	DisplayStatus(bf, sess)
	return sess, nil
}

// DisplayStatus arranges for the bigchunk execution status to be
// displayed on the console and/or a web page depending on the flags
// specified on the command line. The web page is hosted /debug/status
// and http.DefaultServeMux.
func DisplayStatus(bf chunkflags.Flags, sess *exec.Session) {
	if bf.ConsoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, sess.Status())
	}
	if len(bf.HTTPAddress.Address) > 0 {
		sess.HandleDebug(http.DefaultServeMux)
		http.Handle("/debug/status", status.Handler(sess.Status()))
		go func() {
			log.Printf("HTTP Status at: %v\n", bf.HTTPAddress)
			err := http.ListenAndServe(bf.HTTPAddress.Address, nil)
			if err != nil {
				log.Error.Printf("Failed to start HTTP at: %v: %v\n", bf.HTTPAddress, err)
			}
		}()
	}
}
