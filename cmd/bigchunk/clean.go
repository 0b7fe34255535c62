// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigchunk/exec"
)

func cleanUsage(flags *flag.FlagSet) {
	fmt.Fprint(os.Stderr, `usage: bigchunk clean [-work-dir dir]

Command clean removes the job descriptions and unit results of fleet
jobs stored in a work directory. Fleet engines remove the files of
each job once it is assembled; clean removes those left behind by
drivers that did not exit cleanly. Other files in the work directory
are left in place. Clean must not be run while fleet jobs are running
in the same work directory.

The flags are:
`)
	flags.PrintDefaults()
	os.Exit(2)
}

func cleanCmd(args []string) {
	var (
		flags   = flag.NewFlagSet("bigchunk clean", flag.ExitOnError)
		workDir = flags.String("work-dir", exec.DefaultWorkDir, "the work directory (or URL) to clean")
	)
	flags.Usage = func() { cleanUsage(flags) }
	must.Nil(flags.Parse(args))
	if flags.NArg() != 0 {
		flags.Usage()
	}
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
	n, err := exec.CleanWorkDir(context.Background(), *workDir)
	must.Nil(err, "cleaning ", *workDir)
	log.Printf("removed %d files from %s", n, *workDir)
}
