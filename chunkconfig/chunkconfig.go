// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package chunkconfig provides a mechanism to create a bigchunk
// session from a shared configuration. Chunkconfig uses the
// configuration mechanism in package
// github.com/grailbio/base/config, and reads a default profile from
// $HOME/.bigchunk/config. Configurations may be provisioned
// using the bigchunk command.
package chunkconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"

	// Used to provide ec2system.System bigmachines.
	_ "github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/bigchunk/exec"
)

// Path determines the location of the bigchunk profile read
// by Parse.
var Path = os.ExpandEnv("$HOME/.bigchunk/config")

// Parse registers configuration flags, and calls flag.Parse. It
// reads bigchunk configuration from Path defined in this package.
// Parse returns the session as configured by the configuration and
// any flags provided, and a function that shuts it down. Parse
// panics if session creation fails.
//
// If the binary was invoked as a fleet worker, Parse runs the
// worker and exits instead.
func Parse() (sess *exec.Session, shutdown func()) {
	exec.MaybeRunWorker()
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	config.Must("bigchunk", &sess)
	return sess, sess.Shutdown
}
