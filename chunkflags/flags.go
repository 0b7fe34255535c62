// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package chunkflags provides flag support for use by bigchunk
// command line applications.
package chunkflags

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/user"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigchunk/diag"
	"github.com/grailbio/bigchunk/exec"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/ec2system"
)

var (
	mu        sync.Mutex
	providers = map[string]Provider{} // protected by mu
	profiles  = map[string]string{}   // protected by mu
)

// Provider represents an engine provider that can be configured by
// setting some set of options via Set.
type Provider interface {
	// Name returns the name of a provider instance.
	Name() string
	// Set sets one or more options for the engines to be provided.
	// The options may be specified as key=val.
	Set(string) error
	// ExecOption returns the exec.Option that configures a session
	// with an engine of the provided parallelism, as configured by
	// the currently set options.
	ExecOption(parallelism int) exec.Option

	// DefaultParallelism returns the default degree of parallelism
	// to use for this provider.
	DefaultParallelism() int
}

// RegisterSystemProvider registers a 'system' provider, ie. any
// service that can provide engines to bigchunk.
func RegisterSystemProvider(name string, provider Provider) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("system %s is already registered", name)
	}
	providers[name] = provider
}

// RegisterSystemProfile registers a system 'profile' which
// is a named shorthand for a system and any associated options.
// For example an application that registers a profile of:
//   chunkflags.RegisterSystemProfile("my-ec2-app", "ec2:dataspace=500")
// can accept
//   --system=my-ec2-app
// as a synonym for
//   --system=ec2:dataspace=500
func RegisterSystemProfile(name, profile string) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("profile %s is already used as a provider name", name)
	}
	if _, present := profiles[name]; present {
		log.Panicf("profile %s is already registered", name)
	}
	profiles[name] = profile
}

// ProvidersAndProfiles returns the supported providers and profiles.
func ProvidersAndProfiles() ([]string, map[string]string) {
	mu.Lock()
	defer mu.Unlock()
	prv := make([]string, 0, len(providers))
	for k := range providers {
		prv = append(prv, k)
	}
	prf := make(map[string]string, len(profiles))
	for k, v := range profiles {
		prf[k] = v
	}
	return prv, prf
}

// Internal represents in-process execution by the local engine.
type Internal struct{}

// Name implements Provider.Name.
func (i *Internal) Name() string {
	return "internal"
}

// Set implements Provider.Set.
func (i *Internal) Set(_ string) error {
	return fmt.Errorf("the internal engine provider does not support any configuration")
}

// ExecOption implements Provider.ExecOption.
func (i *Internal) ExecOption(parallelism int) exec.Option {
	return func(s *exec.Session) {
		exec.Local(s)
		exec.Parallelism(parallelism)(s)
	}
}

// DefaultParallelism implements Provider.DefaultParallelism.
func (i *Internal) DefaultParallelism() int {
	return runtime.GOMAXPROCS(0)
}

// Fleet represents execution by a fleet of worker processes on the
// local machine, launched by command. The command defaults to the
// current binary.
type Fleet struct {
	Command string
}

// Name implements Provider.Name.
func (f *Fleet) Name() string {
	return "fleet"
}

// Set implements Provider.Set.
func (f *Fleet) Set(v string) error {
	parts := strings.SplitN(v, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("not in key=val format %q", v)
	}
	switch key, val := parts[0], parts[1]; key {
	case "command":
		f.Command = val
	default:
		return fmt.Errorf("unsupported option: %v", key)
	}
	return nil
}

// ExecOption implements Provider.ExecOption.
func (f *Fleet) ExecOption(parallelism int) exec.Option {
	return exec.Fleet(f.Command, parallelism)
}

// DefaultParallelism implements Provider.DefaultParallelism.
func (f *Fleet) DefaultParallelism() int {
	return runtime.GOMAXPROCS(0)
}

// Local represents fleet execution on local bigmachine machines
// (separate processes).
type Local struct{}

// Name implements Provider.Name.
func (l *Local) Name() string {
	return "local"
}

// Set implements Provider.Set.
func (l *Local) Set(_ string) error {
	return fmt.Errorf("the local engine provider does not support any configuration")
}

// ExecOption implements Provider.ExecOption.
func (l *Local) ExecOption(parallelism int) exec.Option {
	return exec.Machines(bigmachine.Local, parallelism)
}

// DefaultParallelism implements Provider.DefaultParallelism.
func (l *Local) DefaultParallelism() int {
	return runtime.GOMAXPROCS(0)
}

// EC2 represents fleet execution on AWS EC2 bigmachine machines.
type EC2 struct {
	Options map[string]interface{}
}

// Name implements Provider.Name.
func (ec2 *EC2) Name() string {
	return "EC2"
}

// Set implements Provider.Set.
func (ec2 *EC2) Set(v string) error {
	if ec2.Options == nil {
		ec2.Options = make(map[string]interface{}, 5)
	}
	parts := strings.Split(v, "=")
	if len(parts) != 2 {
		return fmt.Errorf("not in key=val format %q", v)
	}
	key, val := parts[0], parts[1]
	switch key {
	case "dataspace", "rootsize":
		i, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("not an int: %v", val)
		}
		ec2.Options[key] = uint(i)
	case "instance", "profile":
		ec2.Options[key] = val
	case "ondemand":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("not a bool: %v", val)
		}
		ec2.Options[key] = b
	default:
		return fmt.Errorf("unsupported option: %v", key)
	}
	return nil
}

// DefaultParallelism implements Provider.DefaultParallelism.
func (ec2 *EC2) DefaultParallelism() int {
	return 1
}

// ExecOption implements Provider.ExecOption.
func (ec2 *EC2) ExecOption(parallelism int) exec.Option {
	return exec.Machines(ec2.system(), parallelism)
}

func (ec2 *EC2) system() *ec2system.System {
	if ec2.Options == nil {
		return &ec2system.System{}
	}
	instance := &ec2system.System{
		Username: "unknown",
	}
	u, err := user.Current()
	if err == nil {
		instance.Username = u.Username
	} else {
		log.Printf("newec2: get current user: %v", err)
	}
	for key, val := range ec2.Options {
		switch key {
		case "instance":
			instance.InstanceType = val.(string)
		case "dataspace":
			instance.Dataspace = val.(uint)
		case "rootsize":
			instance.Diskspace = val.(uint)
		case "profile":
			instance.InstanceProfile = val.(string)
		case "ondemand":
			instance.OnDemand = val.(bool)
		}
	}
	return instance
}

func init() {
	RegisterSystemProvider("internal", &Internal{})
	RegisterSystemProvider("fleet", &Fleet{})
	RegisterSystemProvider("local", &Local{})
	RegisterSystemProvider("ec2", &EC2{})
}

// SystemHelpShort is a short explanation of the allowed SystemFlags values.
func SystemHelpShort(prefix string) string {
	const format = `a bigchunk system is specified as follows: {internal,fleet:[key=val,],local,ec2:[key=val,],name}, use -%s for more information.`
	return fmt.Sprintf(format, prefix+"system-help")
}

// SystemHelpLong is a completion explanation of the allowed SystemFlags values.
const SystemHelpLong = `A bigchunk system is specified as follows:

<system-type>:<options> where options is [key=value,]+

The currently supported system types and their options are as follows:

internal: in-process execution on a pool of goroutines, the default.
fleet: execution by worker processes on the same machine. The supported options are:
	command=<command line> - the command that runs a worker; the current binary by default.
local: same machine, separate process execution managed by bigmachine.
ec2: AWS EC2 execution. The supported options are:
	instance=<AWS instance type> - the AWS instance type, e.g. m4.xlarge
	dataspace=<number> - size of the data volume in GiB, typically /mnt/data.
	rootsize=<number> - size of the root volume in GiB.
	ondemand - true to use on-demand rather than spot instances
	profile - the aws instance profile to use instead of a default

For all systems but internal, the parallelism is the number of
workers, and the work directory must be accessible by all of them.

In addition, an application may register 'profiles' that are shorthand
for the above, eg. "my-app" can be configured as a synonymn for
ec2:instance=m4.xlarge,dataspace=200.
`

// SystemFlag represents a flag that can be used to specify a bigchunk
// engine provider.
type SystemFlag struct {
	Provider  Provider
	Options   []string
	Specified bool
}

// String implements flag.Value.String
func (sys *SystemFlag) String() string {
	if sys.Provider == nil {
		return ""
	}
	if len(sys.Options) == 0 {
		return sys.Provider.Name()
	}
	return fmt.Sprintf("%v:%v", sys.Provider.Name(), strings.Join(sys.Options, ","))
}

// Set implements flag.Value.Set
func (sys *SystemFlag) Set(v string) error {
	parse := func(s string) (name string, options []string) {
		parts := strings.SplitN(s, ":", 2)
		name = parts[0]
		if len(parts) > 1 {
			options = strings.Split(parts[1], ",")
		}
		return
	}

	name, options := parse(v)
	mu.Lock()
	if profile, ok := profiles[name]; ok {
		var profileOptions []string
		name, profileOptions = parse(profile)
		options = append(profileOptions, options...)
	}
	provider, ok := providers[name]
	mu.Unlock()
	if !ok {
		return fmt.Errorf("unsupported system or profile type: %v", name)
	}
	for _, opt := range options {
		if err := provider.Set(opt); err != nil {
			return err
		}
	}
	sys.Options = options
	sys.Provider = provider
	sys.Specified = true
	return nil
}

// Get implements flag.Value.Get
func (sys *SystemFlag) Get() interface{} {
	return sys.String()
}

// Flags represents all of the flags that can be used to configure
// a bigchunk command.
type Flags struct {
	System        SystemFlag
	SystemHelp    bool
	HTTPAddress   cmdutil.NetworkAddressFlag
	ConsoleStatus bool
	Parallelism   int
	WorkDir       string
	Errors        diag.Mode
	LogFile       string
	Progress      bool
	TracePath     string
	fs            *flag.FlagSet
}

// Output returns an appropriate io.Writer for printing out help/usage
// messages as per the underlying flag.Flagset.
func (bf *Flags) Output() io.Writer {
	if bf.fs == nil {
		return os.Stderr
	}
	if wr := bf.fs.Output(); wr != nil {
		return wr
	}
	return os.Stderr
}

// RegisterFlags registers the bigchunk command line flags with the supplied
// flag set. The flag names will be prefixed with the supplied prefix.
func RegisterFlags(fs *flag.FlagSet, bf *Flags, prefix string) {
	RegisterFlagsWithDefaults(fs, bf, prefix, Defaults{
		System:        "internal",
		HTTPAddress:   ":3333",
		ConsoleStatus: false,
		Parallelism:   0,
		WorkDir:       exec.DefaultWorkDir,
		Errors:        diag.TerseConsole,
		LogFile:       diag.DefaultLogFile,
	})
}

// ExecOptions parses the flag values and returns a slice of exec.Options
// that represent the actions specified by those flags.
func (bf *Flags) ExecOptions() ([]exec.Option, error) {
	if bf.System.Provider == nil {
		return nil, fmt.Errorf("no system specified")
	}
	if bf.Parallelism < 0 {
		return nil, fmt.Errorf("invalid parallelism %d", bf.Parallelism)
	}
	var chunkStatus status.Status
	options := []exec.Option{exec.Status(&chunkStatus)}
	parallelism := bf.Parallelism
	if parallelism == 0 {
		parallelism = bf.System.Provider.DefaultParallelism()
	}
	options = append(options,
		exec.WorkDir(bf.WorkDir),
		bf.System.Provider.ExecOption(parallelism),
		exec.ErrorHandler(bf.Errors, bf.LogFile),
		exec.ShowProgress(bf.Progress),
	)
	if bf.TracePath != "" {
		options = append(options, exec.TracePath(bf.TracePath))
	}
	return options, nil
}

// Defaults represents default values for the supported flags.
type Defaults struct {
	System        string
	HTTPAddress   string
	ConsoleStatus bool
	Parallelism   int
	WorkDir       string
	Errors        diag.Mode
	LogFile       string
	Progress      bool
}

// RegisterFlagsWithDefaults registers the bigchunk command line flags with
// the supplied flag set and defaults. The flag names will be prefixed with the
// supplied prefix.
func RegisterFlagsWithDefaults(fs *flag.FlagSet, bf *Flags, prefix string, defaults Defaults) {
	fs.Var(&bf.System, prefix+"system", SystemHelpShort(prefix))
	bf.System.Set(defaults.System)
	bf.System.Specified = false
	fs.Var(&bf.HTTPAddress, prefix+"http", "address of http status server")
	bf.HTTPAddress.Set(defaults.HTTPAddress)
	bf.HTTPAddress.Specified = false
	fs.BoolVar(&bf.ConsoleStatus, prefix+"console-status", defaults.ConsoleStatus, "print status to stdout")
	fs.IntVar(&bf.Parallelism, prefix+"parallelism", defaults.Parallelism, "number of workers that process units, 0 requests an appropriate default for the system")
	fs.StringVar(&bf.WorkDir, prefix+"work-dir", defaults.WorkDir, "directory (or URL) shared by fleet workers for jobs and their results")
	bf.Errors = defaults.Errors
	fs.Var(&bf.Errors, prefix+"errors", "diagnostics handler: terse, verbose, terse-file, or verbose-file")
	fs.StringVar(&bf.LogFile, prefix+"log-file", defaults.LogFile, "file to which the terse-file and verbose-file handlers append")
	fs.BoolVar(&bf.Progress, prefix+"progress", defaults.Progress, "render a progress bar for each application")
	fs.StringVar(&bf.TracePath, prefix+"trace", "", "path to which a trace of the session is written on shutdown")
	fs.BoolVar(&bf.SystemHelp, prefix+"system-help", false, "provide help on system providers and profiles")
	bf.fs = fs
}
