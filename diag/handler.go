// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package diag

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// DefaultLogFile is the file to which file handlers append when no
// path is given.
const DefaultLogFile = "bigchunk.log"

// Mode selects one of the handler behaviors.
type Mode int

const (
	// TerseConsole writes one severity-prefixed line per entry to the
	// console. Debug entries are dropped.
	TerseConsole Mode = iota
	// VerboseConsole adds the entry's origin and code to each line and
	// includes debug entries.
	VerboseConsole
	// TerseFile is TerseConsole, appended to a file.
	TerseFile
	// VerboseFile is VerboseConsole, appended to a file.
	VerboseFile
)

var modeNames = [...]string{
	TerseConsole:   "terse",
	VerboseConsole: "verbose",
	TerseFile:      "terse-file",
	VerboseFile:    "verbose-file",
}

// String returns the name of the mode as accepted by ParseMode.
func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("Mode(%d)", int(m))
	}
	return modeNames[m]
}

// ParseMode parses a mode name: one of "terse", "verbose",
// "terse-file", or "verbose-file".
func ParseMode(s string) (Mode, error) {
	for i, name := range modeNames {
		if name == strings.ToLower(s) {
			return Mode(i), nil
		}
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("diag: invalid handler mode %q", s))
}

// Set implements flag.Value.
func (m *Mode) Set(s string) error {
	mode, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// IsFile tells whether the mode writes to a file.
func (m Mode) IsFile() bool { return m == TerseFile || m == VerboseFile }

// Verbose tells whether the mode uses the verbose format.
func (m Mode) Verbose() bool { return m == VerboseConsole || m == VerboseFile }

// A Handler emits diagnostic entries. Handlers are invoked only by
// a Sink's owner, one entry at a time.
type Handler interface {
	Handle(Entry)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(Entry)

// Handle implements Handler.
func (f HandlerFunc) Handle(e Entry) { f(e) }

// NewHandler returns a handler of the given mode. Console variants
// write to console (os.Stderr if nil); file variants append to path
// (DefaultLogFile if empty), opening it for each entry. If the file
// cannot be opened, the entry is written by the console variant of
// the same verbosity instead.
func NewHandler(mode Mode, path string, console io.Writer) Handler {
	if console == nil {
		console = os.Stderr
	}
	if path == "" {
		path = DefaultLogFile
	}
	h := &handler{mode: mode, path: path, console: console}
	switch mode {
	case TerseConsole, VerboseConsole, TerseFile, VerboseFile:
	default:
		log.Error.Printf("diag: unknown handler mode %d; using %s", mode, TerseConsole)
		h.mode = TerseConsole
	}
	return h
}

type handler struct {
	mode    Mode
	path    string
	console io.Writer

	mu sync.Mutex
}

func (h *handler) Handle(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var b strings.Builder
	if h.mode.IsFile() {
		if h.mode.Verbose() {
			formatVerbose(&b, verboseFilePrefix, e)
		} else {
			formatTerse(&b, terseFilePrefix, e)
		}
		f, err := os.OpenFile(h.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
		if err == nil {
			_, err = io.WriteString(f, b.String())
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err == nil {
				return
			}
		}
		b.Reset()
	}
	if h.mode.Verbose() {
		formatVerbose(&b, verboseConsolePrefix, e)
	} else {
		formatTerse(&b, terseConsolePrefix, e)
	}
	if b.Len() > 0 {
		io.WriteString(h.console, b.String()) // nolint: errcheck
	}
}

type prefixes [len(severityNames)]string

var (
	terseConsolePrefix = prefixes{
		Fatal:   "[ERROR] ",
		Error:   "[ERROR] ",
		Warning: "[WARNING] ",
		Info:    "## ",
	}
	verboseConsolePrefix = prefixes{
		Fatal:   "[ERROR] ",
		Error:   "[ERROR] ",
		Warning: "[WARNING] ",
		Info:    "[INFO] ",
		Debug:   "[DEBUG] ",
	}
	terseFilePrefix = prefixes{
		Fatal:   "Error: ",
		Error:   "Error: ",
		Warning: "Warning: ",
		Info:    "## ",
	}
	verboseFilePrefix = prefixes{
		Fatal:   "Error message: ",
		Error:   "Error message: ",
		Warning: "Warning message: ",
		Info:    "Info message: ",
		Debug:   "Debug message: ",
	}
)

func (p *prefixes) get(s Severity) string {
	if s < 0 || int(s) >= len(p) {
		return ""
	}
	return p[s]
}

// formatTerse writes the entry's message with its severity prefix.
// Entries without a prefix (debug) are dropped.
func formatTerse(b *strings.Builder, p prefixes, e Entry) {
	prefix := p.get(e.Severity)
	if prefix == "" {
		return
	}
	b.WriteString(prefix)
	b.WriteString(e.Message)
	b.WriteByte('\n')
}

func formatVerbose(b *strings.Builder, p prefixes, e Entry) {
	prefix := p.get(e.Severity)
	if prefix == "" {
		return
	}
	b.WriteString(prefix)
	b.WriteString(e.Message)
	if e.Origin != "" {
		b.WriteString(" [in ")
		b.WriteString(e.Origin)
		b.WriteString("]")
	}
	if e.Code != 0 {
		fmt.Fprintf(b, " (%d)", e.Code)
	}
	b.WriteByte('\n')
}
