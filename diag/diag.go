// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package diag implements the diagnostics pipeline used by bigchunk
// engines. Diagnostics are posted to a Sink from any goroutine and
// emitted only when the sink's owner drains it; emission is performed
// by a Handler selected at configuration time.
package diag

import (
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
)

// Severity is the severity of a diagnostic entry.
type Severity int

const (
	// Fatal entries report conditions that abort the process that
	// encounters them. They are formatted identically to errors.
	Fatal Severity = iota
	// Error entries report failures, e.g., a unit that could not be
	// processed.
	Error
	// Warning entries report suspicious but recoverable conditions.
	Warning
	// Info entries are informational.
	Info
	// Debug entries are only emitted by verbose handlers.
	Debug
)

var severityNames = [...]string{
	Fatal:   "fatal",
	Error:   "error",
	Warning: "warning",
	Info:    "info",
	Debug:   "debug",
}

// String returns the lower-case name of the severity.
func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return fmt.Sprintf("Severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity returns the severity named by s.
func ParseSeverity(s string) (Severity, error) {
	for i, name := range severityNames {
		if strings.EqualFold(name, s) {
			return Severity(i), nil
		}
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("diag: invalid severity %q", s))
}

// An Entry is a single diagnostic.
type Entry struct {
	Severity Severity
	Message  string
	// Origin names the component that produced the entry. It is
	// optional.
	Origin string
	// Code is an optional numeric code; zero means no code.
	Code int
}

// String renders the entry in the verbose console format.
func (e Entry) String() string {
	var b strings.Builder
	formatVerbose(&b, verboseConsolePrefix, e)
	return strings.TrimSuffix(b.String(), "\n")
}
