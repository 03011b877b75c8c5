// Copyright 2021 The evhttp Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package debuglog provides the environment-gated debug logger shared
// by the evhttp packages.
//
// Logging is off by default and has no observable cost beyond a nop
// logger call. Set EVHTTP_DEBUG to enable debug output for every
// component, or EVHTTP_<COMPONENT>_DEBUG (for example
// EVHTTP_REACTOR_DEBUG) to enable it for a single component.
package debuglog

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New returns the debug logger for the named component. The returned
// logger is a nop unless debug output was requested through the
// environment at process start.
func New(component string) zerolog.Logger {
	if !enabled(component) {
		return zerolog.Nop()
	}
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	return zerolog.New(w).Level(zerolog.DebugLevel).With().
		Timestamp().
		Str("component", component).
		Logger()
}

func enabled(component string) bool {
	if os.Getenv("EVHTTP_DEBUG") != "" {
		return true
	}
	return os.Getenv("EVHTTP_"+strings.ToUpper(component)+"_DEBUG") != ""
}
