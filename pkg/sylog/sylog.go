// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package sylog provides the process-wide structured logger used across
// every linglong component. It wraps github.com/apex/log: a package-level
// logger configured once at process startup from the environment, and
// level-gated helper functions so call sites never have to touch the
// underlying library.
package sylog

import (
	"fmt"
	"os"
	"strings"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/apex/log/handlers/text"
)

// Level mirrors the accepted LINYAPS_LOG_LEVEL environment values.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelFatal   Level = "fatal"
)

var current = log.Log

// Init configures the package-level logger from LINYAPS_LOG_LEVEL and
// LINYAPS_LOG_BACKEND. It is safe to call more than once; the last call
// wins. Called once from each binary's main().
func Init() {
	lvl := log.InfoLevel
	switch Level(strings.ToLower(os.Getenv("LINYAPS_LOG_LEVEL"))) {
	case LevelDebug:
		lvl = log.DebugLevel
	case LevelWarning:
		lvl = log.WarnLevel
	case LevelError:
		lvl = log.ErrorLevel
	case LevelFatal:
		lvl = log.FatalLevel
	case LevelInfo, "":
		lvl = log.InfoLevel
	}

	var handler log.Handler
	switch strings.ToLower(os.Getenv("LINYAPS_LOG_BACKEND")) {
	case "journal":
		// No cgo dependency on libsystemd is introduced here; lines are
		// written to stderr by apex/log's plain text handler, with no
		// syslog priority prefix.
		handler = text.New(os.Stderr)
	default:
		handler = cli.New(os.Stderr)
	}

	l := &log.Logger{
		Handler: handler,
		Level:   lvl,
	}
	current = l
	log.SetHandler(handler)
	log.SetLevel(lvl)
}

func Debugf(format string, args ...interface{}) { current.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { current.Infof(format, args...) }
func Warningf(format string, args ...interface{}) {
	current.Warnf(format, args...)
}
func Errorf(format string, args ...interface{}) { current.Errorf(format, args...) }

// Fatalf logs at fatal level and terminates the process. Reserved for
// top-level command handlers only.
func Fatalf(format string, args ...interface{}) {
	current.Fatalf(format, args...)
	os.Exit(1)
}

// Writer exposes an io.Writer-like Write for integrating with subprocess
// stderr tails.
func Writer() func(string) {
	return func(s string) {
		fmt.Fprint(os.Stderr, s)
	}
}
