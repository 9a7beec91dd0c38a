// Copyright (c) 2018-2020, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package sylog provides the supervisor's leveled logging, matching the
// severities named in the error handling design: Debug, Info, Warning,
// Error, Critical, and Emergency. The package-level Emergencyf returns after
// logging; Fatalf and Logger.Emergencyf abort the process.
package sylog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var std = logrus.New()

func init() {
	std.SetOutput(os.Stderr)
	std.SetLevel(logrus.InfoLevel)
	std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetLevel adjusts the minimum severity that will be emitted.
func SetLevel(verbose bool, debug bool) {
	switch {
	case debug:
		std.SetLevel(logrus.DebugLevel)
	case verbose:
		std.SetLevel(logrus.InfoLevel)
	default:
		std.SetLevel(logrus.WarnLevel)
	}
}

// Logger is a per-app/per-process sub-logger carrying fixed fields, so that
// every line emitted for an app or process is already tagged per the
// (appName, procName, pid) convention the process launcher uses to hand log
// pipes to the logging daemon.
type Logger struct {
	entry *logrus.Entry
}

// WithApp returns a Logger tagged with the given app name.
func WithApp(app string) *Logger {
	return &Logger{entry: std.WithField("app", app)}
}

// WithProc returns a Logger tagged with the given app and process name.
func WithProc(app, proc string) *Logger {
	return &Logger{entry: std.WithField("app", app).WithField("proc", proc)}
}

func (l *Logger) Debugf(f string, args ...interface{})     { l.entry.Debugf(f, args...) }
func (l *Logger) Infof(f string, args ...interface{})      { l.entry.Infof(f, args...) }
func (l *Logger) Warningf(f string, args ...interface{})   { l.entry.Warnf(f, args...) }
func (l *Logger) Errorf(f string, args ...interface{})     { l.entry.Errorf(f, args...) }
func (l *Logger) Criticalf(f string, args ...interface{})  { l.entry.Errorf("CRITICAL: "+f, args...) }
func (l *Logger) Emergencyf(f string, args ...interface{}) { l.entry.Fatalf("EMERGENCY: "+f, args...) }

// Package-level convenience functions, used by code with no app/process
// context (e.g. the daemon entrypoint, the module resolver).
func Debugf(f string, args ...interface{})    { std.Debugf(f, args...) }
func Infof(f string, args ...interface{})     { std.Infof(f, args...) }
func Warningf(f string, args ...interface{})  { std.Warnf(f, args...) }
func Errorf(f string, args ...interface{})    { std.Errorf(f, args...) }
func Criticalf(f string, args ...interface{}) { std.Errorf("CRITICAL: "+f, args...) }

// Emergencyf logs at emergency severity and returns, so a reboot escalation
// can still hand off to the Rebooter after logging.
func Emergencyf(f string, args ...interface{}) { std.Errorf("EMERGENCY: "+f, args...) }

// Fatalf logs at emergency severity and aborts the process. It must only be
// used for invariant-breaking errors per the error handling design: the
// supervisor is PID-1-adjacent and corrupt state is worse than death.
func Fatalf(f string, args ...interface{}) { std.Fatalf("EMERGENCY: "+f, args...) }
