// Copyright (c) Contributors to the Rex project.
// This software is licensed under a 3-clause BSD license. Please consult
// the LICENSE.md file distributed with the sources of this project
// regarding your rights to use or distribute this software.

// Package sylog is Rex's structured logging facade, named and shaped
// after apptainer's own sylog package: a small set of level methods
// (Debugf, Verbosef, Infof, Warningf, Errorf, Fatalf) backed by logrus,
// with "LEVEL:" tags on each line and color gated to a TTY.
package sylog

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/apex/log"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// Level mirrors apptainer's signed level scale: lower values are more
// severe, and a message is shown when its level is at or below the
// threshold set with SetLevel.
type Level int

const (
	LevelFatal   Level = -4
	LevelError   Level = -3
	LevelWarn    Level = -2
	LevelLog     Level = -1
	LevelInfo    Level = 1
	LevelVerbose Level = 2
	LevelDebug   Level = 5
)

var (
	mu      sync.Mutex
	current = LevelInfo
	out     io.Writer = os.Stderr
	logger            = newLogger()
	useColor          = term.IsTerminal(int(os.Stderr.Fd()))
)

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&tagFormatter{})
	l.SetLevel(logrus.TraceLevel)
	return l
}

// SetOutput redirects where log lines are written, for tests that need
// to capture and assert on formatted output.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	logger.SetOutput(w)
}

// tagFormatter renders lines the way apptainer's CLI does: an optionally
// colored "LEVEL:" tag (see levelTag) followed by the message and any
// attached fields as sorted key=value suffixes, one line per logrus entry.
type tagFormatter struct{}

func (tagFormatter) Format(e *logrus.Entry) ([]byte, error) {
	tag := levelTag(Level(e.Data["rexLevel"].(int)))
	if useColor {
		tag = colorFor(Level(e.Data["rexLevel"].(int)))(tag)
	}

	msg := e.Message
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		if k == "rexLevel" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		msg += fmt.Sprintf(" %s=%v", k, e.Data[k])
	}

	return []byte(fmt.Sprintf("%-8s %s\n", tag, msg)), nil
}

func levelTag(l Level) string {
	switch l {
	case LevelFatal:
		return "FATAL:"
	case LevelError:
		return "ERROR:"
	case LevelWarn:
		return "WARNING:"
	case LevelLog:
		return "LOG:"
	case LevelInfo:
		return "INFO:"
	case LevelVerbose:
		return "VERBOSE:"
	default:
		return "DEBUG:"
	}
}

func colorFor(l Level) func(...interface{}) string {
	switch {
	case l <= LevelError:
		return color.New(color.FgRed, color.Bold).SprintFunc()
	case l == LevelWarn:
		return color.New(color.FgYellow).SprintFunc()
	case l == LevelVerbose || l == LevelDebug:
		return color.New(color.FgCyan).SprintFunc()
	default:
		return color.New(color.FgBlue).SprintFunc()
	}
}

// SetLevel sets the logging threshold. Messages more verbose than level
// are discarded.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	current = l
}

// DisableColor turns off ANSI coloring regardless of TTY detection, for
// --rex-extract-style debug output and tests.
func DisableColor() {
	mu.Lock()
	defer mu.Unlock()
	useColor = false
}

// StubDefaults configures the level the runtime stub logs at: only
// warnings and above, so a normal run is silent on stdout/stderr (spec
// §7: "the runtime stub surfaces a single diagnostic").
func StubDefaults() { SetLevel(LevelWarn) }

func emit(l Level, format string, a ...interface{}) {
	mu.Lock()
	skip := l > current
	mu.Unlock()
	if skip {
		return
	}
	logger.WithField("rexLevel", int(l)).Log(logrus.InfoLevel, fmt.Sprintf(format, a...))
}

func Debugf(format string, a ...interface{})   { emit(LevelDebug, format, a...) }
func Verbosef(format string, a ...interface{}) { emit(LevelVerbose, format, a...) }
func Infof(format string, a ...interface{})    { emit(LevelInfo, format, a...) }
func Warningf(format string, a ...interface{}) { emit(LevelWarn, format, a...) }
func Errorf(format string, a ...interface{})   { emit(LevelError, format, a...) }

// Fatalf logs at LevelFatal unconditionally (it ignores the configured
// threshold, matching apptainer's sylog.Fatalf) and exits the process
// with status 1. Call sites in the stub use this only after cleanup has
// already run or been scheduled via a defer.
func Fatalf(format string, a ...interface{}) {
	logger.WithField("rexLevel", int(LevelFatal)).Log(logrus.InfoLevel, fmt.Sprintf(format, a...))
	os.Exit(1)
}

// Fields carries structured context (target, soname, scratch, ...)
// through a single log line, reusing apex/log's map type as the carrier
// rather than hand-rolling a second one.
type Fields = log.Fields

// Entry is a log line under construction with fields attached, mirroring
// apex/log's own WithFields(...).Info(...) chaining.
type Entry struct {
	fields logrus.Fields
}

// WithFields starts a structured log line. Call one of its level methods
// to emit it with the fields rendered as key=value suffixes.
func WithFields(f Fields) *Entry {
	lf := make(logrus.Fields, len(f))
	for k, v := range f {
		lf[k] = v
	}
	return &Entry{fields: lf}
}

func (e *Entry) emit(l Level, format string, a ...interface{}) {
	mu.Lock()
	skip := l > current
	mu.Unlock()
	if skip {
		return
	}
	le := logger.WithField("rexLevel", int(l))
	for k, v := range e.fields {
		le = le.WithField(k, v)
	}
	le.Log(logrus.InfoLevel, fmt.Sprintf(format, a...))
}

func (e *Entry) Debugf(format string, a ...interface{})   { e.emit(LevelDebug, format, a...) }
func (e *Entry) Verbosef(format string, a ...interface{}) { e.emit(LevelVerbose, format, a...) }
func (e *Entry) Infof(format string, a ...interface{})    { e.emit(LevelInfo, format, a...) }
func (e *Entry) Warningf(format string, a ...interface{}) { e.emit(LevelWarn, format, a...) }
func (e *Entry) Errorf(format string, a ...interface{})   { e.emit(LevelError, format, a...) }
