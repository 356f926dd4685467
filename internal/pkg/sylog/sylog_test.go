// Copyright (c) Contributors to the Rex project.
// This software is licensed under a 3-clause BSD license. Please consult
// the LICENSE.md file distributed with the sources of this project
// regarding your rights to use or distribute this software.

package sylog

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
)

func withCapture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer

	prevLevel := current
	SetLevel(LevelDebug)
	DisableColor()
	SetOutput(&buf)

	t.Cleanup(func() {
		SetLevel(prevLevel)
		SetOutput(os.Stderr)
	})
	return &buf
}

func TestDebugfIsSuppressedAboveThreshold(t *testing.T) {
	buf := withCapture(t)
	SetLevel(LevelInfo)

	Debugf("should not appear")
	assert.Equal(t, buf.Len(), 0)
}

func TestInfofIsEmittedAtDefaultLevel(t *testing.T) {
	buf := withCapture(t)
	SetLevel(LevelInfo)

	Infof("hello %s", "world")
	assert.Assert(t, strings.Contains(buf.String(), "INFO:"))
	assert.Assert(t, strings.Contains(buf.String(), "hello world"))
}

func TestWithFieldsRendersKeyValuePairs(t *testing.T) {
	buf := withCapture(t)

	WithFields(Fields{"target": "app", "soname": "libfoo.so.1"}).Debugf("staged library")

	line := buf.String()
	assert.Assert(t, strings.Contains(line, "staged library"))
	assert.Assert(t, strings.Contains(line, "soname=libfoo.so.1"))
	assert.Assert(t, strings.Contains(line, "target=app"))
}

func TestWithFieldsRespectsThreshold(t *testing.T) {
	buf := withCapture(t)
	SetLevel(LevelWarn)

	WithFields(Fields{"scratch": "/tmp/rex-x"}).Debugf("forwarding signal")
	assert.Equal(t, buf.Len(), 0)
}
