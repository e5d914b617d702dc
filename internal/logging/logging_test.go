// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package logging

import (
	"testing"

	"github.com/luxfi/relay/fault"
	"github.com/stretchr/testify/require"
)

type recording struct {
	level string
	msg   string
}

type recorder struct {
	entries *[]recording
}

func (r recorder) Debug(msg string, ctx ...interface{}) { *r.entries = append(*r.entries, recording{"debug", msg}) }
func (r recorder) Info(msg string, ctx ...interface{})  { *r.entries = append(*r.entries, recording{"info", msg}) }
func (r recorder) Warn(msg string, ctx ...interface{})  { *r.entries = append(*r.entries, recording{"warn", msg}) }
func (r recorder) Error(msg string, ctx ...interface{}) { *r.entries = append(*r.entries, recording{"error", msg}) }
func (r recorder) With(ctx ...interface{}) Logger       { return r }

type masks struct{ errMask, warnMask fault.Fault }

func (m masks) ErrorMask() fault.Fault { return m.errMask }
func (m masks) WarnMask() fault.Fault  { return m.warnMask }

func TestLogFaultPrefersError(t *testing.T) {
	var entries []recording
	r := recorder{entries: &entries}
	LogFault(r, masks{errMask: fault.AUTH, warnMask: fault.AUTH}, fault.AUTH, "rejected")
	require.Len(t, entries, 1)
	require.Equal(t, "error", entries[0].level)
}

func TestLogFaultWarnOnly(t *testing.T) {
	var entries []recording
	r := recorder{entries: &entries}
	LogFault(r, masks{errMask: fault.AUTH, warnMask: fault.EXISTS}, fault.EXISTS, "duplicate")
	require.Len(t, entries, 1)
	require.Equal(t, "warn", entries[0].level)
}

func TestLogFaultDefaultsDebug(t *testing.T) {
	var entries []recording
	r := recorder{entries: &entries}
	LogFault(r, masks{}, fault.STATE, "missing")
	require.Len(t, entries, 1)
	require.Equal(t, "debug", entries[0].level)
}

func TestNewNoOpDoesNotPanic(t *testing.T) {
	l := NewNoOp()
	l.Info("hello")
	l.With("k", "v").Debug("nested")
}
