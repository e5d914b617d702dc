// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package logging wraps github.com/luxfi/log with the phase-boundary
// fault policy of spec §7: the errorlog/warnlog masks select the
// level at which a given raised Fault is logged, independent of
// whether nothrows converts it into a returned value.
package logging

import (
	"github.com/luxfi/log"
	"github.com/luxfi/relay/fault"
)

// Logger is the subset of github.com/luxfi/log.Logger the evaluation
// core depends on, named in the "Geth-style methods" shape the
// reference stack's own logger wrapper uses.
type Logger interface {
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	With(ctx ...interface{}) Logger
}

// wrap adapts a github.com/luxfi/log.Logger to Logger.
type wrap struct{ l log.Logger }

// New wraps an existing luxfi/log.Logger.
func New(l log.Logger) Logger {
	if l == nil {
		l = log.NewNoOpLogger()
	}
	return &wrap{l: l}
}

// NewNoOp returns a Logger that discards everything, for tests and
// for evaluations run with both errorlog and warnlog empty.
func NewNoOp() Logger { return New(log.NewNoOpLogger()) }

func (w *wrap) Debug(msg string, ctx ...interface{}) { w.l.Debug(msg, ctx...) }
func (w *wrap) Info(msg string, ctx ...interface{})  { w.l.Info(msg, ctx...) }
func (w *wrap) Warn(msg string, ctx ...interface{})  { w.l.Warn(msg, ctx...) }
func (w *wrap) Error(msg string, ctx ...interface{}) { w.l.Error(msg, ctx...) }
func (w *wrap) With(ctx ...interface{}) Logger       { return &wrap{l: w.l.New(ctx...)} }

// LogFault logs a raised fault at the level selected by the errorlog
// and warnlog masks (spec §4.1, §7): errorlog wins if both masks
// claim the case, since an operator who asked for error-level
// visibility on a fault should get it even if warn was also
// requested. A fault in neither mask is logged at debug level.
func LogFault(l Logger, opts errorWarnMasks, f fault.Fault, reason string, kv ...interface{}) {
	kv = append([]interface{}{"fault", f.String(), "reason", reason}, kv...)
	switch {
	case opts.ErrorMask().Has(f):
		l.Error("event evaluation fault", kv...)
	case opts.WarnMask().Has(f):
		l.Warn("event evaluation fault", kv...)
	default:
		l.Debug("event evaluation fault", kv...)
	}
}

// errorWarnMasks is the narrow slice of *options.Options that LogFault
// needs; it is expressed as an interface here (rather than importing
// internal/options) to keep logging free of a dependency on the
// options package, mirroring how the reference stack's log wrapper
// never imports config.
type errorWarnMasks interface {
	ErrorMask() fault.Fault
	WarnMask() fault.Fault
}
