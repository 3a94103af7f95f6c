// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package adapter

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Severity of a message passed to the log callback
type Severity int

const (
	SeverityTrace Severity = iota
	SeverityDebug
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityFatal
)

// String returns the severity name
func (s Severity) String() string {
	switch s {
	case SeverityTrace:
		return "TRACE"
	case SeverityDebug:
		return "DEBUG"
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityFatal:
		return "FATAL"
	default:
		return fmt.Sprintf("SEVERITY(%d)", int(s))
	}
}

// severityOf maps zap levels; anything below debug is trace
func severityOf(level zapcore.Level) Severity {
	switch {
	case level < zapcore.DebugLevel:
		return SeverityTrace
	case level == zapcore.DebugLevel:
		return SeverityDebug
	case level == zapcore.InfoLevel:
		return SeverityInfo
	case level == zapcore.WarnLevel:
		return SeverityWarning
	case level == zapcore.ErrorLevel:
		return SeverityError
	default:
		return SeverityFatal
	}
}

// callbackCore is a zapcore.Core that renders entries as "message k=v ..."
// and hands them to sink
type callbackCore struct {
	zapcore.LevelEnabler
	fields []zapcore.Field
	sink   func(Severity, string)
}

func newCallbackCore(enab zapcore.LevelEnabler, sink func(Severity, string)) zapcore.Core {
	return &callbackCore{LevelEnabler: enab, sink: sink}
}

func (c *callbackCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = make([]zapcore.Field, 0, len(c.fields)+len(fields))
	clone.fields = append(clone.fields, c.fields...)
	clone.fields = append(clone.fields, fields...)
	return &clone
}

func (c *callbackCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *callbackCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	keys := make([]string, 0, len(enc.Fields))
	for k := range enc.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(ent.Message)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, enc.Fields[k])
	}

	c.sink(severityOf(ent.Level), b.String())
	return nil
}

func (c *callbackCore) Sync() error {
	return nil
}
