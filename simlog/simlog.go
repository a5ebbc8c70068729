/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package simlog provides the leveled logger every simulated node logs
// through, in the shape of the teacher's gll/IngestLogger pair: a cheap
// level check guards formatting, and a nil-object default means callers
// never have to special-case a missing logger.
package simlog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
)

// Level gates which calls actually produce output.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
	Off
)

const defaultLevel = Warn

func ParseLevel(v string) Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return Debug
	case "info":
		return Info
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	case "off", "none":
		return Off
	default:
		return defaultLevel
	}
}

// Logger is implemented by anything a Node can log through.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// nodeLogger tags every emitted line with the owning node's NID in its
// RFC5424 MSGID field ("nid-<n>"), so a combined multi-node
// simulation log stream can be demultiplexed by grep/awk on that field.
type nodeLogger struct {
	mtx    sync.Mutex
	w      io.Writer
	level  Level
	nid    uint32
	appName string
}

// New returns a Logger that writes RFC5424-framed lines to w, gated at
// level, tagged with nid.
func New(w io.Writer, level Level, nid uint32) Logger {
	if w == nil {
		return NoLogger()
	}
	return &nodeLogger{w: w, level: level, nid: nid, appName: "nicsim"}
}

// NoLogger mirrors the teacher's nilLogger: every call is a safe no-op.
func NoLogger() Logger {
	return nilLogger{}
}

func (n *nodeLogger) emit(sev rfc5424.Priority, level Level, format string, args ...interface{}) {
	if level < n.level {
		return
	}
	msg := rfc5424.Message{
		Priority:  rfc5424.User | sev,
		Timestamp: time.Now(),
		Hostname:  "node",
		AppName:   n.appName,
		MessageID: fmt.Sprintf("nid-%d", n.nid),
		Message:   []byte(fmt.Sprintf(format, args...)),
	}
	b, err := msg.MarshalBinary()
	if err != nil {
		return
	}
	n.mtx.Lock()
	defer n.mtx.Unlock()
	_, _ = n.w.Write(append(b, '\n'))
}

func (n *nodeLogger) Debug(format string, args ...interface{}) {
	n.emit(rfc5424.Debug, Debug, format, args...)
}
func (n *nodeLogger) Info(format string, args ...interface{}) {
	n.emit(rfc5424.Info, Info, format, args...)
}
func (n *nodeLogger) Warn(format string, args ...interface{}) {
	n.emit(rfc5424.Warning, Warn, format, args...)
}
func (n *nodeLogger) Error(format string, args ...interface{}) {
	n.emit(rfc5424.Error, Error, format, args...)
}

type nilLogger struct{}

func (nilLogger) Debug(string, ...interface{}) {}
func (nilLogger) Info(string, ...interface{})  {}
func (nilLogger) Warn(string, ...interface{})  {}
func (nilLogger) Error(string, ...interface{}) {}

// Stderr is a convenience constructor matching how most teacher test files
// build a throwaway logger.
func Stderr(level Level, nid uint32) Logger {
	return New(os.Stderr, level, nid)
}
