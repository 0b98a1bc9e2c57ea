// Package rpclog provides the leveled, structured logger shared by the
// server dispatcher, session core, and client reconnect controller.
package rpclog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
)

type Level int

const (
	OFF Level = iota
	DEBUG
	INFO
	WARN
	ERROR
	CRITICAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	case OFF:
		return "OFF"
	}
	return "UNKNOWN"
}

func (l Level) priority() rfc5424.Priority {
	switch l {
	case DEBUG:
		return rfc5424.Debug
	case INFO:
		return rfc5424.Info
	case WARN:
		return rfc5424.Warning
	case ERROR:
		return rfc5424.Error
	case CRITICAL:
		return rfc5424.Crit
	}
	return rfc5424.Info
}

var ErrNotOpen = errors.New("logger is not open")

const defaultAppname = "graphrpc"

// Logger is a minimal multi-writer leveled logger. It is safe for
// concurrent use by the dispatcher, session, and reconnect controller.
type Logger struct {
	mtx      sync.Mutex
	wtrs     []io.WriteCloser
	lvl      Level
	hot      bool
	hostname string
	appname  string
}

// New creates a logger writing to wtr at level INFO.
func New(wtr io.WriteCloser) *Logger {
	host, _ := os.Hostname()
	return &Logger{
		wtrs:     []io.WriteCloser{wtr},
		lvl:      INFO,
		hot:      true,
		hostname: host,
		appname:  defaultAppname,
	}
}

// NewDiscardLogger returns a logger that drops everything; useful as a
// default when the caller does not configure logging explicitly.
func NewDiscardLogger() *Logger {
	return New(discardCloser{})
}

// NewStderrLogger returns a logger writing RFC5424 lines to stderr.
func NewStderrLogger() *Logger {
	return New(os.Stderr)
}

func (l *Logger) Close() error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot {
		return ErrNotOpen
	}
	l.hot = false
	var err error
	for _, w := range l.wtrs {
		if cerr := w.Close(); cerr != nil {
			err = cerr
		}
	}
	return err
}

// AddWriter attaches an additional writer; every subsequent line goes to
// every attached writer.
func (l *Logger) AddWriter(wtr io.WriteCloser) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.wtrs = append(l.wtrs, wtr)
}

func (l *Logger) SetLevel(lvl Level) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.lvl = lvl
}

func (l *Logger) GetLevel() Level {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.lvl
}

func (l *Logger) Debugf(f string, args ...interface{}) { l.outputf(DEBUG, f, args...) }
func (l *Logger) Infof(f string, args ...interface{})  { l.outputf(INFO, f, args...) }
func (l *Logger) Warnf(f string, args ...interface{})  { l.outputf(WARN, f, args...) }
func (l *Logger) Errorf(f string, args ...interface{}) { l.outputf(ERROR, f, args...) }
func (l *Logger) Criticalf(f string, args ...interface{}) {
	l.outputf(CRITICAL, f, args...)
}

// Debug, Info, Warn, Error, Critical accept structured data parameters
// (rfc5424.SDParam) in addition to a plain message, the way the teacher's
// ingest/log package attaches key/value pairs for machine-parseable logs.
func (l *Logger) Debug(msg string, sds ...rfc5424.SDParam)    { l.output(DEBUG, msg, sds...) }
func (l *Logger) Info(msg string, sds ...rfc5424.SDParam)     { l.output(INFO, msg, sds...) }
func (l *Logger) Warn(msg string, sds ...rfc5424.SDParam)     { l.output(WARN, msg, sds...) }
func (l *Logger) Error(msg string, sds ...rfc5424.SDParam)    { l.output(ERROR, msg, sds...) }
func (l *Logger) Critical(msg string, sds ...rfc5424.SDParam) { l.output(CRITICAL, msg, sds...) }

func (l *Logger) outputf(lvl Level, f string, args ...interface{}) {
	l.output(lvl, fmt.Sprintf(f, args...))
}

func (l *Logger) output(lvl Level, msg string, sds ...rfc5424.SDParam) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot || lvl < l.lvl {
		return
	}
	ts := time.Now().UTC()
	m := rfc5424.Message{
		Priority:  lvl.priority(),
		Timestamp: ts,
		Hostname:  l.hostname,
		AppName:   l.appname,
		MessageID: "-",
		Message:   []byte(msg),
	}
	if len(sds) > 0 {
		m.StructuredData = []rfc5424.StructuredData{
			{ID: "graphrpc@0", Parameters: sds},
		}
	}
	line, err := m.MarshalBinary()
	if err != nil {
		return
	}
	line = append(line, '\n')
	for _, w := range l.wtrs {
		w.Write(line)
	}
}

type discardCloser struct{}

func (discardCloser) Write(b []byte) (int, error) { return len(b), nil }
func (discardCloser) Close() error                { return nil }
