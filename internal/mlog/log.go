// Package mlog provides logging with log levels and fields, in the style
// used throughout this module: each log line is built from a constant
// message plus a varargs list of Pair fields, so messages stay greppable and
// variable data stays structured.
package mlog

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

type Level int

const (
	LevelError Level = iota
	LevelInfo
	LevelDebug
	LevelTrace
)

var levelStrings = map[Level]string{
	LevelError: "error",
	LevelInfo:  "info",
	LevelDebug: "debug",
	LevelTrace: "trace",
}

// config holds a map[string]Level from package name (the "pkg" field) to log
// level; the empty string is the default/fallback.
var config atomic.Value

func init() {
	config.Store(map[string]Level{"": LevelInfo})
}

// SetConfig atomically replaces the package-to-level configuration used by
// all Log instances.
func SetConfig(c map[string]Level) {
	config.Store(c)
}

// Pair is a field/value pair added to a logged line.
type Pair struct {
	key   string
	value any
}

// Field makes a Pair.
func Field(k string, v any) Pair {
	return Pair{k, v}
}

// Log is a logger instance, with its own fields added to any output.
type Log struct {
	fields []Pair
}

// New returns a Log for the named package, adding a "pkg" field to every
// line it logs.
func New(pkg string) *Log {
	return &Log{fields: []Pair{{"pkg", pkg}}}
}

type cidKey struct{}

// WithCid returns a Log with a "cid" (connection id) field added, for
// correlating every line logged during one session.
func (l *Log) WithCid(cid int64) *Log {
	return l.Fields(Pair{"cid", cid})
}

// WithContext adds a "cid" field taken from ctx, if one was stored with
// WithCidContext.
func (l *Log) WithContext(ctx context.Context) *Log {
	cid, ok := ctx.Value(cidKey{}).(int64)
	if !ok {
		return l
	}
	return l.WithCid(cid)
}

// WithCidContext returns a context carrying cid, for later retrieval by
// WithContext.
func WithCidContext(ctx context.Context, cid int64) context.Context {
	return context.WithValue(ctx, cidKey{}, cid)
}

// Fields returns a Log with additional fields prepended.
func (l *Log) Fields(fields ...Pair) *Log {
	nl := *l
	nl.fields = append(append([]Pair{}, fields...), nl.fields...)
	return &nl
}

func (l *Log) Debug(text string, fields ...Pair) { l.logx(LevelDebug, nil, text, fields...) }
func (l *Log) Info(text string, fields ...Pair)  { l.logx(LevelInfo, nil, text, fields...) }
func (l *Log) Error(text string, fields ...Pair) { l.logx(LevelError, nil, text, fields...) }
func (l *Log) Trace(text string, fields ...Pair) { l.logx(LevelTrace, nil, text, fields...) }

func (l *Log) Errorx(text string, err error, fields ...Pair) { l.logx(LevelError, err, text, fields...) }
func (l *Log) Infox(text string, err error, fields ...Pair)  { l.logx(LevelInfo, err, text, fields...) }
func (l *Log) Debugx(text string, err error, fields ...Pair) bool {
	l.logx(LevelDebug, err, text, fields...)
	return err != nil
}

// Check logs err at error level with text if err is non-nil; a convenience
// for defer-ed cleanup calls whose error isn't otherwise actionable.
func (l *Log) Check(err error, text string, fields ...Pair) {
	if err != nil {
		l.Errorx(text, err, fields...)
	}
}

func (l *Log) logx(level Level, err error, text string, fields ...Pair) {
	if !l.enabled(level) {
		return
	}
	all := append(append([]Pair{}, l.fields...), fields...)
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s: %s", levelStrings[level], logfmtValue(text))
	if err != nil {
		fmt.Fprintf(&b, ": %s", logfmtValue(err.Error()))
	}
	for _, kv := range all {
		fmt.Fprintf(&b, " %s=%s", kv.key, logfmtValue(stringValue(kv.value)))
	}
	b.WriteByte('\n')
	os.Stderr.Write(b.Bytes())
}

func (l *Log) enabled(level Level) bool {
	cl := config.Load().(map[string]Level)
	for _, kv := range l.fields {
		if kv.key != "pkg" {
			continue
		}
		if pkg, ok := kv.value.(string); ok {
			if v, ok := cl[pkg]; ok {
				return v >= level
			}
		}
	}
	return cl[""] >= level
}

func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' {
			return strconv.Quote(s)
		}
	}
	return s
}

func stringValue(v any) string {
	switch r := v.(type) {
	case string:
		return r
	case fmt.Stringer:
		return r.String()
	case error:
		return r.Error()
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}
