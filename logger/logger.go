// Package logger is a small leveled wrapper over anacrolix/log that keeps
// info-hashes short in the output.
package logger

import (
	"fmt"
	"strings"

	"github.com/anacrolix/log"
)

type Logger struct {
	l      log.Logger
	prefix string
	debug  bool
	mute   bool
}

// Discard drops everything.
var Discard = Logger{l: log.Discard, mute: true}

func New(name string, debug bool) Logger {
	return Logger{
		l:      log.Default.WithDefaultLevel(log.Info),
		prefix: fmt.Sprintf("[%s] ", name),
		debug:  debug,
	}
}

// Named returns a child logger with name appended to the prefix.
func (lg Logger) Named(name string) Logger {
	if lg.mute {
		return lg
	}
	c := lg
	c.prefix = strings.TrimSuffix(lg.prefix, " ") + fmt.Sprintf("[%s] ", name)
	return c
}

func (lg Logger) Debugf(format string, v ...interface{}) {
	if !lg.debug {
		return
	}
	lg.printf(log.Debug, format, v...)
}

func (lg Logger) Infof(format string, v ...interface{}) {
	lg.printf(log.Info, format, v...)
}

func (lg Logger) Warnf(format string, v ...interface{}) {
	lg.printf(log.Warning, format, v...)
}

func (lg Logger) Errorf(format string, v ...interface{}) {
	lg.printf(log.Error, format, v...)
}

func (lg Logger) printf(level log.Level, format string, v ...interface{}) {
	if lg.mute {
		return
	}
	lg.l.WithDefaultLevel(level).Printf(lg.prefix+format, filteredArg(v...)...)
}

// filteredArg shortens 40 char hex strings (info-hashes) to their first six
// characters.
func filteredArg(v ...interface{}) []interface{} {
	out := make([]interface{}, len(v))
	for idx, arg := range v {
		out[idx] = arg
		if s, ok := arg.(string); ok && len(s) == 40 && isHex(s) {
			out[idx] = fmt.Sprintf("[%s..]", s[:6])
		}
	}
	return out
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return true
}
