// Package cmdutil holds helpers shared by the farfs and farfsd commands.
package cmdutil

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// LogLevel implements flag.Value for the minimum level to log. The zero
// value logs at info.
type LogLevel struct {
	value  level.Value
	option level.Option
}

// String implements flag.Value.
func (l LogLevel) String() string {
	if l.value == nil {
		return level.InfoValue().String()
	}
	return l.value.String()
}

// Set implements flag.Value.
func (l *LogLevel) Set(in string) error {
	switch strings.ToLower(in) {
	case "error":
		l.value, l.option = level.ErrorValue(), level.AllowError()
	case "warn":
		l.value, l.option = level.WarnValue(), level.AllowWarn()
	case "info":
		l.value, l.option = level.InfoValue(), level.AllowInfo()
	case "debug":
		l.value, l.option = level.DebugValue(), level.AllowDebug()
	default:
		return fmt.Errorf("unknown log level %q, valid options error, warn, info, debug", in)
	}
	return nil
}

// FilterOption returns l for use with level.NewFilter.
func (l LogLevel) FilterOption() level.Option {
	if l.option == nil {
		return level.AllowInfo()
	}
	return l.option
}

// LogFormat implements flag.Value for the log line format: logfmt or json.
// The zero value is logfmt.
type LogFormat string

// String implements flag.Value.
func (f LogFormat) String() string {
	if f == "" {
		return "logfmt"
	}
	return string(f)
}

// Set implements flag.Value.
func (f *LogFormat) Set(in string) error {
	switch in := strings.ToLower(in); in {
	case "logfmt", "json":
		*f = LogFormat(in)
		return nil
	default:
		return fmt.Errorf("unknown log format %q, valid options logfmt, json", in)
	}
}

// NewLogger creates a leveled logger writing to w.
func NewLogger(w io.Writer, lvl LogLevel, format LogFormat) log.Logger {
	var l log.Logger
	switch format {
	case "json":
		l = log.NewJSONLogger(log.NewSyncWriter(w))
	default:
		l = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}
	l = level.NewFilter(l, lvl.FilterOption())
	return log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}
