// Package klog adds a thin wrapper around logrus to improve non-debug
// logging performance and to give every subsystem a uniform way to log
// its own configuration.
package klog

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

var (
	l     = logrus.New()
	debug = false
)

// SetDebug controls debug logging.
func SetDebug(to bool) {
	debug = to
	if to {
		l.Level = logrus.DebugLevel
	}
}

// SetFormatter sets the formatter used by the global logger.
func SetFormatter(to logrus.Formatter) {
	l.Formatter = to
}

// SetOutput sets the writer the global logger writes to.
func SetOutput(to io.Writer) {
	l.Out = to
}

// Fields is a map of structured logging fields.
type Fields map[string]interface{}

// LogFields implements Fielder for Fields.
func (f Fields) LogFields() Fields { return f }

// Fielder is satisfied by anything that can describe itself as Fields,
// most commonly a subsystem Config.
type Fielder interface {
	LogFields() Fields
}

type errFielder struct{ e error }

func (e errFielder) LogFields() Fields {
	return Fields{
		"error": e.e.Error(),
		"type":  fmt.Sprintf("%T", e.e),
	}
}

// Err wraps an error so it can be passed as a Fielder.
func Err(e error) Fielder {
	return errFielder{e}
}

type component struct {
	name string
	f    Fielder
}

func (c component) LogFields() Fields {
	fields := Fields{"component": c.name}
	if c.f != nil {
		for k, v := range c.f.LogFields() {
			fields[k] = v
		}
	}
	return fields
}

// Component tags a Fielder (or nil) with the name of the subsystem
// emitting the log line.
func Component(name string, f Fielder) Fielder {
	return component{name: name, f: f}
}

// mergeFielders merges the Fields of multiple Fielders. Fields from the
// first Fielder are used unchanged; Fields from subsequent Fielders are
// prefixed with "%d." starting from 1, to avoid silently clobbering keys.
func mergeFielders(fielders ...Fielder) logrus.Fields {
	if fielders[0] == nil {
		return nil
	}

	fields := fielders[0].LogFields()
	for i := 1; i < len(fielders); i++ {
		if fielders[i] == nil {
			continue
		}
		prefix := fmt.Sprint(i, ".")
		for k, v := range fielders[i].LogFields() {
			fields[prefix+k] = v
		}
	}

	return logrus.Fields(fields)
}

// Debug logs at the debug level if debug logging is enabled.
func Debug(v interface{}, fielders ...Fielder) {
	if !debug {
		return
	}
	if len(fielders) != 0 {
		l.WithFields(mergeFielders(fielders...)).Debug(v)
	} else {
		l.Debug(v)
	}
}

// Info logs at the info level.
func Info(v interface{}, fielders ...Fielder) {
	if len(fielders) != 0 {
		l.WithFields(mergeFielders(fielders...)).Info(v)
	} else {
		l.Info(v)
	}
}

// Warn logs at the warning level.
func Warn(v interface{}, fielders ...Fielder) {
	if len(fielders) != 0 {
		l.WithFields(mergeFielders(fielders...)).Warn(v)
	} else {
		l.Warn(v)
	}
}

// Error logs at the error level.
func Error(v interface{}, fielders ...Fielder) {
	if len(fielders) != 0 {
		l.WithFields(mergeFielders(fielders...)).Error(v)
	} else {
		l.Error(v)
	}
}

// Fatal logs at the fatal level and exits with a status code != 0.
func Fatal(v interface{}, fielders ...Fielder) {
	if len(fielders) != 0 {
		l.WithFields(mergeFielders(fielders...)).Fatal(v)
	} else {
		l.Fatal(v)
	}
}
