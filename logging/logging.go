// Package logging wires semaphores into logrus.
//
// Library packages of this module never log on their own; they report through
// trace callbacks. Trace turns those callbacks into log entries, and
// PackageLogger gives each program package its own tagged logger.
package logging

import (
	"fmt"
	"io"
	"path"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/notorious-go/permits/trace"
)

const prefix = "github.com/notorious-go/permits/"

// PackageLogger returns a logger whose entries carry a "pkg" field naming the
// package of the caller. It is meant for package-level variables:
//
//	var plog = logging.PackageLogger()
func PackageLogger() *logrus.Entry {
	pkg := "unknown"
	if pc, _, _, ok := runtime.Caller(1); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			pkg = packageName(fn.Name())
		}
	}
	return logrus.WithField("pkg", strings.TrimPrefix(pkg, prefix))
}

// packageName strips the function part from a fully qualified function name
// such as "github.com/a/b/c.(*T).Method".
func packageName(fn string) string {
	slash := strings.LastIndex(fn, "/")
	if dot := strings.Index(fn[slash+1:], "."); dot >= 0 {
		return fn[:slash+1+dot]
	}
	return fn
}

// Configure sets up the standard logrus logger: its output, its level (one of
// logrus' level names such as "debug" or "warn"), and the ContextHook.
func Configure(out io.Writer, level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	logrus.SetOutput(out)
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.AddHook(ContextHook{})
	return nil
}

// ContextHook annotates entries with the file and line of the first caller
// inside this module.
type ContextHook struct{}

func (hook ContextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (hook ContextHook) Fire(entry *logrus.Entry) error {
	pc := make([]uintptr, 16)
	count := runtime.Callers(3, pc)
	frames := runtime.CallersFrames(pc[:count])
	for {
		frame, more := frames.Next()
		if strings.HasPrefix(frame.Function, prefix) && !strings.HasPrefix(frame.Function, prefix+"logging.") {
			entry.Data["file"] = path.Base(frame.File)
			entry.Data["line"] = frame.Line
			break
		}
		if !more {
			break
		}
	}
	return nil
}

// Trace returns a SemaphoreTrace which logs every semaphore event to log.
// Acquisitions, releases and cancellations are logged at debug level, added
// permits at info, and leaked guards at warning.
func Trace(log *logrus.Entry) trace.SemaphoreTrace {
	return trace.SemaphoreTrace{
		Acquired: func(e trace.SemaphoreAcquired) {
			withCommon(log, e.SemaphoreCommon).WithFields(logrus.Fields{
				"mode":   e.Mode,
				"owned":  e.Owned,
				"waited": e.Waited,
			}).Debug("Acquired permit")
		},
		Released: func(e trace.SemaphoreReleased) {
			withCommon(log, e.SemaphoreCommon).WithField("owned", e.Owned).Debug("Released permit")
		},
		Cancelled: func(e trace.SemaphoreCancelled) {
			withCommon(log, e.SemaphoreCommon).WithFields(logrus.Fields{
				"mode":   e.Mode,
				"owned":  e.Owned,
				"waited": e.Waited,
			}).WithError(e.Err).Debug("Gave up waiting for permit")
		},
		PermitsAdded: func(e trace.SemaphorePermitsAdded) {
			withCommon(log, e.SemaphoreCommon).WithField("added", e.N).Info("Added permits")
		},
		GuardLeaked: func(e trace.SemaphoreGuardLeaked) {
			withCommon(log, e.SemaphoreCommon).Warn("Reclaimed permit from an owned guard that was never released")
		},
	}
}

func withCommon(log *logrus.Entry, c trace.SemaphoreCommon) *logrus.Entry {
	fields := logrus.Fields{"available": c.Available}
	if c.Name != "" {
		fields["semaphore"] = c.Name
	}
	return log.WithFields(fields)
}
