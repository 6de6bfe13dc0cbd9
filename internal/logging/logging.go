package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/go-kit/kit/log"
)

// New returns the root logger for a binary. format is "logfmt" or "json".
func New(w io.Writer, format string) (log.Logger, error) {
	if w == nil {
		w = os.Stderr
	}

	var logger log.Logger
	switch format {
	case "", "logfmt":
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	case "json":
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)
	return logger, nil
}

// Component scopes a logger to one part of a binary.
func Component(logger log.Logger, name string) log.Logger {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return log.With(logger, "component", name)
}
