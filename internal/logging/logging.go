package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const timeFormat = time.RFC3339

// New builds the process root logger. Format "console" renders human-readable
// output, anything else emits JSON lines.
func New(level, format string) zerolog.Logger {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: timeFormat}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// ErrorTypes renders the error's type chain. Auth-path failures are logged
// with this instead of the error text so user-supplied input never reaches
// the log stream.
func ErrorTypes(err error) string {
	types := make([]string, 0, 4)
	seen := map[string]struct{}{}
	for err != nil {
		name := fmt.Sprintf("%T", err)
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			types = append(types, name)
		}
		err = errors.Unwrap(err)
	}
	return strings.Join(types, "->")
}
