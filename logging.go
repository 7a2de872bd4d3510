package amondawa

import (
	"os"

	"github.com/rs/zerolog"
)

// log is the package-wide structured logger. Call shape
// (log.Error().Err(err).Str(...).Msg(...)) is grounded in the teacher's
// db_internal.go, whose logger calls use exactly this zerolog fluent API.
var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

// Log returns the package-wide logger, for callers outside the package
// (cmd/amondawad, internal/httpapi) that want the same sink and format.
func Log() zerolog.Logger { return log }
