package http3

import (
	"os"

	"github.com/rs/zerolog"
)

// NewLogger builds a zerolog.Logger writing structured JSON to stderr,
// tagged component=http3, for callers to pass as Options.Logger (a Session
// whose Options.Logger is nil logs nothing). The package's log calls add
// their own fields (stream_id, push_id, ...).
func NewLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Str("component", "http3").Logger()
}
