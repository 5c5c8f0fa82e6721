package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	appCtx "github.com/baechuer/onchain-market/services/affiliate-service/internal/pkg/context"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

var Logger = zerolog.New(io.Discard)

// Init configures the package and global loggers on stdout.
func Init(level, format string) {
	InitWithWriter(os.Stdout, level, format)
}

// InitWithWriter: level falls back to info; format is "json" or "console".
func InitWithWriter(w io.Writer, level, format string) {
	lvl, err := zerolog.ParseLevel(strings.TrimSpace(level))
	if err != nil || strings.TrimSpace(level) == "" {
		lvl = zerolog.InfoLevel
	}

	if strings.EqualFold(strings.TrimSpace(format), "json") {
		Logger = zerolog.New(w).With().Timestamp().Logger().Level(lvl)
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger().Level(lvl)
	}

	zlog.Logger = Logger
}

// WithCtx returns the package logger annotated with the request id, if any.
func WithCtx(ctx context.Context) *zerolog.Logger {
	l := Logger
	if rid := appCtx.GetRequestID(ctx); rid != "" {
		l = l.With().Str("request_id", rid).Logger()
	}
	return &l
}
