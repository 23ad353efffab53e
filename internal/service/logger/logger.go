package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is a no-op until Init is called.
var Log = zerolog.Nop()

type ctxKey struct{}

func Init(serviceName string) {
	InitWithWriter(serviceName, os.Stdout)
}

// InitWithWriter is used by processes whose stdout is reserved for another stream.
func InitWithWriter(serviceName string, w io.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	Log = zerolog.New(w).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

func WithContext(ctx context.Context, log zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

// FromContext returns the request or job scoped logger, falling back to Log.
func FromContext(ctx context.Context) *zerolog.Logger {
	if log, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return &log
	}
	return &Log
}

// WithJob returns a context whose logger carries the job id.
func WithJob(ctx context.Context, jobID string) context.Context {
	return WithContext(ctx, FromContext(ctx).With().Str("job_id", jobID).Logger())
}
