package middleware

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// LoggerMiddleware logs each request at debug level, and at warn level when the
// response status is 5xx.
func LoggerMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	logger = logger.With().Str("component", "http").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			// Call the next handler in the chain
			next.ServeHTTP(rec, r)

			evt := logger.Debug()
			if rec.status >= http.StatusInternalServerError {
				evt = logger.Warn()
			}
			evt.Int("status", rec.status).
				Str("duration", time.Since(start).String()).
				Msgf("%s %s", r.Method, r.URL.RequestURI())
		})
	}
}
