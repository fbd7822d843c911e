package middleware

import (
	"bytes"
	"net/http"

	"go.uber.org/zap"

	"github.com/petrhale/camshaft/control_plane/idempotency"
)

// IdempotencyKeyHeader names the header clients set on mutating requests they
// may retry.
const IdempotencyKeyHeader = "Idempotency-Key"

// recordingWriter captures the response so it can be replayed for a repeated
// key.
type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rw *recordingWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *recordingWriter) Write(p []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	rw.body.Write(p)
	return rw.ResponseWriter.Write(p)
}

// Idempotency replays the recorded response when a mutating request repeats
// an Idempotency-Key. Requests without the header pass through untouched.
func Idempotency(rec idempotency.Recorder, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" || r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			tenant, err := GetTenantFromContext(r.Context())
			if err != nil {
				tenant = "anonymous"
			}

			if prev, found, err := rec.Get(r.Context(), tenant, key); err == nil && found {
				if prev.ContentType != "" {
					w.Header().Set("Content-Type", prev.ContentType)
				}
				w.Header().Set("X-Idempotent-Replay", "true")
				w.WriteHeader(prev.StatusCode)
				_, _ = w.Write(prev.Body)
				return
			} else if err != nil {
				// The recorder being down must not block the API; the request
				// simply runs without replay protection.
				logger.Warn("idempotency lookup failed", zap.Error(err))
			}

			rw := &recordingWriter{ResponseWriter: w}
			next.ServeHTTP(rw, r)

			// Only successful outcomes are worth replaying; a failed attempt
			// should be allowed to retry for real.
			if rw.status >= 200 && rw.status < 300 {
				resp := idempotency.Response{
					StatusCode:  rw.status,
					ContentType: rw.Header().Get("Content-Type"),
					Body:        rw.body.Bytes(),
				}
				if err := rec.Put(r.Context(), tenant, key, resp); err != nil {
					logger.Warn("idempotency record failed", zap.Error(err))
				}
			}
		})
	}
}
