package httpapi

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"kasirledger/backend/internal/idempotency"
	"kasirledger/backend/internal/service"
)

const idempotencyHeader = "Idempotency-Key"

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		next.ServeHTTP(w, r)
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		a.logger.Info("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("latency", time.Since(startedAt)),
		)
	})
}

// recordingWriter keeps a copy of the response so it can be stored for
// replay.
type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *recordingWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	w.body.Write(p)
	return w.ResponseWriter.Write(p)
}

// idempotent replays the stored response for a repeated Idempotency-Key.
// Keys are scoped to the authenticated user. Responses with status >= 500
// are not stored, so the client may retry them.
func (a *API) idempotent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
		if key == "" {
			next(w, r)
			return
		}
		if len(key) > 255 {
			a.writeError(w, http.StatusBadRequest, errors.New("idempotency key is too long"))
			return
		}

		body, err := readBody(r)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		actor, _ := service.ActorFromContext(r.Context())
		scopedKey := actor.Username + ":" + key
		fingerprint := idempotency.Fingerprint(r.Method, r.URL.Path, body)

		rec, reserved, err := a.idempotency.Reserve(r.Context(), scopedKey, fingerprint)
		if err != nil {
			a.writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !reserved {
			switch {
			case rec.Fingerprint != fingerprint:
				a.writeError(w, http.StatusUnprocessableEntity, errors.New("idempotency key was used for a different request"))
			case rec.State != idempotency.StateCompleted:
				a.writeError(w, http.StatusConflict, errors.New("a request with this idempotency key is still in progress"))
			default:
				if rec.ContentType != "" {
					w.Header().Set("Content-Type", rec.ContentType)
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(rec.StatusCode)
				_, _ = w.Write(rec.Body)
			}
			return
		}

		rw := &recordingWriter{ResponseWriter: w}
		completed := false
		defer func() {
			if completed {
				return
			}
			if err := a.idempotency.Release(r.Context(), scopedKey); err != nil {
				a.logger.Warn("failed to release idempotency key", zap.String("key", key), zap.Error(err))
			}
		}()

		next(rw, r)

		if rw.status == 0 || rw.status >= 500 {
			return
		}
		if err := a.idempotency.Complete(r.Context(), scopedKey, rw.status, rw.Header().Get("Content-Type"), rw.body.Bytes()); err != nil {
			a.logger.Warn("failed to store idempotent response", zap.String("key", key), zap.Error(err))
			return
		}
		completed = true
	}
}
