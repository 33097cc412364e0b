package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

type contextKey int

const ctxKeyLogger contextKey = iota

// logFor returns the request logger, falling back to the default logger.
func logFor(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKeyLogger).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// withLogAttrs enriches the request logger.
func withLogAttrs(r *http.Request, args ...any) *http.Request {
	ctx := context.WithValue(r.Context(), ctxKeyLogger, logFor(r.Context()).With(args...))
	return r.WithContext(ctx)
}

// requestLogger echoes chi's request id to the client and scopes a logger to it.
// Must run after chimw.RequestID.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := chimw.GetReqID(r.Context())
		w.Header().Set("X-Request-ID", rid)
		ctx := context.WithValue(r.Context(), ctxKeyLogger, slog.Default().With("rid", rid))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// accessLog records one line and the request metrics per request.
func accessLog(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.RecordRequest()
			switch {
			case status >= 500:
				m.RecordError()
			case status >= 400:
				m.RecordClientError()
			}
			elapsed := time.Since(start)
			httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(status/100)+"xx").Inc()
			httpRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())

			logFor(r.Context()).Info("req",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"dur", elapsed.String(),
			)
		})
	}
}

// recoverJSON turns a handler panic into the API's 500 envelope.
func recoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logFor(r.Context()).Error("panic recovered", "panic", rec, "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
