package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/agepredict/pkg/domain"
	"github.com/polisai/agepredict/pkg/telemetry"
)

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rw *statusRecorder) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *statusRecorder) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// correlationMiddleware reads the correlation headers, stamps them on the
// server span and stores them in the request context. The request id is
// echoed on the response.
func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := telemetry.CorrelationFromHeaders(r.Header)
		if corr.RequestID == "" && s.generateRequestID {
			corr.RequestID = uuid.NewString()
			r.Header.Set(domain.HeaderRequestID, corr.RequestID)
		}
		if corr.RequestID != "" {
			w.Header().Set(domain.HeaderRequestID, corr.RequestID)
		}

		span := trace.SpanFromContext(r.Context())
		span.SetAttributes(telemetry.HeaderAttributes(r.Header)...)
		span.SetAttributes(telemetry.CorrelationAttributes(corr)...)

		ctx := r.Context()
		if !corr.IsZero() {
			ctx = telemetry.WithCorrelation(ctx, corr)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// routeSpanName renames the server span after the matched route.
func routeSpanName(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				trace.SpanFromContext(r.Context()).SetName(r.Method + " " + tmpl)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one record per completed request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newStatusRecorder(w)
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if rec.status >= http.StatusInternalServerError {
			// the recoverer already reported the failure at error level
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// recoverer turns a panicking handler into a 500 with a generic body. The
// process keeps serving.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rv := recover()
			if rv == nil {
				return
			}
			if rv == http.ErrAbortHandler {
				panic(rv)
			}

			err, ok := rv.(error)
			if !ok {
				err = fmt.Errorf("%v", rv)
			}
			s.logger.ErrorContext(r.Context(), "An unexpected error occurred", "error", err)
			s.writeError(w, r, http.StatusInternalServerError, &domain.DomainError{
				Err:    err,
				Code:   domain.CodeInternalError,
				Status: http.StatusInternalServerError,
			})
		}()
		next.ServeHTTP(w, r)
	})
}
