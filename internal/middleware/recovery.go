package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/radiusdt/funnel-report/internal/observability"
)

// RecoveryMiddleware recovers from panics, logs them and reports them.
type RecoveryMiddleware struct {
	logger   *zap.Logger
	reporter observability.Reporter
}

// NewRecoveryMiddleware creates a new recovery middleware. A nil reporter
// only logs.
func NewRecoveryMiddleware(logger *zap.Logger, reporter observability.Reporter) *RecoveryMiddleware {
	if reporter == nil {
		reporter = observability.Nop{}
	}
	return &RecoveryMiddleware{
		logger:   logger,
		reporter: reporter,
	}
}

// Handler wraps an http.Handler with panic recovery.
func (rm *RecoveryMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				rm.logger.Error("panic recovered",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
					zap.String("method", r.Method),
					zap.String("remote_addr", r.RemoteAddr),
					zap.String("stack", string(debug.Stack())),
				)
				rm.reporter.CaptureError(fmt.Errorf("panic: %v", err), map[string]string{
					"path":   r.URL.Path,
					"method": r.Method,
				})

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"error":"internal server error"}`))
			}
		}()

		next.ServeHTTP(w, r)
	})
}
