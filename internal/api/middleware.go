package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/rxfield/crm/internal/pkg/httputil"
	"github.com/rxfield/crm/internal/pkg/logger"
	"github.com/rxfield/crm/internal/service/campaign"
)

// Headers set by the CRM gateway after it authenticates the user.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

type contextKey string

const callerKey contextKey = "caller"

// requireCaller reads the acting user from the gateway headers and rejects
// requests that carry none.
func requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if id == "" {
			httputil.Problem(w, r, http.StatusUnauthorized, "unauthorized", "missing "+HeaderUserID+" header")
			return
		}
		c := campaign.Caller{
			UserID: id,
			Admin:  strings.EqualFold(r.Header.Get(HeaderUserRole), "admin"),
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, c)))
	})
}

// CallerFrom returns the caller stored by requireCaller.
func CallerFrom(ctx context.Context) (campaign.Caller, bool) {
	c, ok := ctx.Value(callerKey).(campaign.Caller)
	return c, ok
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		if strings.HasPrefix(r.URL.Path, "/health") {
			return
		}
		logger.Info("http request",
			"component", "api",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
