package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/security"
)

type accessKey struct{}

// accessRecord collects caller details set by inner middleware so the
// access log, which wraps them, can report who made the request.
type accessRecord struct {
	caller security.Context
}

func withAccessRecord(ctx context.Context) (context.Context, *accessRecord) {
	rec := &accessRecord{caller: security.Anonymous()}
	return context.WithValue(ctx, accessKey{}, rec), rec
}

// annotateCaller records the authenticated caller for the access log.
func annotateCaller(ctx context.Context, sc security.Context) {
	if rec, ok := ctx.Value(accessKey{}).(*accessRecord); ok {
		rec.caller = sc
	}
}

// quietPaths are scraped or polled constantly and log at debug.
var quietPaths = map[string]bool{
	"/metrics": true,
	"/health":  true,
}

// Logger returns a request logging middleware using zerolog. The level
// follows the response class.
func Logger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, rec := withAccessRecord(r.Context())
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			var ev *zerolog.Event
			switch {
			case status >= 500:
				ev = logger.Error()
			case status >= 400:
				ev = logger.Warn()
			case quietPaths[r.URL.Path]:
				ev = logger.Debug()
			default:
				ev = logger.Info()
			}

			ev = ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("latency", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("remote_addr", r.RemoteAddr)
			if rec.caller.IsAuthenticated {
				ev = ev.Str("agent", rec.caller.UserID).Str("tier", string(rec.caller.Tier))
			}
			if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
				ev.Msg("websocket session closed")
				return
			}
			ev.Msg("request completed")
		})
	}
}
