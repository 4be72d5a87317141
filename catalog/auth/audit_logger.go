package auth

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func clientIp(r *http.Request) string {
	if ip := r.Header.Get("X-Real-Ip"); len(ip) > 0 {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); len(ip) > 0 {
		return ip
	}
	if len(r.RemoteAddr) > 0 {
		return r.RemoteAddr
	}
	return "Unknown"
}

func protocol(r *http.Request) string {
	protocol := r.Header.Get("X-Forwarded-Proto")
	if len(protocol) > 0 {
		return protocol
	}
	return r.URL.Scheme
}

// auditedEntities maps route params to the catalog entity they identify. The
// first one present in a route is the entity the request acts on.
var auditedEntities = []struct{ param, entity string }{
	{"resource_id", "resource"},
	{"collection_id", "collection"},
	{"job_id", "upload_job"},
	{"request_id", "collection_request"},
	{"message_id", "message"},
	{"project_id", "project"},
	{"user_id", "user"},
}

// targetEntity reports which catalog entity the matched route addresses. It
// is only complete once the router has matched the route.
func targetEntity(rctx *chi.Context) (string, string) {
	if rctx == nil {
		return "", ""
	}
	for _, e := range auditedEntities {
		if id := rctx.URLParam(e.param); id != "" {
			return e.entity, id
		}
	}
	return "", ""
}

func pathParams(rctx *chi.Context) []interface{} {
	params := make([]interface{}, 0)
	if rctx == nil {
		return params
	}
	for i := range rctx.URLParams.Keys {
		if rctx.URLParams.Keys[i] != "*" {
			params = append(params, slog.String(rctx.URLParams.Keys[i], rctx.URLParams.Values[i]))
		}
	}
	return params
}

func queryParams(r *http.Request) []interface{} {
	params := make([]interface{}, 0)
	for k, v := range r.URL.Query() {
		params = append(params, slog.String(k, strings.Join(v, ";")))
	}
	return params
}

// AuditLogger records one JSON line per authenticated request. It runs after
// the identity provider has placed the user in the request context and writes
// the line once the handler has finished, so the entity and the outcome of the
// permission checks are known.
type AuditLogger struct {
	logger *slog.Logger
}

func NewAuditLogger(stream io.Writer) AuditLogger {
	logger := slog.New(slog.NewJSONHandler(stream, nil))
	return AuditLogger{logger: logger}
}

func (log *AuditLogger) Middleware(next http.Handler) http.Handler {
	handler := func(w http.ResponseWriter, r *http.Request) {
		user, err := UserFromContext(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		rctx := chi.RouteContext(r.Context())
		entity, entityId := targetEntity(rctx)
		route := ""
		if rctx != nil {
			route = rctx.RoutePattern()
		}

		level := slog.LevelInfo
		if status == http.StatusForbidden {
			level = slog.LevelWarn
		}

		log.logger.Log(r.Context(), level, "catalog request",
			"request_id", middleware.GetReqID(r.Context()),
			"username", user.Username,
			"user_id", user.Id,
			"is_admin", user.IsAdmin,
			"client_ip", clientIp(r),
			"protocol", protocol(r),
			"method", r.Method,
			"url", r.URL.Path,
			"route", route,
			"entity", entity,
			"entity_id", entityId,
			"status", status,
			"denied", status == http.StatusForbidden,
			slog.Group("path_params", pathParams(rctx)...),
			slog.Group("query_params", queryParams(r)...),
		)
	}
	return http.HandlerFunc(handler)
}
