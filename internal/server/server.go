package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"annexe/internal/apperrors"
	"annexe/internal/ctxlog"
	"annexe/internal/engine"
	"annexe/internal/migrate"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"FORBIDDEN"`
	Message string         `json:"message" example:"Time is not over"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"reason\":\"not-over\"}"`
}

// apiError is the error envelope of every failed request.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the annexe API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		var details map[string]any
		if len(errs) > 0 {
			list := make([]string, 0, len(errs))
			for _, err := range errs {
				list = append(list, err.Error())
			}
			details = map[string]any{"errors": list}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(newAuthenticator(basePath, cfg.Auth, cfg.Engine).middleware)
	hcfg := huma.DefaultConfig("Annexe API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerVillages(group, cfg.Engine)
	registerCharacters(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerMissions(group, cfg.Engine)
	registerStats(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLog := logger.With("request_id", middleware.GetReqID(r.Context()))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctxlog.WithLogger(r.Context(), reqLog)))
			reqLog.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps coded errors onto HTTP statuses. Uncoded errors are
// reported as 500 without leaking their text.
func handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	code := apperrors.CodeOf(err)
	if code == apperrors.CodeUnknown {
		ctxlog.FromContext(ctx).Error("unhandled error", "err", err)
		return newAPIError(http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
	var details map[string]any
	if md := apperrors.MetadataOf(err); len(md) > 0 {
		details = make(map[string]any, len(md))
		for k, v := range md {
			details[k] = v
		}
	}
	status := code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		ctxlog.FromContext(ctx).Error("request failed", "code", code, "err", err)
	}
	return newAPIError(status, string(code), apperrors.MessageOf(err), details)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusNotFound:
		return string(apperrors.CodeNotFound)
	case http.StatusConflict:
		return string(apperrors.CodeConflict)
	case http.StatusUnprocessableEntity:
		return string(apperrors.CodeInvalid)
	case http.StatusForbidden:
		return string(apperrors.CodeForbidden)
	case http.StatusInternalServerError:
		return "INTERNAL"
	default:
		return strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

type healthOutput struct {
	Body struct {
		Status string `json:"status" example:"ok"`
		Schema int    `json:"schema" example:"2"`
	}
}

// registerHealth reports ok only when the database answers.
func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"meta"},
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		if e.DB == nil {
			return out, nil
		}
		if err := e.DB.PingContext(ctx); err != nil {
			ctxlog.FromContext(ctx).Error("health ping", "err", err)
			return nil, newAPIError(http.StatusServiceUnavailable, string(apperrors.CodeUnavailable), "database unavailable", nil)
		}
		v, err := migrate.Current(ctx, e.DB.DB)
		if err != nil {
			return nil, newAPIError(http.StatusServiceUnavailable, string(apperrors.CodeUnavailable), "schema unreadable", nil)
		}
		out.Body.Schema = v
		return out, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCursor(cursor string) (int64, huma.StatusError) {
	if cursor == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || id < 0 {
		return 0, newAPIError(http.StatusBadRequest, "", "invalid cursor", map[string]any{"cursor": cursor})
	}
	return id, nil
}
