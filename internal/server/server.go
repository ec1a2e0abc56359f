package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"switchboard/internal/gateway"
	"switchboard/internal/resilience"
)

// Config for the HTTP handler.
type Config struct {
	Gateway   *gateway.Gateway
	Readiness *resilience.Readiness
	Auth      AuthConfig
	Logger    *slog.Logger
	Version   string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_argument"`
	Message string         `json:"message" example:"invalid arguments for task_create: title: required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"fields\":[{\"field\":\"title\",\"reason\":\"required\"}]}"`
}

type bodyBytesKey struct{}

// maxBodyBytes admits the largest valid call: content at gateway.MaxContentLen runes,
// JSON-escaped at up to 12 bytes each, with the other capped fields and metadata.
const maxBodyBytes = 1 << 20

// apiError is the failure envelope shared by every route.
type apiError struct {
	status  int
	Success bool         `json:"success"`
	Body    apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns the HTTP handler: /healthz, /readyz and the tool routes.
func New(cfg Config) (http.Handler, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("server: gateway required")
	}
	if cfg.Readiness == nil {
		return nil, fmt.Errorf("server: readiness required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			var tooLarge *http.MaxBytesError
			switch {
			case errors.As(err, &tooLarge):
				respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, string(gateway.KindInvalidArgument),
					fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), nil))
				return
			case err != nil:
				respondStatusError(w, newAPIError(http.StatusBadRequest, "", "could not read request body", nil))
				return
			}
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(cfg.Auth))
	hcfg := huma.DefaultConfig("Switchboard API", version)
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)

	registerDocs(router)
	registerHealth(api)
	registerReady(api, cfg.Readiness)
	registerTools(api, cfg.Gateway)
	if cfg.Auth.enabled() {
		applyAuthSecurity(api.OpenAPI())
	}
	return router, nil
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

// handleError maps a gateway failure onto the envelope. Storage diagnostics stay in
// the log.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	kind := gateway.KindOf(err)
	return newAPIError(statusForKind(kind), string(kind), gateway.PublicMessage(err), gateway.Details(err))
}

func statusForKind(kind gateway.Kind) int {
	switch kind {
	case gateway.KindInvalidArgument:
		return http.StatusBadRequest
	case gateway.KindNotFound:
		return http.StatusNotFound
	case gateway.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return string(gateway.KindInvalidArgument)
	case http.StatusNotFound:
		return string(gateway.KindNotFound)
	case http.StatusServiceUnavailable:
		return string(gateway.KindUnavailable)
	case http.StatusInternalServerError:
		return string(gateway.KindInternal)
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
		})
	}
}

func registerDocs(r chi.Router) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML("/openapi.json"))
	})
}

func applyAuthSecurity(oas *huma.OpenAPI) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	for route, item := range oas.Paths {
		if !strings.HasPrefix(route, "/tools") {
			continue
		}
		for _, op := range []*huma.Operation{item.Get, item.Post} {
			if op != nil {
				op.Security = []map[string][]string{{"bearerAuth": {}}}
			}
		}
	}
}

func swaggerHTML(specURL string) string {
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Switchboard API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "healthz",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Liveness",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerReady(api huma.API, readiness *resilience.Readiness) {
	huma.Register(api, huma.Operation{
		OperationID: "readyz",
		Method:      http.MethodGet,
		Path:        "/readyz",
		Summary:     "Readiness: storage connected and breaker not open",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Status int
		Body   resilience.ReadyStatus `json:"body"`
	}, error) {
		st := readiness.Status()
		status := http.StatusOK
		if !st.Ready {
			status = http.StatusServiceUnavailable
		}
		return &struct {
			Status int
			Body   resilience.ReadyStatus `json:"body"`
		}{Status: status, Body: st}, nil
	})
}

func registerTools(api huma.API, g *gateway.Gateway) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tools",
		Method:      http.MethodGet,
		Path:        "/tools",
		Summary:     "List operations",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ToolListResponse `json:"body"`
	}, error) {
		return &struct {
			Body ToolListResponse `json:"body"`
		}{Body: ToolListResponse{Tools: mapTools(g.Operations())}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "call-tool",
		Method:      http.MethodPost,
		Path:        "/tools/{opName}",
		Summary:     "Invoke an operation",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		OpName string          `path:"opName"`
		Body   ToolCallRequest `required:"false"`
	}) (*struct {
		Body ToolCallResponse `json:"body"`
	}, error) {
		args := rawArguments(ctx)
		logArgs := []any{"op", input.OpName}
		if p, ok := principalFromContext(ctx); ok {
			logArgs = append(logArgs, "subject", p.Subject)
		}
		g.Logger.Debug("tool call", logArgs...)
		// A dispatched operation runs to completion even if the caller goes away.
		res, err := g.Dispatch(context.WithoutCancel(ctx), input.OpName, args)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ToolCallResponse `json:"body"`
		}{Body: ToolCallResponse{Success: true, Result: res}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if v := ctx.Value(bodyBytesKey{}); v != nil {
		if b, ok := v.([]byte); ok {
			return b
		}
	}
	return nil
}

// rawArguments returns the request's "arguments" member exactly as sent, so the gateway
// sees the caller's numbers and unknown fields rather than a re-encoded map.
func rawArguments(ctx context.Context) []byte {
	data := bodyBytes(ctx)
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	return raw["arguments"]
}
