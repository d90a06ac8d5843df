package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"pulseline/internal/advisor"
	"pulseline/internal/domain"
	"pulseline/internal/engine"
	"pulseline/internal/repo"
	"pulseline/internal/scanner"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Advisor  *advisor.Service
	Runner   *scanner.Runner
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"signal already acknowledged"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"org_id\":\"acme\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Pulseline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Pulseline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSignals(group, cfg.Engine)
	registerRisks(group, cfg.Engine, cfg.Advisor)
	registerForecasts(group, cfg.Engine)
	registerRecommendations(group, cfg.Engine, cfg.Advisor)
	registerLearning(group, cfg.Engine)
	registerScan(group, cfg.Runner, cfg.Advisor)
	registerEvents(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerStreams(router, basePath, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if se, ok := err.(huma.StatusError); ok {
		return se
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	var ce *engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var te *engine.TenantMismatchError
	if errors.As(err, &te) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"org_id": te.OrgID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	openPaths := map[string]bool{}
	for _, p := range []string{"health", "auth/dev/login"} {
		full := path.Join(basePath, p)
		if !strings.HasPrefix(full, "/") {
			full = "/" + full
		}
		openPaths[full] = true
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if openPaths[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Pulseline API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerSignals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-signal",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/signals",
		Summary:       "Ingest signal",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		OrgID string              `path:"org_id"`
		Body  CreateSignalRequest `json:"body"`
	}) (*struct {
		Body SignalResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requireOrg(ctx, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.SignalCreateOptions{
			OrgID:          input.OrgID,
			SourceSolution: input.Body.SourceSolution,
			SignalType:     input.Body.SignalType,
			Severity:       domain.Severity(input.Body.Severity),
			EntityKind:     input.Body.EntityKind,
			EntityRef:      input.Body.EntityReference,
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			Metadata:       input.Body.Metadata,
			ActorID:        p.ActorID,
		}
		if input.Body.DetectedAt != nil {
			opts.DetectedAt = *input.Body.DetectedAt
		}
		s, created, err := e.CreateSignal(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		if !created {
			return nil, newAPIError(http.StatusConflict, "duplicate_signal",
				"an open signal already exists for this entity and type", map[string]any{
					"entity_reference": input.Body.EntityReference,
					"signal_type":      input.Body.SignalType,
				})
		}
		return &struct {
			Body SignalResponse `json:"body"`
		}{Body: signalResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-signals",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/signals",
		Summary:     "List signals",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID        string `path:"org_id"`
		Severity     string `query:"severity" enum:"info,warning,critical"`
		Source       string `query:"source"`
		SignalType   string `query:"signal_type"`
		Acknowledged string `query:"acknowledged" enum:"true,false"`
		Limit        int    `query:"limit" default:"50"`
		Cursor       string `query:"cursor"`
	}) (*struct {
		Body paginatedSignals `json:"body"`
	}, error) {
		if _, authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		f := repo.SignalFilters{
			OrgID:           input.OrgID,
			Severity:        input.Severity,
			Source:          input.Source,
			SignalType:      input.SignalType,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		}
		if input.Acknowledged != "" {
			acked := input.Acknowledged == "true"
			f.Acknowledged = &acked
		}
		items, err := e.Repo.ListSignals(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedSignals{Items: []SignalResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].DetectedAt, items[limit].ID)
			items = items[:limit]
		}
		for _, s := range items {
			resp.Items = append(resp.Items, signalResponse(s))
		}
		return &struct {
			Body paginatedSignals `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "signal-summary",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/signals/summary",
		Summary:     "Signal counts by severity and source",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body repo.SignalSummary `json:"body"`
	}, error) {
		if _, authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		sum, err := e.Repo.SummarizeSignals(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body repo.SignalSummary `json:"body"`
		}{Body: sum}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-signal",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/signals/{id}",
		Summary:     "Get signal",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
		ID    string `path:"id"`
	}) (*struct {
		Body SignalResponse `json:"body"`
	}, error) {
		if _, authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		s, err := e.Repo.GetSignal(ctx, input.OrgID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SignalResponse `json:"body"`
		}{Body: signalResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "acknowledge-signal",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/signals/{id}/acknowledge",
		Summary:     "Acknowledge signal",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
		ID    string `path:"id"`
	}) (*struct {
		Body SignalResponse `json:"body"`
	}, error) {
		p, authErr := requireOrg(ctx, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.AcknowledgeSignal(ctx, input.OrgID, input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SignalResponse `json:"body"`
		}{Body: signalResponse(s)}, nil
	})
}

func registerRisks(api huma.API, e engine.Engine, adv *advisor.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-risk",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/risks",
		Summary:       "Register risk",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		OrgID string            `path:"org_id"`
		Body  CreateRiskRequest `json:"body"`
	}) (*struct {
		Body domain.Risk `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requireOrg(ctx, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		rk, err := e.CreateRisk(ctx, engine.RiskCreateOptions{
			OrgID:       input.OrgID,
			Domain:      input.Body.Domain,
			RiskType:    input.Body.RiskType,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Probability: input.Body.Probability,
			Impact:      input.Body.Impact,
			ActorID:     p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if adv != nil && e.Critical(rk) {
			if _, err := adv.FromRisk(ctx, rk, p.ActorID, true); err != nil {
				log.Printf("server: advisor on critical risk %s: %v", rk.ID, err)
			}
		}
		return &struct {
			Body domain.Risk `json:"body"`
		}{Body: rk}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-risks",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/risks",
		Summary:     "List risks",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID  string `path:"org_id"`
		Status string `query:"status" enum:"OPEN,ESCALATING,MITIGATED,CLOSED"`
		Domain string `query:"domain"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedRisks `json:"body"`
	}, error) {
		if _, authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListRisks(ctx, repo.RiskFilters{
			OrgID:           input.OrgID,
			Status:          input.Status,
			Domain:          input.Domain,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedRisks{Items: []domain.Risk{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedRisks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "risk-heatmap",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/risks/heatmap",
		Summary:     "Probability/impact heatmap over non-closed risks",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body engine.Heatmap `json:"body"`
	}, error) {
		if _, authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		hm, err := e.RiskHeatmap(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Heatmap `json:"body"`
		}{Body: hm}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-risk",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/risks/{id}",
		Summary:     "Get risk",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
		ID    string `path:"id"`
	}) (*struct {
		Body domain.Risk `json:"body"`
	}, error) {
		if _, authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		rk, err := e.Repo.GetRisk(ctx, input.OrgID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Risk `json:"body"`
		}{Body: rk}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "risk-history",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/risks/{id}/history",
		Summary:     "Risk audit trail",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
		ID    string `path:"id"`
	}) (*struct {
		Body []domain.RiskHistoryEntry `json:"body"`
	}, error) {
		if _, authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetRisk(ctx, input.OrgID, input.ID); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Repo.ListRiskHistory(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.RiskHistoryEntry `json:"body"`
		}{Body: entries}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-risk-status",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/risks/{id}/status",
		Summary:     "Advance risk lifecycle",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		OrgID string               `path:"org_id"`
		ID    string               `path:"id"`
		Body  SetRiskStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Risk `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requireOrg(ctx, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		rk, err := e.SetRiskStatus(ctx, input.OrgID, input.ID, domain.RiskStatus(input.Body.Status), input.Body.Notes, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Risk `json:"body"`
		}{Body: rk}, nil
	})
}

func registerForecasts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-forecast",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/forecasts",
		Summary:       "Register forecast",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		OrgID string                `path:"org_id"`
		Body  CreateForecastRequest `json:"body"`
	}) (*struct {
		Body domain.Forecast `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requireOrg(ctx, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.CreateForecast(ctx, engine.ForecastCreateOptions{
			OrgID:      input.OrgID,
			Domain:     input.Body.Domain,
			MetricName: input.Body.MetricName,
			Horizon:    input.Body.Horizon,
			Projected:  input.Body.Projected,
			Lower:      input.Body.Lower,
			Upper:      input.Body.Upper,
			ActorID:    p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Forecast `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-forecasts",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/forecasts",
		Summary:     "List forecasts",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID  string `path:"org_id"`
		Status string `query:"status" enum:"active,completed"`
		Domain string `query:"domain"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedForecasts `json:"body"`
	}, error) {
		if _, authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListForecasts(ctx, repo.ForecastFilters{
			OrgID:           input.OrgID,
			Status:          input.Status,
			Domain:          input.Domain,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedForecasts{Items: []domain.Forecast{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedForecasts `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-forecast",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/forecasts/{id}",
		Summary:     "Get forecast",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
		ID    string `path:"id"`
	}) (*struct {
		Body domain.Forecast `json:"body"`
	}, error) {
		if _, authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		f, err := e.Repo.GetForecast(ctx, input.OrgID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Forecast `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-forecast-actual",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/forecasts/{id}/actual",
		Summary:     "Record observed value",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		OrgID string              `path:"org_id"`
		ID    string              `path:"id"`
		Body  RecordActualRequest `json:"body"`
	}) (*struct {
		Body domain.Forecast `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requireOrg(ctx, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.RecordActual(ctx, input.OrgID, input.ID, input.Body.Actual, input.Body.ModelID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Forecast `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "forecast-scenarios",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/forecasts/{id}/scenarios",
		Summary:     "Confidence band scenarios",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
		ID    string `path:"id"`
	}) (*struct {
		Body engine.ScenarioSet `json:"body"`
	}, error) {
		if _, authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		set, err := e.ForecastScenarios(ctx, input.OrgID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ScenarioSet `json:"body"`
		}{Body: set}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "simulate-forecast",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/forecasts/{id}/simulate",
		Summary:     "Score a hypothetical outcome",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		OrgID string                  `path:"org_id"`
		ID    string                  `path:"id"`
		Body  SimulateForecastRequest `json:"body"`
	}) (*struct {
		Body engine.Simulation `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		sim, err := e.SimulateForecast(ctx, input.OrgID, input.ID, input.Body.Assumed)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Simulation `json:"body"`
		}{Body: sim}, nil
	})
}

func registerRecommendations(api huma.API, e engine.Engine, adv *advisor.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-recommendation",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/recommendations",
		Summary:       "Record recommendation",
		Description:   "Records a recommendation directly, or generates one from a source signal or risk when only its id is supplied.",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		OrgID string                      `path:"org_id"`
		Body  CreateRecommendationRequest `json:"body"`
	}) (*struct {
		Body domain.Recommendation `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requireOrg(ctx, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		// Generation path: no explicit action, only a source reference.
		if input.Body.ActionType == "" && adv != nil {
			switch {
			case input.Body.SourceSignalID != "":
				sig, err := e.Repo.GetSignal(ctx, input.OrgID, input.Body.SourceSignalID)
				if err != nil {
					return nil, handleError(err)
				}
				rec, err := adv.FromSignal(ctx, sig, p.ActorID, false)
				if err != nil {
					return nil, handleError(err)
				}
				return &struct {
					Body domain.Recommendation `json:"body"`
				}{Body: rec}, nil
			case input.Body.SourceRiskID != "":
				rk, err := e.Repo.GetRisk(ctx, input.OrgID, input.Body.SourceRiskID)
				if err != nil {
					return nil, handleError(err)
				}
				rec, err := adv.FromRisk(ctx, rk, p.ActorID, false)
				if err != nil {
					return nil, handleError(err)
				}
				return &struct {
					Body domain.Recommendation `json:"body"`
				}{Body: rec}, nil
			}
		}
		rec, err := e.CreateRecommendation(ctx, engine.RecommendationCreateOptions{
			OrgID:          input.OrgID,
			ActionType:     domain.RecommendationAction(input.Body.ActionType),
			TargetModule:   input.Body.TargetModule,
			Title:          input.Body.Title,
			Explanation:    input.Body.Explanation,
			RiskIfIgnored:  input.Body.RiskIfIgnored,
			Confidence:     input.Body.Confidence,
			Priority:       input.Body.Priority,
			SourceSignalID: input.Body.SourceSignalID,
			SourceRiskID:   input.Body.SourceRiskID,
			ActorID:        p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Recommendation `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-recommendations",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/recommendations",
		Summary:     "List recommendations",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID        string `path:"org_id"`
		Status       string `query:"status" enum:"pending,accepted,dismissed,deferred"`
		TargetModule string `query:"target_module"`
		Limit        int    `query:"limit" default:"50"`
		Cursor       string `query:"cursor"`
	}) (*struct {
		Body paginatedRecommendations `json:"body"`
	}, error) {
		if _, authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListRecommendations(ctx, repo.RecommendationFilters{
			OrgID:           input.OrgID,
			Status:          input.Status,
			TargetModule:    input.TargetModule,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedRecommendations{Items: []domain.Recommendation{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedRecommendations `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recommendation-summary",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/recommendations/summary",
		Summary:     "Recommendation counts by status and action",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body repo.RecommendationSummary `json:"body"`
	}, error) {
		if _, authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		sum, err := e.Repo.SummarizeRecommendations(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body repo.RecommendationSummary `json:"body"`
		}{Body: sum}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-recommendation",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/recommendations/{id}",
		Summary:     "Get recommendation",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
		ID    string `path:"id"`
	}) (*struct {
		Body domain.Recommendation `json:"body"`
	}, error) {
		if _, authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		rec, err := e.Repo.GetRecommendation(ctx, input.OrgID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Recommendation `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "act-on-recommendation",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/recommendations/{id}/act",
		Summary:     "Accept, dismiss or defer a recommendation",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		OrgID string                   `path:"org_id"`
		ID    string                   `path:"id"`
		Body  ActRecommendationRequest `json:"body"`
	}) (*struct {
		Body domain.Recommendation `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requireOrg(ctx, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.ActOnRecommendation(ctx, input.OrgID, input.ID, domain.RecommendationStatus(input.Body.Decision), p.ActorID, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Recommendation `json:"body"`
		}{Body: rec}, nil
	})
}

func registerLearning(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-learning-records",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/learning/records",
		Summary:     "List learning records",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID          string `path:"org_id"`
		ModelID        string `query:"model_id"`
		PredictionType string `query:"prediction_type"`
		Limit          int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.LearningRecord `json:"body"`
	}, error) {
		if _, authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListLearningRecords(ctx, repo.LearningFilters{
			OrgID:          input.OrgID,
			ModelID:        input.ModelID,
			PredictionType: input.PredictionType,
			Limit:          normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.LearningRecord `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "learning-accuracy",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/learning/accuracy",
		Summary:     "Prediction accuracy grouped by model",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body []repo.AccuracyBucket `json:"body"`
	}, error) {
		if _, authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		buckets, err := e.Repo.AccuracyByModel(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []repo.AccuracyBucket `json:"body"`
		}{Body: buckets}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-feedback",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/learning/feedback",
		Summary:       "Record manual prediction feedback",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		OrgID string          `path:"org_id"`
		Body  FeedbackRequest `json:"body"`
	}) (*struct {
		Body domain.LearningRecord `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requireOrg(ctx, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.RecordFeedback(ctx, engine.FeedbackOptions{
			OrgID:          input.OrgID,
			ModelID:        input.Body.ModelID,
			PredictionType: input.Body.PredictionType,
			Value:          input.Body.Value,
			Outcome:        input.Body.Outcome,
			Deviation:      input.Body.Deviation,
			ActorID:        p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.LearningRecord `json:"body"`
		}{Body: rec}, nil
	})
}

func registerScan(api huma.API, runner *scanner.Runner, adv *advisor.Service) {
	trigger := func(ctx context.Context, orgID string, sources []string) (*ScanAcceptedResponse, huma.StatusError) {
		if _, authErr := requireOrg(ctx, orgID); authErr != nil {
			return nil, authErr
		}
		if runner == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "scan_unavailable", "scan runner not configured", nil)
		}
		jobID, err := runner.Trigger(orgID, sources)
		if err != nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "scan_unavailable", err.Error(), nil)
		}
		return &ScanAcceptedResponse{JobID: jobID, OrgID: orgID, Status: "queued", Sources: sources}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID:   "trigger-scan",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/scan",
		Summary:       "Trigger a background scan",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		OrgID string      `path:"org_id"`
		Body  ScanRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body ScanAcceptedResponse `json:"body"`
	}, error) {
		resp, err := trigger(ctx, input.OrgID, input.Body.Sources)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body ScanAcceptedResponse `json:"body"`
		}{Body: *resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "auto-analyze",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/scan/auto-analyze",
		Summary:     "Generate recommendations for open findings",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusInternalServerError, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body advisor.SweepReport `json:"body"`
	}, error) {
		p, authErr := requireOrg(ctx, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		if adv == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "advisor_unavailable", "advisor not configured", nil)
		}
		report, err := adv.Sweep(ctx, input.OrgID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body advisor.SweepReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-scan-job",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/scan/{job_id}",
		Summary:     "Scan job status",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
		JobID string `path:"job_id"`
	}) (*struct {
		Body scanner.Job `json:"body"`
	}, error) {
		if _, authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		if runner == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "unknown scan job", nil)
		}
		job, ok := runner.Job(input.JobID)
		if !ok || job.OrgID != input.OrgID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "unknown scan job", nil)
		}
		return &struct {
			Body scanner.Job `json:"body"`
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "connect-source",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/connect/{source}",
		Summary:       "Sync one connected source",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		OrgID  string `path:"org_id"`
		Source string `path:"source"`
	}) (*struct {
		Body ScanAcceptedResponse `json:"body"`
	}, error) {
		resp, err := trigger(ctx, input.OrgID, []string{input.Source})
		if err != nil {
			return nil, err
		}
		return &struct {
			Body ScanAcceptedResponse `json:"body"`
		}{Body: *resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "connect-all",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/connect/all",
		Summary:       "Sync every connected source",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body ScanAcceptedResponse `json:"body"`
	}, error) {
		resp, err := trigger(ctx, input.OrgID, nil)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body ScanAcceptedResponse `json:"body"`
		}{Body: *resp}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID      string `path:"org_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"org,signal,risk,forecast,recommendation,scan"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.OrgID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		org := strings.TrimSpace(input.Body.OrgID)
		if actor == "" || org == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and org_id are required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, org, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
