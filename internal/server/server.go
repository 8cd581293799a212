package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"jobforge/internal/engine"
	"jobforge/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"job not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Jobforge API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
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
	hcfg := huma.DefaultConfig("Jobforge API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCatalogs(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unique constraint") || strings.Contains(lowered, "already exists"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "must be") || strings.Contains(lowered, "must have") || strings.Contains(lowered, "exactly"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
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
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Jobforge API Docs</title>
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

func registerCatalogs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-catalog",
		Method:        http.MethodPost,
		Path:          "/catalogs",
		Summary:       "Create catalog",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateCatalogRequest `json:"body"`
	}) (*struct {
		Body CatalogResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.InitCatalog(ctx, input.Body.ID, stringOrEmpty(input.Body.Description), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CatalogResponse `json:"body"`
		}{Body: catalogResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-catalogs",
		Method:      http.MethodGet,
		Path:        "/catalogs",
		Summary:     "List catalogs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []CatalogResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListCatalogs(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]CatalogResponse, 0, len(items))
		for _, c := range items {
			out = append(out, catalogResponse(c))
		}
		return &struct {
			Body []CatalogResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-catalog",
		Method:      http.MethodGet,
		Path:        "/catalogs/{catalog_id}",
		Summary:     "Get catalog",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CatalogID string `path:"catalog_id"`
	}) (*struct {
		Body CatalogResponse `json:"body"`
	}, error) {
		c, err := e.Repo.GetCatalog(ctx, input.CatalogID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CatalogResponse `json:"body"`
		}{Body: catalogResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "catalog-status",
		Method:      http.MethodGet,
		Path:        "/catalogs/{catalog_id}/status",
		Summary:     "Catalog status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CatalogID string `path:"catalog_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		c, err := e.Repo.GetCatalog(ctx, input.CatalogID)
		if err != nil {
			return nil, handleError(err)
		}
		jobs, err := e.Repo.ListJobs(ctx, repo.JobFilters{CatalogID: c.ID})
		if err != nil {
			return nil, handleError(err)
		}
		counts := map[string]int{}
		for _, j := range jobs {
			counts[j.Kind]++
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"catalog_id": c.ID,
			"status":     c.Status,
			"job_counts": counts,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "render-seed",
		Method:      http.MethodGet,
		Path:        "/catalogs/{catalog_id}/seed",
		Summary:     "Render seed script",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CatalogID string `path:"catalog_id"`
	}) (*struct {
		Body SeedResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetCatalog(ctx, input.CatalogID); err != nil {
			return nil, handleError(err)
		}
		jobs, err := e.Repo.ListJobs(ctx, repo.JobFilters{CatalogID: input.CatalogID})
		if err != nil {
			return nil, handleError(err)
		}
		script, err := e.RenderSeed(ctx, input.CatalogID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SeedResponse `json:"body"`
		}{Body: SeedResponse{
			CatalogID: input.CatalogID,
			JobCount:  len(jobs),
			Script:    script,
		}}, nil
	})
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "define-build-job",
		Method:        http.MethodPost,
		Path:          "/catalogs/{catalog_id}/jobs/build",
		Summary:       "Define build job",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		CatalogID string                `path:"catalog_id"`
		Body      DefineBuildJobRequest `json:"body"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Repo == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "repo is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.DefineBuildJob(ctx, engine.BuildJobOptions{
			CatalogID:        input.CatalogID,
			Owner:            stringOrEmpty(input.Body.Owner),
			Repo:             input.Body.Repo,
			Name:             stringOrEmpty(input.Body.Name),
			ScriptPath:       stringOrEmpty(input.Body.ScriptPath),
			APICredentialsID: stringOrEmpty(input.Body.APICredentialsID),
			SSHCredentialsID: stringOrEmpty(input.Body.SSHCredentialsID),
			ActorID:          actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(j)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "define-deploy-job",
		Method:        http.MethodPost,
		Path:          "/catalogs/{catalog_id}/jobs/deploy",
		Summary:       "Define deploy job",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		CatalogID string                 `path:"catalog_id"`
		Body      DefineDeployJobRequest `json:"body"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Repo == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "repo is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.DefineDeployJob(ctx, engine.DeployJobOptions{
			CatalogID:          input.CatalogID,
			Owner:              stringOrEmpty(input.Body.Owner),
			Repo:               input.Body.Repo,
			Name:               stringOrEmpty(input.Body.Name),
			InfrastructureRepo: stringOrEmpty(input.Body.InfrastructureRepo),
			ScriptPath:         stringOrEmpty(input.Body.ScriptPath),
			SSHCredentialsID:   stringOrEmpty(input.Body.SSHCredentialsID),
			ActorID:            actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(j)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/catalogs/{catalog_id}/jobs",
		Summary:     "List jobs",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CatalogID string `path:"catalog_id"`
		Kind      string `query:"kind" enum:"build,deploy"`
	}) (*struct {
		Body []JobResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListJobs(ctx, repo.JobFilters{CatalogID: input.CatalogID, Kind: input.Kind})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []JobResponse `json:"body"`
		}{Body: mapJobs(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/catalogs/{catalog_id}/jobs/{name}",
		Summary:     "Get job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CatalogID string `path:"catalog_id"`
		Name      string `path:"name"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		j, err := e.Repo.GetJob(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		if j.CatalogID != input.CatalogID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "job not found in catalog", nil)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(j)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-job",
		Method:      http.MethodDelete,
		Path:        "/catalogs/{catalog_id}/jobs/{name}",
		Summary:     "Delete job",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		CatalogID string `path:"catalog_id"`
		Name      string `path:"name"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.Repo.GetJob(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		if j.CatalogID != input.CatalogID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "job not found in catalog", nil)
		}
		if err := e.DeleteJob(ctx, input.Name, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "render-job",
		Method:      http.MethodGet,
		Path:        "/catalogs/{catalog_id}/jobs/{name}/render",
		Summary:     "Render job DSL",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CatalogID string `path:"catalog_id"`
		Name      string `path:"name"`
	}) (*struct {
		Body RenderResponse `json:"body"`
	}, error) {
		j, err := e.Repo.GetJob(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		if j.CatalogID != input.CatalogID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "job not found in catalog", nil)
		}
		script, err := e.RenderJob(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		plan, err := e.PlanJob(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RenderResponse `json:"body"`
		}{Body: RenderResponse{JobName: input.Name, Script: script, Checksum: plan.Checksum}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "plan-job",
		Method:      http.MethodGet,
		Path:        "/catalogs/{catalog_id}/jobs/{name}/plan",
		Summary:     "Plan job against applied snapshot",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CatalogID string `path:"catalog_id"`
		Name      string `path:"name"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		j, err := e.Repo.GetJob(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		if j.CatalogID != input.CatalogID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "job not found in catalog", nil)
		}
		plan, err := e.PlanJob(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(plan)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-job",
		Method:      http.MethodPost,
		Path:        "/catalogs/{catalog_id}/jobs/{name}/apply",
		Summary:     "Record applied snapshot",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		CatalogID string `path:"catalog_id"`
		Name      string `path:"name"`
	}) (*struct {
		Body AppliedJobResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.Repo.GetJob(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		if j.CatalogID != input.CatalogID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "job not found in catalog", nil)
		}
		applied, err := e.ApplyJob(ctx, input.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AppliedJobResponse `json:"body"`
		}{Body: appliedResponse(applied)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/catalogs/{catalog_id}/events",
		Summary:     "List latest events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CatalogID  string `path:"catalog_id"`
		Limit      int    `query:"limit" default:"50"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		items, err := e.Repo.LatestEvents(ctx, limit, input.CatalogID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}
