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
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"gantry/internal/config"
	"gantry/internal/engine"
	"gantry/internal/fault"
	"gantry/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"concurrency_conflict"`
	Message string         `json:"message" example:"task t1 already held by worker-2"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"holder_id\":\"worker-2\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Gantry API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema violations surface as 400 validation_error.
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
			buf, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(buf))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, buf)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Gantry API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerResolution(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerLeases(group, cfg.Engine)
	registerArtifacts(group, cfg.Engine)
	registerReviews(group, cfg.Engine)
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

// handleError translates engine faults into the HTTP envelope. The
// mapping is by error type, never by message text.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ve fault.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, "validation_error", err.Error(), details)
	}
	var ce fault.ConcurrencyError
	if errors.As(err, &ce) {
		details := map[string]any{"resource": ce.Resource}
		if ce.HolderID != "" {
			details["holder_id"] = ce.HolderID
		}
		return newAPIError(http.StatusConflict, "concurrency_conflict", err.Error(), details)
	}
	var oe fault.CircuitOpenError
	if errors.As(err, &oe) {
		return newAPIError(http.StatusServiceUnavailable, "circuit_open", err.Error(), map[string]any{
			"scope":               oe.Scope,
			"retry_after_seconds": int(oe.RetryAfter.Seconds()),
		})
	}
	var se fault.SecurityError
	if errors.As(err, &se) {
		return newAPIError(http.StatusTooManyRequests, "rate_limited", err.Error(), map[string]any{
			"caller_id": se.CallerID,
		})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation_error"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "concurrency_conflict"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "circuit_open"
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
	security := []map[string][]string{
		{"bearerAuth": {}},
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
    <title>Gantry API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Initialize project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cfg := e.Config
		if input.Body.ConfigYAML != nil && strings.TrimSpace(*input.Body.ConfigYAML) != "" {
			parsed, err := config.FromYAML([]byte(*input.Body.ConfigYAML))
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "validation_error", err.Error(), nil)
			}
			cfg = parsed
		}
		if cfg == nil {
			cfg = config.Default(input.Body.ID)
		}
		p, err := e.InitProject(ctx, input.Body.ID, stringOrEmpty(input.Body.Description), actorID, cfg)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}",
		Summary:     "Archive project",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.ArchiveProject(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Project status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		s, err := e.Status(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: statusResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/config",
		Summary:     "Pipeline config snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body config.Config `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetProjectConfig(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body config.Config `json:"body"`
		}{Body: *cfg}, nil
	})
}

func registerResolution(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "ready-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/ready",
		Summary:     "Ready tasks",
		Description: "Tasks whose dependencies and gates are satisfied, ordered by stage priority then age, trimmed to stage parallel budgets.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusTooManyRequests,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		CallerID  string `query:"caller_id"`
	}) (*struct {
		Body ReadySetResponse `json:"body"`
	}, error) {
		callerID := strings.TrimSpace(input.CallerID)
		if callerID == "" {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			callerID = actorID
		}
		tasks, err := e.GetReadyTasks(ctx, input.ProjectID, callerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReadySetResponse `json:"body"`
		}{Body: ReadySetResponse{
			ProjectID: input.ProjectID,
			CallerID:  callerID,
			Items:     mapTasks(tasks),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "blocked-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/blocked",
		Summary:     "Blocked tasks with reasons",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []BlockedTaskResponse `json:"body"`
	}, error) {
		items, err := e.Diagnostics(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []BlockedTaskResponse `json:"body"`
		}{Body: mapBlocked(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-gates",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/gates",
		Summary:     "Stage gates",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []GateResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		gates, err := e.Repo.ProjectGates(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []GateResponse `json:"body"`
		}{Body: mapGates(gates)}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "body required", nil)
		}
		if input.Body.Stage == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "stage is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ID:          stringOrEmpty(input.Body.ID),
			ProjectID:   input.ProjectID,
			Stage:       input.Body.Stage,
			Title:       stringOrEmpty(input.Body.Title),
			Description: stringOrEmpty(input.Body.Description),
			DependsOn:   input.Body.DependsOn,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Stage     string `query:"stage"`
		Status    string `query:"status" enum:",pending,ready,in_progress,blocked,completed,failed"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filter := repo.TaskFilters{
			ProjectID:       input.ProjectID,
			Stage:           input.Stage,
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		}
		tasks, err := e.Repo.ListTasks(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{Items: []TaskResponse{}}
		if len(tasks) > limit {
			// Cursor points at the last returned row; the query resumes
			// strictly after it.
			tasks = tasks[:limit]
			last := tasks[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		resp.Items = mapTasks(tasks)
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !projectMatches(input.ProjectID, t.ProjectID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not found in project", nil)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerLeases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "reserve-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{id}/reserve",
		Summary:     "Reserve task for execution",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		ID         string `path:"id"`
		WorkerID   string `query:"worker_id"`
		TTLSeconds int    `query:"ttl_seconds" minimum:"0"`
	}) (*struct {
		Body ReservationResponse `json:"body"`
	}, error) {
		workerID, authErr := workerOrPrincipal(ctx, input.WorkerID)
		if authErr != nil {
			return nil, authErr
		}
		task, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !projectMatches(input.ProjectID, task.ProjectID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not found in project", nil)
		}
		t, l, err := e.ReserveTask(ctx, input.ID, workerID, time.Duration(input.TTLSeconds)*time.Second)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReservationResponse `json:"body"`
		}{Body: ReservationResponse{Task: taskResponse(t), Lease: leaseResponse(l)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "renew-lease",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{id}/renew",
		Summary:     "Renew execution lease",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		ID         string `path:"id"`
		WorkerID   string `query:"worker_id"`
		TTLSeconds int    `query:"ttl_seconds" minimum:"0"`
	}) (*struct {
		Body LeaseResponse `json:"body"`
	}, error) {
		workerID, authErr := workerOrPrincipal(ctx, input.WorkerID)
		if authErr != nil {
			return nil, authErr
		}
		task, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !projectMatches(input.ProjectID, task.ProjectID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not found in project", nil)
		}
		l, err := e.RenewLease(ctx, input.ID, workerID, time.Duration(input.TTLSeconds)*time.Second)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LeaseResponse `json:"body"`
		}{Body: leaseResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{id}/release",
		Summary:     "Release task lease",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
		WorkerID  string `query:"worker_id"`
	}) (*struct{}, error) {
		workerID, authErr := workerOrPrincipal(ctx, input.WorkerID)
		if authErr != nil {
			return nil, authErr
		}
		task, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !projectMatches(input.ProjectID, task.ProjectID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not found in project", nil)
		}
		if err := e.ReleaseTask(ctx, input.ID, workerID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task-status",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{id}/status",
		Summary:     "Report task outcome",
		Description: "Reports completed or failed for a task the caller holds the lease on. Failures requeue until max_attempts is exhausted.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		ID        string              `path:"id"`
		Body      ReportStatusRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "body required", nil)
		}
		if input.Body.Status == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "status is required", nil)
		}
		workerID, authErr := workerOrPrincipal(ctx, stringOrEmpty(input.Body.WorkerID))
		if authErr != nil {
			return nil, authErr
		}
		task, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !projectMatches(input.ProjectID, task.ProjectID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not found in project", nil)
		}
		t, err := e.UpdateTaskStatus(ctx, input.ID, input.Body.Status, workerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-leases",
		Method:      http.MethodGet,
		Path:        "/leases",
		Summary:     "List execution leases",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []LeaseResponse `json:"body"`
	}, error) {
		items, err := e.Leases.ListExecutions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []LeaseResponse `json:"body"`
		}{Body: mapLeases(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-leases",
		Method:      http.MethodPost,
		Path:        "/leases/sweep",
		Summary:     "Requeue tasks with expired leases",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		n, err := e.SweepExpiredLeases(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{Swept: n}}, nil
	})
}

func registerArtifacts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-artifact",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks/{id}/artifacts",
		Summary:       "Record artifact",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		ID        string                `path:"id"`
		Body      RecordArtifactRequest `json:"body"`
	}) (*struct {
		Body ArtifactResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !projectMatches(input.ProjectID, task.ProjectID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not found in project", nil)
		}
		a, err := e.RecordArtifact(ctx, engine.ArtifactOptions{
			ID:      stringOrEmpty(input.Body.ID),
			TaskID:  input.ID,
			Kind:    input.Body.Kind,
			URI:     stringOrEmpty(input.Body.URI),
			Quality: input.Body.Quality,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactResponse `json:"body"`
		}{Body: artifactResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-artifacts",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{id}/artifacts",
		Summary:     "List task artifacts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body []ArtifactResponse `json:"body"`
	}, error) {
		task, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !projectMatches(input.ProjectID, task.ProjectID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not found in project", nil)
		}
		items, err := e.Repo.ListArtifactsByTask(ctx, task.ProjectID, task.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ArtifactResponse `json:"body"`
		}{Body: mapArtifacts(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "invalidate-artifact",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/artifacts/{id}/invalidate",
		Summary:     "Invalidate artifact",
		Description: "Excludes the artifact from quality aggregates and re-evaluates the stage's gates, allowing them to regress.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                    `path:"project_id"`
		ID        string                    `path:"id"`
		Body      InvalidateArtifactRequest `json:"body"`
	}) (*struct {
		Body ArtifactResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Repo.GetArtifact(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !projectMatches(input.ProjectID, a.ProjectID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "artifact not found in project", nil)
		}
		res, err := e.InvalidateArtifact(ctx, input.ID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactResponse `json:"body"`
		}{Body: artifactResponse(res)}, nil
	})
}

func registerReviews(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-review",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks/{id}/reviews",
		Summary:       "Add review score",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		ID        string           `path:"id"`
		Body      AddReviewRequest `json:"body"`
	}) (*struct {
		Body ReviewResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !projectMatches(input.ProjectID, task.ProjectID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not found in project", nil)
		}
		reviewerID := stringOrEmpty(input.Body.ReviewerID)
		if reviewerID == "" {
			reviewerID = actorID
		}
		rv, err := e.AddReview(ctx, engine.ReviewOptions{
			ID:           stringOrEmpty(input.Body.ID),
			TaskID:       input.ID,
			ReviewerID:   reviewerID,
			ReviewerType: input.Body.ReviewerType,
			Score:        input.Body.Score,
			Positive:     input.Body.Positive,
			SignedOff:    input.Body.SignedOff,
			Comment:      stringOrEmpty(input.Body.Comment),
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewResponse `json:"body"`
		}{Body: reviewResponse(rv)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reviews",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{id}/reviews",
		Summary:     "List task reviews",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body []ReviewResponse `json:"body"`
	}, error) {
		task, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !projectMatches(input.ProjectID, task.ProjectID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not found in project", nil)
		}
		items, err := e.Repo.ListReviewsByTask(ctx, task.ProjectID, task.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ReviewResponse `json:"body"`
		}{Body: mapReviews(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "signoff-review",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/reviews/{id}/signoff",
		Summary:     "Sign off review",
		Description: "Counts the review toward its stage's review_points gate. Signing off twice is a no-op.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body ReviewResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rv, err := e.Repo.GetReview(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !projectMatches(input.ProjectID, rv.ProjectID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "review not found in project", nil)
		}
		res, err := e.SignOffReview(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewResponse `json:"body"`
		}{Body: reviewResponse(res)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:",project,task,gate,artifact,review,lease,breaker"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "validation_error", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		resp.Items = mapEvents(items)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

// workerOrPrincipal resolves the worker identity for lease operations:
// an explicit worker_id wins, else the JWT subject.
func workerOrPrincipal(ctx context.Context, workerID string) (string, huma.StatusError) {
	if trimmed := strings.TrimSpace(workerID); trimmed != "" {
		return trimmed, nil
	}
	return actorIDFromContext(ctx)
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

func projectMatches(expected, actual string) bool {
	if expected == "" {
		return true
	}
	return expected == actual
}
