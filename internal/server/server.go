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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/engine/auth"
	"phaseline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"closure_blocked"`
	Message string         `json:"message" example:"closure blocked: all_phases_completed"`
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

// New returns an HTTP handler exposing the Phaseline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	hcfg := huma.DefaultConfig("Phaseline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTemplates(group, cfg.Engine)
	registerWorkflows(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerPhases(group, cfg.Engine)
	registerArtifacts(group, cfg.Engine)
	registerDefects(group, cfg.Engine)
	registerTracking(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var nf engine.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": nf.Kind, "id": nf.ID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var te engine.InvalidTransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"entity": te.Entity, "from": te.From, "to": te.To})
	}
	var cb engine.ClosureBlockedError
	if errors.As(err, &cb) {
		return newAPIError(http.StatusUnprocessableEntity, "closure_blocked", err.Error(), map[string]any{"failed_checks": cb.Failed})
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

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

// requirePermission accepts a permission carried in the token, then falls
// back to the RBAC tables. projectID may be repo.InstanceScope for catalog
// operations.
func requirePermission(ctx context.Context, e engine.Engine, projectID int64, perm string) error {
	principal, ok := principalFromContext(ctx)
	if !ok {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if hasPermission(principal.Permissions, perm) {
		return nil
	}
	svc := auth.Service{DB: e.DB}
	return svc.Require(ctx, projectID, principal.ActorID, perm)
}

// projectOfPhase resolves a phase's owning project for permission checks.
func projectOfPhase(ctx context.Context, e engine.Engine, phaseID int64) (int64, error) {
	ph, err := e.Repo.GetPhase(ctx, phaseID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return 0, engine.NotFoundError{Kind: "phase", ID: phaseID}
		}
		return 0, err
	}
	return ph.ProjectID, nil
}

func projectOfArtifact(ctx context.Context, e engine.Engine, artifactID int64) (int64, error) {
	a, err := e.Repo.GetArtifact(ctx, artifactID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return 0, engine.NotFoundError{Kind: "artifact", ID: artifactID}
		}
		return 0, err
	}
	return projectOfPhase(ctx, e, a.PhaseID)
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
    <title>Phaseline API Docs</title>
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

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-template",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Create template",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateTemplateRequest `json:"body"`
	}) (*struct {
		Body domain.Template `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, repo.InstanceScope, "template.create"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTemplate(ctx, engine.TemplateCreateOptions{
			Name:          input.Body.Name,
			Description:   deref(input.Body.Description),
			Version:       deref(input.Body.Version),
			Configuration: deref(input.Body.Configuration),
			Phases:        phasesOptions(input.Body.Phases),
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Template `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List templates",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Template `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, repo.InstanceScope, "template.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTemplates(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Template `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{template_id}",
		Summary:     "Get template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TemplateID int64 `path:"template_id"`
	}) (*struct {
		Body domain.Template `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, repo.InstanceScope, "template.read"); err != nil {
			return nil, handleError(err)
		}
		t, err := e.Repo.GetTemplate(ctx, input.TemplateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Template `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-template",
		Method:      http.MethodPatch,
		Path:        "/templates/{template_id}",
		Summary:     "Update template",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TemplateID int64                 `path:"template_id"`
		Body       UpdateTemplateRequest `json:"body"`
	}) (*struct {
		Body domain.Template `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, repo.InstanceScope, "template.update"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TemplateUpdateOptions{Description: input.Body.Description, Configuration: input.Body.Configuration, ActorID: actorID}
		if input.Body.Phases != nil {
			opts.Phases = phasesOptions(input.Body.Phases)
		}
		t, err := e.UpdateTemplate(ctx, input.TemplateID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Template `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-default-template",
		Method:      http.MethodPost,
		Path:        "/templates/{template_id}/default",
		Summary:     "Set default template",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TemplateID int64 `path:"template_id"`
	}) (*struct {
		Body domain.Template `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, repo.InstanceScope, "template.default.set"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.SetDefaultTemplate(ctx, input.TemplateID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Template `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-default-template",
		Method:      http.MethodGet,
		Path:        "/templates/default",
		Summary:     "Get default template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Template `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, repo.InstanceScope, "template.read"); err != nil {
			return nil, handleError(err)
		}
		t, err := e.Repo.GetDefaultTemplate(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Template `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-template-version",
		Method:        http.MethodPost,
		Path:          "/templates/{template_id}/versions",
		Summary:       "Clone template under a new version",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TemplateID int64                        `path:"template_id"`
		Body       CreateTemplateVersionRequest `json:"body"`
	}) (*struct {
		Body domain.Template `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, repo.InstanceScope, "template.create"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTemplateVersion(ctx, input.TemplateID, input.Body.Version, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Template `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "compare-templates",
		Method:      http.MethodGet,
		Path:        "/templates/{template_id}/compare/{other_id}",
		Summary:     "Compare two templates",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TemplateID int64 `path:"template_id"`
		OtherID    int64 `path:"other_id"`
	}) (*struct {
		Body []engine.TemplateDiff `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, repo.InstanceScope, "template.read"); err != nil {
			return nil, handleError(err)
		}
		diffs, err := e.CompareTemplates(ctx, input.TemplateID, input.OtherID)
		if err != nil {
			return nil, handleError(err)
		}
		if diffs == nil {
			diffs = []engine.TemplateDiff{}
		}
		return &struct {
			Body []engine.TemplateDiff `json:"body"`
		}{Body: diffs}, nil
	})
}

func registerWorkflows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows",
		Summary:       "Create workflow",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkflowRequest `json:"body"`
	}) (*struct {
		Body domain.Workflow `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, repo.InstanceScope, "workflow.create"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.CreateWorkflow(ctx, engine.WorkflowCreateOptions{
			Name:    input.Body.Name,
			Steps:   stepOptions(input.Body.Steps),
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Workflow `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflows",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Workflow `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, repo.InstanceScope, "workflow.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListWorkflows(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Workflow `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}",
		Summary:     "Get workflow",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID int64 `path:"workflow_id"`
	}) (*struct {
		Body domain.Workflow `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, repo.InstanceScope, "workflow.read"); err != nil {
			return nil, handleError(err)
		}
		w, err := e.Repo.GetWorkflow(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Workflow `json:"body"`
		}{Body: w}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, repo.InstanceScope, "project.create"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			Code:        input.Body.Code,
			Name:        input.Body.Name,
			Description: deref(input.Body.Description),
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"created,active,archived,closed,"`
	}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, repo.InstanceScope, "project.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListProjects(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.ProjectID, "project.read"); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}",
		Summary:     "Update project",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID int64                `path:"project_id"`
		Body      UpdateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, input.ProjectID, "project.update"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.UpdateProject(ctx, input.ProjectID, deref(input.Body.Name), deref(input.Body.Description), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}",
		Summary:     "Delete project",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, input.ProjectID, "project.delete"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteProject(ctx, input.ProjectID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-template",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/template",
		Summary:     "Instantiate a template onto a project",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID int64                `path:"project_id"`
		Body      ApplyTemplateRequest `json:"body"`
	}) (*struct {
		Body projectWithPhases `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.ProjectID, "project.update"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var p domain.Project
		var phases []domain.Phase
		var err error
		if input.Body.TemplateID != nil {
			p, phases, err = e.ApplyTemplate(ctx, input.ProjectID, *input.Body.TemplateID, actorID)
		} else {
			p, phases, err = e.ApplyDefaultTemplate(ctx, input.ProjectID, actorID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body projectWithPhases `json:"body"`
		}{Body: projectWithPhases{Project: p, Phases: phases}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/archive",
		Summary:     "Archive project",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.ProjectID, "project.archive"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.ArchiveProject(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unarchive-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/unarchive",
		Summary:     "Unarchive project",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.ProjectID, "project.archive"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.UnarchiveProject(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-closure",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/closure",
		Summary:     "Run the closure checklist without closing",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body ClosureValidationResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.ProjectID, "project.read"); err != nil {
			return nil, handleError(err)
		}
		v, err := e.ValidateClosure(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClosureValidationResponse `json:"body"`
		}{Body: closureResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/close",
		Summary:     "Close project",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID int64               `path:"project_id"`
		Body      CloseProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.ProjectID, "project.close"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CloseProject(ctx, input.ProjectID, engine.ProjectCloseOptions{
			ActorID: actorID,
			Notes:   deref(input.Body.Notes),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "force-close-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/force-close",
		Summary:     "Force-close project",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID int64               `path:"project_id"`
		Body      CloseProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.ProjectID, "project.force_close"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.ForceCloseProject(ctx, input.ProjectID, engine.ProjectCloseOptions{
			ActorID:       actorID,
			Notes:         deref(input.Body.Notes),
			Justification: deref(input.Body.Justification),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-progress",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/progress",
		Summary:     "Project progress rollup",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body engine.ProjectProgress `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.ProjectID, "progress.read"); err != nil {
			return nil, handleError(err)
		}
		pr, err := e.Progress(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ProjectProgress `json:"body"`
		}{Body: pr}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-phases",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phases",
		Summary:     "List project phases",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body []domain.Phase `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.ProjectID, "project.read"); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		phases, err := e.Repo.ListPhases(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Phase `json:"body"`
		}{Body: phases}, nil
	})
}

func registerPhases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "set-phase-status",
		Method:      http.MethodPost,
		Path:        "/phases/{phase_id}/status",
		Summary:     "Move phase status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PhaseID int64                 `path:"phase_id"`
		Body    SetPhaseStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Phase `json:"body"`
	}, error) {
		projectID, err := projectOfPhase(ctx, e, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, projectID, "phase.update"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ph, err := e.SetPhaseStatus(ctx, input.PhaseID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Phase `json:"body"`
		}{Body: ph}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-phase-artifacts",
		Method:      http.MethodGet,
		Path:        "/phases/{phase_id}/artifacts",
		Summary:     "List artifacts under a phase",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PhaseID int64 `path:"phase_id"`
	}) (*struct {
		Body []domain.Artifact `json:"body"`
	}, error) {
		projectID, err := projectOfPhase(ctx, e, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, projectID, "project.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListArtifactsByPhase(ctx, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Artifact `json:"body"`
		}{Body: items}, nil
	})
}

func registerArtifacts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-artifact",
		Method:        http.MethodPost,
		Path:          "/artifacts",
		Summary:       "Create artifact",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateArtifactRequest `json:"body"`
	}) (*struct {
		Body domain.Artifact `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		projectID, err := projectOfPhase(ctx, e, input.Body.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, projectID, "artifact.create"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.CreateArtifact(ctx, engine.ArtifactCreateOptions{
			PhaseID:     input.Body.PhaseID,
			Type:        input.Body.Type,
			Name:        input.Body.Name,
			IsMandatory: input.Body.IsMandatory,
			WorkflowID:  derefInt64(input.Body.WorkflowID),
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Artifact `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-artifact",
		Method:      http.MethodGet,
		Path:        "/artifacts/{artifact_id}",
		Summary:     "Get artifact",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ArtifactID int64 `path:"artifact_id"`
	}) (*struct {
		Body domain.Artifact `json:"body"`
	}, error) {
		projectID, err := projectOfArtifact(ctx, e, input.ArtifactID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, projectID, "project.read"); err != nil {
			return nil, handleError(err)
		}
		a, err := e.Repo.GetArtifact(ctx, input.ArtifactID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Artifact `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-artifact-version",
		Method:        http.MethodPost,
		Path:          "/artifacts/{artifact_id}/versions",
		Summary:       "Submit a new artifact version",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ArtifactID int64                     `path:"artifact_id"`
		Body       AddArtifactVersionRequest `json:"body"`
	}) (*struct {
		Body domain.ArtifactVersion `json:"body"`
	}, error) {
		projectID, err := projectOfArtifact(ctx, e, input.ArtifactID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, projectID, "artifact.create"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.AddArtifactVersion(ctx, input.ArtifactID, actorID, deref(input.Body.ContentRef))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ArtifactVersion `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-artifact-versions",
		Method:      http.MethodGet,
		Path:        "/artifacts/{artifact_id}/versions",
		Summary:     "List artifact versions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ArtifactID int64 `path:"artifact_id"`
	}) (*struct {
		Body []domain.ArtifactVersion `json:"body"`
	}, error) {
		projectID, err := projectOfArtifact(ctx, e, input.ArtifactID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, projectID, "project.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListArtifactVersions(ctx, input.ArtifactID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ArtifactVersion `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-artifact",
		Method:      http.MethodPost,
		Path:        "/artifacts/{artifact_id}/advance",
		Summary:     "Advance artifact one workflow step",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ArtifactID int64 `path:"artifact_id"`
	}) (*struct {
		Body domain.Artifact `json:"body"`
	}, error) {
		projectID, err := projectOfArtifact(ctx, e, input.ArtifactID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, projectID, "artifact.review"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.AdvanceArtifact(ctx, input.ArtifactID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Artifact `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-artifact",
		Method:      http.MethodPost,
		Path:        "/artifacts/{artifact_id}/complete",
		Summary:     "Approve artifact at the last workflow step",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ArtifactID int64 `path:"artifact_id"`
	}) (*struct {
		Body domain.Artifact `json:"body"`
	}, error) {
		projectID, err := projectOfArtifact(ctx, e, input.ArtifactID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, projectID, "artifact.review"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.CompleteArtifact(ctx, input.ArtifactID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Artifact `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rebind-artifact-workflow",
		Method:      http.MethodPost,
		Path:        "/artifacts/{artifact_id}/workflow",
		Summary:     "Rebind a pending artifact to another workflow",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ArtifactID int64                 `path:"artifact_id"`
		Body       RebindWorkflowRequest `json:"body"`
	}) (*struct {
		Body domain.Artifact `json:"body"`
	}, error) {
		projectID, err := projectOfArtifact(ctx, e, input.ArtifactID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, projectID, "artifact.review"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RebindWorkflow(ctx, input.ArtifactID, input.Body.WorkflowID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Artifact `json:"body"`
		}{Body: a}, nil
	})
}

func registerDefects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-defect",
		Method:        http.MethodPost,
		Path:          "/defects",
		Summary:       "Report defect",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateDefectRequest `json:"body"`
	}) (*struct {
		Body domain.Defect `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, input.Body.ProjectID, "defect.create"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.CreateDefect(ctx, engine.DefectCreateOptions{
			ProjectID:  input.Body.ProjectID,
			ArtifactID: derefInt64(input.Body.ArtifactID),
			Title:      input.Body.Title,
			Severity:   input.Body.Severity,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Defect `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-defect",
		Method:      http.MethodPatch,
		Path:        "/defects/{defect_id}",
		Summary:     "Update defect status or assignee",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		DefectID int64               `path:"defect_id"`
		Body     UpdateDefectRequest `json:"body"`
	}) (*struct {
		Body domain.Defect `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		d, err := e.Repo.GetDefect(ctx, input.DefectID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, handleError(engine.NotFoundError{Kind: "defect", ID: input.DefectID})
			}
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, d.ProjectID, "defect.update"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.UpdateDefect(ctx, input.DefectID, engine.DefectUpdateOptions{
			Status:     deref(input.Body.Status),
			AssigneeID: deref(input.Body.AssigneeID),
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Defect `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-defects",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/defects",
		Summary:     "List project defects",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64  `path:"project_id"`
		Status    string `query:"status" enum:"new,assigned,fixed,closed,"`
		Severity  string `query:"severity" enum:"low,medium,high,critical,"`
	}) (*struct {
		Body []domain.Defect `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.ProjectID, "project.read"); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListDefects(ctx, repo.DefectFilters{
			ProjectID: input.ProjectID,
			Status:    input.Status,
			Severity:  input.Severity,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Defect `json:"body"`
		}{Body: items}, nil
	})
}

func registerTracking(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, input.Body.ProjectID, "task.create"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ProjectID:   input.Body.ProjectID,
			PhaseID:     input.Body.PhaseID,
			IterationID: derefInt64(input.Body.IterationID),
			Title:       input.Body.Title,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/complete",
		Summary:     "Complete task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID int64 `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, handleError(engine.NotFoundError{Kind: "task", ID: input.TaskID})
			}
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, t.ProjectID, "task.update"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.CompleteTask(ctx, input.TaskID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List project tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
		PhaseID   int64 `query:"phase_id"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.ProjectID, "project.read"); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTasks(ctx, input.ProjectID, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-iteration",
		Method:        http.MethodPost,
		Path:          "/iterations",
		Summary:       "Create iteration",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateIterationRequest `json:"body"`
	}) (*struct {
		Body domain.Iteration `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, input.Body.ProjectID, "iteration.create"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.CreateIteration(ctx, engine.IterationCreateOptions{
			ProjectID: input.Body.ProjectID,
			Name:      input.Body.Name,
			StartDate: deref(input.Body.StartDate),
			EndDate:   deref(input.Body.EndDate),
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Iteration `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-iterations",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/iterations",
		Summary:     "List project iterations",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body []domain.Iteration `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.ProjectID, "project.read"); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListIterations(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Iteration `json:"body"`
		}{Body: items}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "Tail the project audit log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64  `path:"project_id"`
		Limit     int    `query:"limit"`
		Before    int64  `query:"before"`
		Type      string `query:"type"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.ProjectID, "log.read"); err != nil {
			return nil, handleError(err)
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		f := repo.EventFilters{ProjectID: input.ProjectID, Type: input.Type}
		var items []domain.Event
		var err error
		if input.Before > 0 {
			items, err = e.Repo.LatestEventsFrom(ctx, limit, input.Before, f)
		} else {
			items, err = e.Repo.LatestEvents(ctx, limit, f)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "assign-role",
		Method:      http.MethodPost,
		Path:        "/rbac/roles",
		Summary:     "Assign role to actor",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body AssignRoleRequest `json:"body"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		scope := derefInt64(input.Body.ProjectID)
		if err := requirePermission(ctx, e, scope, "project.update"); err != nil {
			return nil, handleError(err)
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		now := e.Now().UTC().Format(time.RFC3339)
		if err := e.Repo.EnsureActor(ctx, tx, input.Body.ActorID, now); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.AssignRole(ctx, tx, scope, input.Body.ActorID, input.Body.RoleID); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"actor_id":   input.Body.ActorID,
			"role_id":    input.Body.RoleID,
			"project_id": scope,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodDelete,
		Path:        "/rbac/roles",
		Summary:     "Revoke role from actor",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID   string `query:"actor_id"`
		RoleID    string `query:"role_id"`
		ProjectID int64  `query:"project_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.ProjectID, "project.update"); err != nil {
			return nil, handleError(err)
		}
		if input.ActorID == "" || input.RoleID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role_id are required", nil)
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.RevokeRole(ctx, tx, input.ProjectID, input.ActorID, input.RoleID); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"actor_id":   input.ActorID,
			"role_id":    input.RoleID,
			"project_id": input.ProjectID,
			"revoked":    true,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `query:"project_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		svc := auth.Service{DB: e.DB}
		roles, err := svc.ActorRoles(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		perms, err := svc.ActorPermissions(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"actor_id":    actorID,
			"roles":       roles,
			"permissions": perms,
		}}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-apikey",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyCreatedResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, repo.InstanceScope, "project.update"); err != nil {
			return nil, handleError(err)
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		rawKey := uuid.NewString() + uuid.NewString()
		now := e.Now().UTC().Format(time.RFC3339)
		key := domain.APIKey{
			ID:        uuid.NewString(),
			ActorID:   input.Body.ActorID,
			Name:      deref(input.Body.Name),
			KeyHash:   repo.HashAPIKey(rawKey),
			CreatedAt: now,
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.EnsureActor(ctx, tx, key.ActorID, now); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyCreatedResponse `json:"body"`
		}{Body: APIKeyCreatedResponse{ID: key.ID, ActorID: key.ActorID, Key: rawKey}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-apikeys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys for an actor",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, repo.InstanceScope, "project.update"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-apikey",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, repo.InstanceScope, "project.update"); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
