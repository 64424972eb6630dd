package server

import (
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

	"gateline/internal/engine"
	"gateline/internal/repo"
	"gateline/internal/service"
)

// Config for the HTTP API handler.
type Config struct {
	Service  service.Service
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"version_conflict"`
	Message string         `json:"message" example:"version conflict"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Gateline API.
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
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(cfg.Auth))
	hcfg := huma.DefaultConfig("Gateline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerWorkstreams(group, cfg.Service)
	registerAccounts(group, cfg.Service)
	registerInitiatives(group, cfg.Service)
	registerApprovals(group, cfg.Service)
	registerEvents(group, cfg.Service)
	registerOpenAPI(router, api, basePath)

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

// handleError maps domain outcomes onto the error envelope. Every typed
// outcome has a stable code callers can branch on.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrVersionConflict):
		return newAPIError(http.StatusConflict, "version_conflict", err.Error(), nil)
	case errors.Is(err, repo.ErrDuplicateID):
		return newAPIError(http.StatusConflict, "duplicate_id", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrWorkstreamNotFound):
		return newAPIError(http.StatusUnprocessableEntity, "workstream_not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrMissingApprovers):
		return newAPIError(http.StatusUnprocessableEntity, "missing_approvers", err.Error(), nil)
	case errors.Is(err, engine.ErrForbidden):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var se *repo.StorageError
	if errors.As(err, &se) {
		return newAPIError(http.StatusInternalServerError, "storage_error", "storage failure", map[string]any{"op": se.Op})
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Gateline API Docs</title>
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

func registerWorkstreams(api huma.API, s service.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workstream",
		Method:        http.MethodPost,
		Path:          "/workstreams",
		Summary:       "Create workstream",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkstreamRequest `json:"body"`
	}) (*struct {
		Body WorkstreamResponse `json:"body"`
	}, error) {
		ws := workstreamFromRequest(input.Body)
		created, err := s.Engine.CreateWorkstream(ctx, ws, actorOrAPI(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkstreamResponse `json:"body"`
		}{Body: workstreamResponse(created)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workstreams",
		Method:      http.MethodGet,
		Path:        "/workstreams",
		Summary:     "List workstreams",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []WorkstreamResponse `json:"body"`
	}, error) {
		items, err := s.Engine.Repo.ListWorkstreams(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]WorkstreamResponse, 0, len(items))
		for _, ws := range items {
			res = append(res, workstreamResponse(ws))
		}
		return &struct {
			Body []WorkstreamResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workstream",
		Method:      http.MethodGet,
		Path:        "/workstreams/{workstream_id}",
		Summary:     "Get workstream",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkstreamID string `path:"workstream_id"`
	}) (*struct {
		Body WorkstreamResponse `json:"body"`
	}, error) {
		ws, err := s.Engine.Repo.GetWorkstream(ctx, input.WorkstreamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkstreamResponse `json:"body"`
		}{Body: workstreamResponse(ws)}, nil
	})
}

func registerAccounts(api huma.API, s service.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "upsert-account",
		Method:        http.MethodPost,
		Path:          "/accounts",
		Summary:       "Create or update account",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body UpsertAccountRequest `json:"body"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		a, err := s.Engine.EnsureAccount(ctx, accountFromRequest(input.Body), actorOrAPI(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: accountResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-account",
		Method:      http.MethodGet,
		Path:        "/accounts/{account_id}",
		Summary:     "Get account",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AccountID string `path:"account_id"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		a, err := s.Engine.Repo.GetAccount(ctx, input.AccountID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: accountResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-accounts",
		Method:      http.MethodGet,
		Path:        "/accounts",
		Summary:     "List accounts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []AccountResponse `json:"body"`
	}, error) {
		items, err := s.Engine.Repo.ListAccounts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]AccountResponse, 0, len(items))
		for _, a := range items {
			res = append(res, accountResponse(a))
		}
		return &struct {
			Body []AccountResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerInitiatives(api huma.API, s service.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-initiative",
		Method:        http.MethodPost,
		Path:          "/initiatives",
		Summary:       "Create initiative",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateInitiativeRequest `json:"body"`
	}) (*struct {
		Body InitiativeResponse `json:"body"`
	}, error) {
		opts := service.CreateOptions{
			ID:             stringOrEmpty(input.Body.ID),
			WorkstreamID:   input.Body.WorkstreamID,
			Name:           input.Body.Name,
			Description:    stringOrEmpty(input.Body.Description),
			OwnerAccountID: stringOrEmpty(input.Body.OwnerAccountID),
			OwnerName:      stringOrEmpty(input.Body.OwnerName),
			CurrentStatus:  stringOrEmpty(input.Body.CurrentStatus),
			L4Date:         stringOrEmpty(input.Body.L4Date),
			Stages:         input.Body.Stages,
			ActorID:        actorOrAPI(ctx),
		}
		res, err := s.CreateInitiative(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InitiativeResponse `json:"body"`
		}{Body: initiativeResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-initiatives",
		Method:      http.MethodGet,
		Path:        "/initiatives",
		Summary:     "List initiatives",
	}, func(ctx context.Context, input *struct {
		WorkstreamID string `query:"workstream_id"`
		Stage        string `query:"stage"`
		Limit        int    `query:"limit"`
	}) (*struct {
		Body []InitiativeResponse `json:"body"`
	}, error) {
		items, err := s.ListInitiatives(ctx, repo.InitiativeFilters{
			WorkstreamID: input.WorkstreamID,
			Stage:        input.Stage,
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]InitiativeResponse, 0, len(items))
		for _, item := range items {
			res = append(res, initiativeResponse(item))
		}
		return &struct {
			Body []InitiativeResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-initiative",
		Method:      http.MethodGet,
		Path:        "/initiatives/{initiative_id}",
		Summary:     "Get initiative with totals",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InitiativeID string `path:"initiative_id"`
	}) (*struct {
		Body InitiativeResponse `json:"body"`
	}, error) {
		res, err := s.GetInitiative(ctx, input.InitiativeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InitiativeResponse `json:"body"`
		}{Body: initiativeResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-initiative",
		Method:      http.MethodPut,
		Path:        "/initiatives/{initiative_id}",
		Summary:     "Replace initiative (optimistic concurrency)",
		Description: "Full-replace update guarded by expected_version. On conflict the caller must re-fetch and resubmit.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		InitiativeID string                  `path:"initiative_id"`
		Body         UpdateInitiativeRequest `json:"body"`
	}) (*struct {
		Body InitiativeResponse `json:"body"`
	}, error) {
		expected, err := input.Body.ExpectedVersion.Int64()
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "expected_version must be an integer", nil)
		}
		opts := service.UpdateOptions{
			WorkstreamID:   input.Body.WorkstreamID,
			Name:           input.Body.Name,
			Description:    stringOrEmpty(input.Body.Description),
			OwnerAccountID: stringOrEmpty(input.Body.OwnerAccountID),
			OwnerName:      stringOrEmpty(input.Body.OwnerName),
			CurrentStatus:  stringOrEmpty(input.Body.CurrentStatus),
			L4Date:         stringOrEmpty(input.Body.L4Date),
			Stages:         input.Body.Stages,
			ActorID:        actorOrAPI(ctx),
		}
		res, svcErr := s.UpdateInitiative(ctx, input.InitiativeID, opts, expected)
		if svcErr != nil {
			return nil, handleError(svcErr)
		}
		return &struct {
			Body InitiativeResponse `json:"body"`
		}{Body: initiativeResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-initiative",
		Method:      http.MethodDelete,
		Path:        "/initiatives/{initiative_id}",
		Summary:     "Delete initiative",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InitiativeID string `path:"initiative_id"`
	}) (*struct{}, error) {
		if _, err := s.RemoveInitiative(ctx, input.InitiativeID, actorOrAPI(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-stage",
		Method:      http.MethodPost,
		Path:        "/initiatives/{initiative_id}/advance",
		Summary:     "Advance to the next gate",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		InitiativeID string              `path:"initiative_id"`
		Body         AdvanceStageRequest `json:"body,omitempty"`
	}) (*struct {
		Body InitiativeResponse `json:"body"`
	}, error) {
		res, err := s.AdvanceStage(ctx, input.InitiativeID, input.Body.TargetStage, actorOrAPI(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InitiativeResponse `json:"body"`
		}{Body: initiativeResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-stage",
		Method:      http.MethodPost,
		Path:        "/initiatives/{initiative_id}/stages/{stage}/submit",
		Summary:     "Submit a stage for approval",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		InitiativeID string `path:"initiative_id"`
		Stage        string `path:"stage" enum:"l0,l1,l2,l3,l4,l5"`
	}) (*struct {
		Body InitiativeResponse `json:"body"`
	}, error) {
		res, err := s.SubmitStage(ctx, input.InitiativeID, input.Stage, actorOrAPI(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InitiativeResponse `json:"body"`
		}{Body: initiativeResponse(res)}, nil
	})
}

func registerApprovals(api huma.API, s service.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List approval tasks",
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" enum:",pending,approved,returned,rejected"`
		AccountID string `query:"account_id"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []ApprovalResponse `json:"body"`
	}, error) {
		items, err := s.Engine.ListApprovalTasks(ctx, engine.ApprovalTaskFilters{
			Status:    input.Status,
			AccountID: input.AccountID,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ApprovalResponse `json:"body"`
		}{Body: mapApprovals(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/decision",
		Summary:     "Decide a pending approval",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ApprovalID string                `path:"approval_id"`
		Body       DecideApprovalRequest `json:"body"`
	}) (*struct {
		Body InitiativeResponse `json:"body"`
	}, error) {
		accountID := stringOrEmpty(input.Body.AccountID)
		if accountID == "" {
			accountID = accountIDFromContext(ctx)
		}
		res, err := s.DecideApproval(ctx, engine.DecideOptions{
			ApprovalID: input.ApprovalID,
			Decision:   domainDecision(input.Body.Decision),
			AccountID:  accountID,
			Comment:    stringOrEmpty(input.Body.Comment),
			ActorID:    actorOrAPI(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InitiativeResponse `json:"body"`
		}{Body: initiativeResponse(res)}, nil
	})
}

func registerEvents(api huma.API, s service.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the audit log",
	}, func(ctx context.Context, input *struct {
		Limit        int    `query:"limit"`
		WorkstreamID string `query:"workstream_id"`
		Type         string `query:"type"`
		EntityKind   string `query:"entity_kind"`
		EntityID     string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := s.Engine.Repo.LatestEvents(ctx, input.Limit, input.WorkstreamID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EventResponse, 0, len(items))
		for _, e := range items {
			res = append(res, eventResponse(e))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: res}, nil
	})
}
