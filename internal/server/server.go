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
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"metecho/internal/domain"
	"metecho/internal/engine"
	"metecho/internal/hooks"
	"metecho/internal/jobs"
	"metecho/internal/logging"
	"metecho/internal/repo"
)

// WebhookPath receives GitHub deliveries. It sits outside the API base path
// and is authenticated by signature instead of a bearer token.
const WebhookPath = "/webhooks/github"

// GitHub caps deliveries at 25 MB.
const maxWebhookBody = 25 << 20

// Config for the HTTP API handler.
type Config struct {
	Engine        engine.Engine
	Hooks         hooks.Reconciler
	BasePath      string
	Auth          AuthConfig
	WebhookSecret string
	Log           *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task 0b6f: not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T
}

func reply[T any](v T) *output[T] {
	return &output[T]{Body: v}
}

// New returns an HTTP handler exposing the Metecho API and webhook endpoint.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := logging.OrNop(cfg.Log)
	if cfg.Auth.Log == nil {
		cfg.Auth.Log = log
	}
	if cfg.Hooks.Engine.DB == nil {
		cfg.Hooks = hooks.Reconciler{Engine: cfg.Engine, Log: log}
	}

	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
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
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Post(WebhookPath, webhookHandler(cfg.Hooks, cfg.WebhookSecret, log))

	hcfg := huma.DefaultConfig("Metecho API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerEpics(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerScratchOrgs(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func webhookHandler(rec hooks.Reconciler, secret string, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		event := strings.TrimSpace(r.Header.Get("X-GitHub-Event"))
		if event == "" {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "X-GitHub-Event header required", nil))
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "unreadable body", nil))
			return
		}
		if err := hooks.VerifySignature(secret, body, r.Header.Get(hooks.SignatureHeader)); err != nil {
			log.Warn("webhook signature rejected", zap.String("event", event), zap.String("delivery", r.Header.Get("X-GitHub-Delivery")))
			respondStatusError(w, handleError(err))
			return
		}
		if err := rec.Handle(r.Context(), event, body); err != nil {
			log.Info("webhook not applied", zap.String("event", event), zap.Error(err))
			respondStatusError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ie domain.ReviewIntegrityError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusConflict, "review_integrity", err.Error(), map[string]any{
			"task_id":      ie.TaskID,
			"recorded_sha": ie.RecordedSHA,
			"review_sha":   ie.ReviewSHA,
			"review_valid": ie.Valid,
		})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrAlreadyQueued):
		return newAPIError(http.StatusConflict, "already_queued", err.Error(), nil)
	case errors.Is(err, hooks.ErrBadSignature):
		return newAPIError(http.StatusUnauthorized, "invalid_signature", err.Error(), nil)
	case errors.Is(err, hooks.ErrInvalidPayload),
		errors.Is(err, domain.ErrInvalidParent),
		errors.Is(err, domain.ErrInvalidOrgType),
		errors.Is(err, domain.ErrNameRequired),
		errors.Is(err, domain.ErrInvalidReview),
		errors.Is(err, domain.ErrPRNotOpen):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
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

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

type idPath struct {
	ID string `path:"id"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*output[[]ProjectResponse], error) {
		items, err := e.Repo.ListProjects(ctx, repo.ScopeActive)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapSlice(items, projectResponse)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest
	}) (*output[ProjectResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			Name:        input.Body.Name,
			Description: input.Body.Description,
			RepoOwner:   input.Body.RepoOwner,
			RepoName:    input.Body.RepoName,
			RepoID:      input.Body.RepoID,
			BranchName:  input.Body.BranchName,
			ActorID:     userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(projectResponse(p)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*output[ProjectResponse], error) {
		p, err := e.Repo.GetProject(ctx, input.ID, repo.ScopeActive)
		if err != nil {
			return nil, handleError(fmt.Errorf("project %s: %w", input.ID, err))
		}
		return reply(projectResponse(p)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-project-epics",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/epics",
		Summary:     "List the project's epics",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*output[[]EpicResponse], error) {
		if _, err := e.Repo.GetProject(ctx, input.ID, repo.ScopeActive); err != nil {
			return nil, handleError(fmt.Errorf("project %s: %w", input.ID, err))
		}
		items, err := e.Repo.ListEpics(ctx, repo.EpicFilters{ProjectID: input.ID})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapSlice(items, epicResponse)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-epic",
		Method:        http.MethodPost,
		Path:          "/projects/{id}/epics",
		Summary:       "Create epic",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body CreateEpicRequest
	}) (*output[EpicResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		epic, err := e.CreateEpic(ctx, engine.EpicCreateOptions{
			ProjectID:   input.ID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			BranchName:  input.Body.BranchName,
			ActorID:     userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(epicResponse(epic)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body CreateTaskRequest
	}) (*output[TaskResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TaskCreateOptions{
			ProjectID:   input.ID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			BranchName:  input.Body.BranchName,
			OriginSHA:   input.Body.OriginSHA,
			AssignedDev: input.Body.AssignedDev,
			AssignedQA:  input.Body.AssignedQA,
			ActorID:     userID,
		}
		if input.Body.EpicID != nil {
			opts.EpicID = *input.Body.EpicID
		}
		task, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(taskResponse(task)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "refresh-github-users",
		Method:        http.MethodPost,
		Path:          "/projects/{id}/refresh-github-users",
		Summary:       "Re-read the repository collaborators",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*output[QueuedResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.QueueRefreshGitHubUsers(ctx, input.ID, userID); err != nil {
			return nil, handleError(err)
		}
		return reply(QueuedResponse{Queued: true}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "refresh-commits",
		Method:        http.MethodPost,
		Path:          "/projects/{id}/refresh-commits",
		Summary:       "Re-read a branch of the repository",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Branch string `query:"branch" doc:"defaults to the project branch"`
	}) (*output[QueuedResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Repo.GetProject(ctx, input.ID, repo.ScopeActive)
		if err != nil {
			return nil, handleError(fmt.Errorf("project %s: %w", input.ID, err))
		}
		branch := input.Branch
		if branch == "" {
			branch = p.BranchName
		}
		if err := e.QueueRefreshCommits(ctx, p.ID, branch, userID); err != nil {
			return nil, handleError(err)
		}
		return reply(QueuedResponse{Queued: true}), nil
	})
}

func registerEpics(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-epic",
		Method:      http.MethodGet,
		Path:        "/epics/{id}",
		Summary:     "Get epic",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*output[EpicResponse], error) {
		epic, err := e.Repo.GetEpic(ctx, input.ID, repo.ScopeActive)
		if err != nil {
			return nil, handleError(fmt.Errorf("epic %s: %w", input.ID, err))
		}
		return reply(epicResponse(epic)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rename-epic",
		Method:      http.MethodPatch,
		Path:        "/epics/{id}",
		Summary:     "Rename epic",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body RenameRequest
	}) (*output[EpicResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		epic, err := e.RenameEpic(ctx, input.ID, input.Body.Name, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(epicResponse(epic)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-epic",
		Method:      http.MethodDelete,
		Path:        "/epics/{id}",
		Summary:     "Soft-delete epic with its tasks and orgs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*output[CascadeResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.DeleteEpic(ctx, input.ID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(cascadeResponse(c)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-epic-tasks",
		Method:      http.MethodGet,
		Path:        "/epics/{id}/tasks",
		Summary:     "List the epic's tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*output[[]TaskResponse], error) {
		if _, err := e.Repo.GetEpic(ctx, input.ID, repo.ScopeActive); err != nil {
			return nil, handleError(fmt.Errorf("epic %s: %w", input.ID, err))
		}
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{EpicID: input.ID})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapSlice(items, taskResponse)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-epic-pull-request",
		Method:        http.MethodPost,
		Path:          "/epics/{id}/pull-request",
		Summary:       "Open a pull request for the epic branch",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body CreatePullRequestRequest
	}) (*output[QueuedResponse], error) {
		return queueCreatePR(ctx, e, jobs.TargetEpic, input.ID, input.Body)
	})
}

func queueCreatePR(ctx context.Context, e engine.Engine, target, id string, req CreatePullRequestRequest) (*output[QueuedResponse], error) {
	userID, authErr := userIDFromContext(ctx)
	if authErr != nil {
		return nil, authErr
	}
	err := e.QueueCreatePR(ctx, jobs.CreatePRArgs{
		Target:            target,
		ID:                id,
		UserID:            userID,
		Title:             req.Title,
		Body:              req.Body,
		CriticalChanges:   req.CriticalChanges,
		AdditionalChanges: req.AdditionalChanges,
		IssuesText:        req.IssuesText,
		Notes:             req.Notes,
		OriginatingUserID: userID,
	})
	if err != nil {
		return nil, handleError(err)
	}
	return reply(QueuedResponse{Queued: true}), nil
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*output[TaskResponse], error) {
		task, err := e.Repo.GetTask(ctx, input.ID, repo.ScopeActive)
		if err != nil {
			return nil, handleError(fmt.Errorf("task %s: %w", input.ID, err))
		}
		return reply(taskResponse(task)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rename-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Rename task",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body RenameRequest
	}) (*output[TaskResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := e.RenameTask(ctx, input.ID, input.Body.Name, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(taskResponse(task)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}",
		Summary:     "Soft-delete task with its orgs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*output[CascadeResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.DeleteTask(ctx, input.ID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(cascadeResponse(c)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-review",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/review",
		Summary:       "Submit a review of the task's pull request",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body SubmitReviewRequest
	}) (*output[TaskResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := e.QueueSubmitReview(ctx, input.ID, userID, jobs.ReviewData{
			Notes:        input.Body.Notes,
			Status:       domain.ReviewStatus(input.Body.Status),
			SHA:          input.Body.SHA,
			ScratchOrgID: input.Body.ScratchOrgID,
			DeleteOrg:    input.Body.DeleteOrg,
		}, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(taskResponse(task)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-task-pull-request",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/pull-request",
		Summary:       "Open a pull request for the task branch",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body CreatePullRequestRequest
	}) (*output[QueuedResponse], error) {
		return queueCreatePR(ctx, e, jobs.TargetTask, input.ID, input.Body)
	})
}

func registerScratchOrgs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-scratch-org",
		Method:        http.MethodPost,
		Path:          "/scratch-orgs",
		Summary:       "Record a provisioned scratch org",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateScratchOrgRequest
	}) (*output[ScratchOrgResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ScratchOrgCreateOptions{
			OrgType:      domain.OrgType(input.Body.OrgType),
			OwnerID:      userID,
			Description:  input.Body.Description,
			Config:       input.Body.Config,
			LatestCommit: input.Body.LatestCommit,
			URL:          input.Body.URL,
			ActorID:      userID,
		}
		if input.Body.ProjectID != nil {
			opts.ProjectID = *input.Body.ProjectID
		}
		if input.Body.EpicID != nil {
			opts.EpicID = *input.Body.EpicID
		}
		if input.Body.TaskID != nil {
			opts.TaskID = *input.Body.TaskID
		}
		org, err := e.CreateScratchOrg(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(scratchOrgResponse(org)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-scratch-org",
		Method:      http.MethodGet,
		Path:        "/scratch-orgs/{id}",
		Summary:     "Get scratch org",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*output[ScratchOrgResponse], error) {
		org, err := e.Repo.GetScratchOrg(ctx, input.ID, repo.ScopeActive)
		if err != nil {
			return nil, handleError(fmt.Errorf("scratch org %s: %w", input.ID, err))
		}
		return reply(scratchOrgResponse(org)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "check-unsaved-changes",
		Method:        http.MethodPost,
		Path:          "/scratch-orgs/{id}/unsaved-changes",
		Summary:       "Check the org for unsaved changes",
		Description:   "Orgs checked recently are skipped unless force is set.",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Force bool   `query:"force"`
	}) (*output[QueuedResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		queued, err := e.QueueGetUnsavedChanges(ctx, input.ID, input.Force, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(QueuedResponse{Queued: queued}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-scratch-org",
		Method:        http.MethodDelete,
		Path:          "/scratch-orgs/{id}",
		Summary:       "Delete the org at Salesforce, then soft-delete it",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *idPath) (*output[QueuedResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.QueueDeleteScratchOrg(ctx, input.ID, userID); err != nil {
			return nil, handleError(err)
		}
		return reply(QueuedResponse{Queued: true}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "convert-scratch-org",
		Method:        http.MethodPost,
		Path:          "/scratch-orgs/{id}/convert",
		Summary:       "Hand an epic Playground org to a task as its Dev org",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body ConvertOrgRequest
	}) (*output[QueuedResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.QueueConvertToDevOrg(ctx, input.ID, input.Body.TaskID, userID); err != nil {
			return nil, handleError(err)
		}
		return reply(QueuedResponse{Queued: true}), nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "refresh-repositories",
		Method:        http.MethodPost,
		Path:          "/me/refresh-repositories",
		Summary:       "Re-read the repositories visible to the caller",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*output[QueuedResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.QueueRefreshGitHubRepositories(ctx, userID); err != nil {
			return nil, handleError(err)
		}
		return reply(QueuedResponse{Queued: true}), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent change notifications",
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*output[[]EventResponse], error) {
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapSlice(items, eventResponse)), nil
	})
}
