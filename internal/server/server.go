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

	"campustasks/internal/engine"
	"campustasks/internal/engine/gate"
	"campustasks/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"task is no longer available"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error half of the result envelope.
type apiError struct {
	status  int
	Success bool         `json:"success"`
	Body    apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the CampusTasks API.
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
		if status == http.StatusUnprocessableEntity {
			// Schema validation failures are plain bad requests here.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))
	hcfg := huma.DefaultConfig("CampusTasks API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAuth(group, cfg.Engine, cfg.Auth)
	registerMe(group, cfg.Engine)
	registerProfiles(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerMessages(group, cfg.Engine)
	registerRatings(group, cfg.Engine)
	registerBlocks(group, cfg.Engine)
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

// handleError maps engine and storage errors onto the HTTP error taxonomy.
// Unexpected errors are logged in full and surfaced as a generic 500.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve gate.ValidationError
	if errors.As(err, &ve) {
		details := map[string]any{}
		if ve.Field != "" {
			details["field"] = ve.Field
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	}
	var pe gate.PermissionError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	var ce gate.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var ae gate.AuthenticationError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "not found", nil)
	}
	log.Printf("internal error: %v", err)
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		ensureLeadingSlash(path.Join(basePath, "health")):         true,
		ensureLeadingSlash(path.Join(basePath, "auth/login")):     true,
		ensureLeadingSlash(path.Join(basePath, "auth/dev/login")): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func ensureLeadingSlash(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>CampusTasks API Docs</title>
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

func registerAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID:   "login",
		Method:        http.MethodPost,
		Path:          "/auth/login",
		Summary:       "Exchange a campus identity token for a session",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body envelope[LoginResponse] `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 || strings.TrimSpace(input.Body.Token) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "token is required", nil)
		}
		principal, err := authenticateIdentity(input.Body.Token, authCfg.JWTSecret, e.Config)
		if err != nil {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid credentials", nil)
		}
		if _, err := e.EnsureProfile(ctx, principal.ProfileID, principal.Email); err != nil {
			return nil, handleError(err)
		}
		token, expiresAt, err := createSession(ctx, e, principal.ProfileID)
		if err != nil {
			return nil, handleError(err)
		}
		view, err := e.GetProfileView(ctx, principal.ProfileID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[LoginResponse] `json:"body"`
		}{Body: ok(LoginResponse{
			Token:     token,
			ExpiresAt: expiresAt,
			Profile:   profileResponse(view),
		})}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "logout",
		Method:      http.MethodPost,
		Path:        "/auth/logout",
		Summary:     "Revoke the current session",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body envelope[struct{}] `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		// JWT bearers have nothing server-side to revoke.
		if principal.Source == "session" && principal.SessionID != "" {
			if err := e.Repo.DeleteSession(ctx, principal.SessionID); err != nil && !errors.Is(err, repo.ErrNotFound) {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body envelope[struct{}] `json:"body"`
		}{Body: ok(struct{}{})}, nil
	})

	if authCfg.EnableDevAuth {
		huma.Register(api, huma.Operation{
			OperationID: "dev-login",
			Method:      http.MethodPost,
			Path:        "/auth/dev/login",
			Summary:     "DEV ONLY: mint an identity token for local testing",
			Errors: []int{
				http.StatusBadRequest,
				http.StatusInternalServerError,
			},
		}, func(ctx context.Context, input *struct {
			Body DevLoginRequest `json:"body"`
		}) (*struct {
			Body envelope[DevLoginResponse] `json:"body"`
		}, error) {
			profileID := strings.TrimSpace(input.Body.ProfileID)
			email := strings.TrimSpace(input.Body.Email)
			if profileID == "" || email == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "profile_id and email are required", nil)
			}
			token, err := signDevToken(authCfg.JWTSecret, profileID, email)
			if err != nil {
				return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
			}
			return &struct {
				Body envelope[DevLoginResponse] `json:"body"`
			}{Body: ok(DevLoginResponse{Token: token})}, nil
		})
	}
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current profile",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body envelope[ProfileResponse] `json:"body"`
	}, error) {
		profileID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		view, err := e.GetProfileView(ctx, profileID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[ProfileResponse] `json:"body"`
		}{Body: ok(profileResponse(view))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-rules",
		Method:      http.MethodPost,
		Path:        "/me/accept-rules",
		Summary:     "Accept the marketplace rules",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body envelope[ProfileResponse] `json:"body"`
	}, error) {
		profileID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.AcceptRules(ctx, profileID); err != nil {
			return nil, handleError(err)
		}
		view, err := e.GetProfileView(ctx, profileID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[ProfileResponse] `json:"body"`
		}{Body: ok(profileResponse(view))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-me",
		Method:      http.MethodPatch,
		Path:        "/me",
		Summary:     "Update current profile",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body UpdateProfileRequest `json:"body"`
	}) (*struct {
		Body envelope[ProfileResponse] `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		profileID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.UpdateDisplayName(ctx, profileID, input.Body.DisplayName); err != nil {
			return nil, handleError(err)
		}
		view, err := e.GetProfileView(ctx, profileID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[ProfileResponse] `json:"body"`
		}{Body: ok(profileResponse(view))}, nil
	})
}

func registerProfiles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-profile",
		Method:      http.MethodGet,
		Path:        "/profiles/{id}",
		Summary:     "Public profile",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body envelope[PublicProfileResponse] `json:"body"`
	}, error) {
		if _, authErr := profileIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		view, err := e.GetProfileView(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[PublicProfileResponse] `json:"body"`
		}{Body: ok(publicProfileResponse(view))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-profile-ratings",
		Method:      http.MethodGet,
		Path:        "/profiles/{id}/ratings",
		Summary:     "Ratings received by a profile",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body envelope[[]RatingResponse] `json:"body"`
	}, error) {
		if _, authErr := profileIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetProfile(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListRatingsFor(ctx, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[[]RatingResponse] `json:"body"`
		}{Body: ok(mapRatings(items))}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Post a task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body envelope[TaskResponse] `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		profileID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TaskCreateOptions{
			PosterID:    profileID,
			Title:       input.Body.Title,
			Description: stringOrEmpty(input.Body.Description),
			Location:    stringOrEmpty(input.Body.Location),
			Category:    input.Body.Category,
			Window:      input.Body.Window,
			ScheduledAt: stringOrEmpty(input.Body.ScheduledAt),
			PriceCents:  input.Body.PriceCents,
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[TaskResponse] `json:"body"`
		}{Body: ok(taskResponse(t))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "Browse the task board",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"OPEN,ACCEPTED,COMPLETE,CANCELED"`
		Category string `query:"category" enum:"errand,delivery,tutoring,moving,tech,other"`
		Window   string `query:"window" enum:"NOW,TODAY,THIS_WEEK,SCHEDULED"`
		Mine     bool   `query:"mine" doc:"Only tasks where the caller is a participant"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body envelope[paginatedTasks] `json:"body"`
	}, error) {
		profileID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filter := repo.TaskFilters{
			Status:          input.Status,
			Category:        input.Category,
			Window:          input.Window,
			ViewerID:        profileID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		}
		if input.Mine {
			filter.ParticipantID = profileID
			filter.ViewerID = ""
		}
		tasks, err := e.ListTasks(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{Items: []TaskResponse{}}
		if len(tasks) > limit {
			// cursor predicates are exclusive, so point at the last row
			// we return rather than the first row we withheld
			tasks = tasks[:limit]
			last := tasks[len(tasks)-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		resp.Items = mapTasks(tasks)
		return &struct {
			Body envelope[paginatedTasks] `json:"body"`
		}{Body: ok(resp)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body envelope[TaskResponse] `json:"body"`
	}, error) {
		profileID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.GetTaskFor(ctx, input.ID, profileID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[TaskResponse] `json:"body"`
		}{Body: ok(taskResponse(t))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Edit an open task's terms",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body envelope[TaskResponse] `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		profileID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.EditTask(ctx, input.ID, profileID, engine.TaskEditOptions{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			PriceCents:  input.Body.PriceCents,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[TaskResponse] `json:"body"`
		}{Body: ok(taskResponse(t))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/accept",
		Summary:     "Accept an open task",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body envelope[TaskResponse] `json:"body"`
	}, error) {
		profileID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.AcceptTask(ctx, input.ID, profileID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[TaskResponse] `json:"body"`
		}{Body: ok(taskResponse(t))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/cancel",
		Summary:     "Cancel a task",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body envelope[TaskResponse] `json:"body"`
	}, error) {
		profileID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CancelTask(ctx, input.ID, profileID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[TaskResponse] `json:"body"`
		}{Body: ok(taskResponse(t))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/complete",
		Summary:     "Mark a task complete",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body envelope[TaskResponse] `json:"body"`
	}, error) {
		profileID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CompleteTask(ctx, input.ID, profileID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[TaskResponse] `json:"body"`
		}{Body: ok(taskResponse(t))}, nil
	})
}

func registerMessages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "send-message",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/messages",
		Summary:       "Send a chat message",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body SendMessageRequest `json:"body"`
	}) (*struct {
		Body envelope[MessageResponse] `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		profileID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.SendMessage(ctx, input.ID, profileID, input.Body.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[MessageResponse] `json:"body"`
		}{Body: ok(messageResponse(m))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/messages",
		Summary:     "Chat history",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body envelope[paginatedMessages] `json:"body"`
	}, error) {
		profileID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListMessages(ctx, input.ID, profileID, limit+1, cursorCreated, cursorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedMessages{Items: []MessageResponse{}}
		if len(items) > limit {
			items = items[:limit]
			last := items[len(items)-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		resp.Items = mapMessages(items)
		return &struct {
			Body envelope[paginatedMessages] `json:"body"`
		}{Body: ok(resp)}, nil
	})
}

func registerRatings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "rate-task",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/rating",
		Summary:       "Rate the counterpart on a completed task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body CreateRatingRequest `json:"body"`
	}) (*struct {
		Body envelope[RatingResponse] `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		profileID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := e.RateTask(ctx, input.ID, profileID, input.Body.Stars, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[RatingResponse] `json:"body"`
		}{Body: ok(ratingResponse(r))}, nil
	})
}

func registerBlocks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "block-profile",
		Method:        http.MethodPost,
		Path:          "/me/blocks",
		Summary:       "Block a profile",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateBlockRequest `json:"body"`
	}) (*struct {
		Body envelope[BlockResponse] `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		profileID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.BlockProfile(ctx, profileID, input.Body.BlockedID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[BlockResponse] `json:"body"`
		}{Body: ok(blockResponse(b))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unblock-profile",
		Method:      http.MethodDelete,
		Path:        "/me/blocks/{id}",
		Summary:     "Remove a block",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body envelope[struct{}] `json:"body"`
	}, error) {
		profileID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.UnblockProfile(ctx, profileID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[struct{}] `json:"body"`
		}{Body: ok(struct{}{})}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-blocks",
		Method:      http.MethodGet,
		Path:        "/me/blocks",
		Summary:     "Profiles blocked by the caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body envelope[[]BlockResponse] `json:"body"`
	}, error) {
		profileID, authErr := profileIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListBlocks(ctx, profileID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body envelope[[]BlockResponse] `json:"body"`
		}{Body: ok(mapBlocks(items))}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"task,profile"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body envelope[paginatedEvents] `json:"body"`
	}, error) {
		if _, authErr := profileIDFromContext(ctx); authErr != nil {
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
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[len(items)-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body envelope[paginatedEvents] `json:"body"`
		}{Body: ok(resp)}, nil
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

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
