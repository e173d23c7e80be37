package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"redline/internal/domain"
	"redline/internal/engine"
	"redline/internal/engine/auth"
	"redline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"max_versions_reached"`
	Message string         `json:"message" example:"contributor already signed 2 agreement versions"`
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

// New returns an HTTP handler exposing the Redline API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Config, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Redline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerContributions(group, cfg.Engine)
	registerAnnotations(group, cfg.Engine)
	registerReviewActions(group, cfg.Engine)
	registerAgreements(group, cfg.Engine)
	registerAgreementDocument(router, basePath, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": fe.Action})
	}
	var oe auth.NotOwnerError
	if errors.As(err, &oe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
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
	open := map[string]bool{
		"/" + strings.TrimPrefix(path.Join(basePath, "health"), "/"):         true,
		"/" + strings.TrimPrefix(path.Join(basePath, "auth/dev/login"), "/"): true,
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Redline API Docs</title>
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

func registerContributions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "save-progress",
		Method:      http.MethodPost,
		Path:        "/contributions/save",
		Summary:     "Save contribution progress",
		Description: "Persists a contributor's draft. When the supplied contribution id no longer resolves, a fresh record is created and its id returned. An agreement payload is run through the signature policy.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SaveProgressRequest `json:"body"`
	}) (*struct {
		Body SaveProgressResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in := engine.SaveProgressInput{
			ContributionID:   strOrEmpty(input.Body.ContributionID),
			Status:           strOrEmpty(input.Body.Status),
			CurrentStep:      strOrEmpty(input.Body.CurrentStep),
			Path:             strOrEmpty(input.Body.Path),
			Language:         strOrEmpty(input.Body.Language),
			Brief:            strOrEmpty(input.Body.Brief),
			InterviewHistory: strOrEmpty(input.Body.InterviewHistory),
			DraftContent:     strOrEmpty(input.Body.DraftContent),
			RemoteIP:         clientIP(ctx),
			UserAgent:        userAgent(ctx),
		}
		if input.Body.Agreement != nil {
			in.Agreement = &engine.AgreementSubmission{
				Version:         input.Body.Agreement.Version,
				CheckboxGeneral: input.Body.Agreement.CheckboxGeneral,
				Checkbox1341:    input.Body.Agreement.Checkbox1341,
				AuthorName:      input.Body.Agreement.AuthorName,
				FiscalCode:      strOrEmpty(input.Body.Agreement.FiscalCode),
			}
		}
		res, err := e.SaveProgress(ctx, principal.engine(), in)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SaveProgressResponse `json:"body"`
		}{Body: SaveProgressResponse{
			ContributionID:    res.ContributionID,
			LastSaved:         res.LastSavedAt,
			Created:           res.Created,
			AgreementDecision: string(res.AgreementDecision),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contribution",
		Method:      http.MethodGet,
		Path:        "/contributions/{contribution_id}",
		Summary:     "Fetch a contribution",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ContributionID string `path:"contribution_id"`
	}) (*struct {
		Body contributionBody `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Repo.GetContribution(ctx, input.ContributionID)
		if err != nil {
			return nil, handleError(err)
		}
		if !principal.Admin && c.ContributorID != principal.ActorID {
			return nil, handleError(auth.NotOwnerError{ContributionID: c.ID})
		}
		return &struct {
			Body contributionBody `json:"body"`
		}{Body: contributionBody{Contribution: c}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-contributions",
		Method:      http.MethodGet,
		Path:        "/contributions",
		Summary:     "List contributions",
		Description: "Admins see every contribution; contributors only their own.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body ListContributionsResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		filters := repo.ContributionFilters{
			Status: input.Status,
			Limit:  limit + 1,
		}
		if !principal.Admin {
			filters.ContributorID = principal.ActorID
		}
		if input.Cursor != "" {
			createdAt, id, err := decodeCursor(input.Cursor)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			filters.CursorCreatedAt = createdAt
			filters.CursorID = id
		}
		contributions, err := e.Repo.ListContributions(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		next := ""
		if len(contributions) > limit {
			contributions = contributions[:limit]
			last := contributions[len(contributions)-1]
			next = encodeCursor(last.CreatedAt, last.ID)
		}
		summaries := make([]ContributionSummary, 0, len(contributions))
		for _, c := range contributions {
			summaries = append(summaries, toContributionSummary(c))
		}
		return &struct {
			Body ListContributionsResponse `json:"body"`
		}{Body: ListContributionsResponse{Contributions: summaries, NextCursor: next}}, nil
	})
}

// contributionBody wraps the aggregate so huma names the schema.
type contributionBody struct {
	Contribution domain.Contribution `json:"contribution"`
}

func registerAnnotations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "add-annotation",
		Method:      http.MethodPost,
		Path:        "/contributions/{contribution_id}/annotations",
		Summary:     "Annotate a draft range",
		Description: "Appends a reviewer note over a character range of the draft and returns the full annotation set.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ContributionID string               `path:"contribution_id"`
		Body           AddAnnotationRequest `json:"body"`
	}) (*struct {
		Body AnnotationsResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		annotations, err := e.AddAnnotation(ctx, principal.engine(), input.ContributionID, input.Body.Start, input.Body.End, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AnnotationsResponse `json:"body"`
		}{Body: AnnotationsResponse{Annotations: nonNilSlice(annotations)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-segments",
		Method:      http.MethodGet,
		Path:        "/contributions/{contribution_id}/segments",
		Summary:     "Render draft highlight segments",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ContributionID string `path:"contribution_id"`
	}) (*struct {
		Body SegmentsResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !principal.Admin {
			c, err := e.Repo.GetContribution(ctx, input.ContributionID)
			if err != nil {
				return nil, handleError(err)
			}
			if c.ContributorID != principal.ActorID {
				return nil, handleError(auth.NotOwnerError{ContributionID: c.ID})
			}
		}
		segments, err := e.Segments(ctx, input.ContributionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SegmentsResponse `json:"body"`
		}{Body: SegmentsResponse{Segments: nonNilSlice(segments)}}, nil
	})
}

func registerReviewActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "apply-review-action",
		Method:      http.MethodPost,
		Path:        "/contributions/{contribution_id}/review",
		Summary:     "Apply a review decision",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ContributionID string              `path:"contribution_id"`
		Body           ReviewActionRequest `json:"body"`
	}) (*struct {
		Body ReviewActionResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.ApplyReviewAction(ctx, principal.engine(), input.ContributionID, input.Body.Action, strOrEmpty(input.Body.Note))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewActionResponse `json:"body"`
		}{Body: ReviewActionResponse{
			Status:      c.Status,
			CurrentStep: c.CurrentStep,
			Review:      c.Review,
		}}, nil
	})
}

func registerAgreements(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-signed-agreements",
		Method:      http.MethodGet,
		Path:        "/contributors/{contributor_id}/agreements",
		Summary:     "List a contributor's signed agreements",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		ContributorID string `path:"contributor_id"`
	}) (*struct {
		Body SignedAgreementsResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !principal.Admin && principal.ActorID != input.ContributorID {
			return nil, handleError(auth.ForbiddenError{Action: "inspect another contributor's agreements"})
		}
		agreements, err := e.Repo.ListSignedAgreements(ctx, input.ContributorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SignedAgreementsResponse `json:"body"`
		}{Body: SignedAgreementsResponse{Agreements: nonNilSlice(agreements)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agreement-versions",
		Method:      http.MethodGet,
		Path:        "/agreements/versions",
		Summary:     "List agreement versions in the catalog",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AgreementVersionsResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		var versions []AgreementVersionInfo
		if e.Config != nil {
			for v, av := range e.Config.Agreements.Catalog {
				versions = append(versions, AgreementVersionInfo{
					Version: v,
					Title:   av.Title,
					Current: v == e.Config.Agreements.CurrentVersion,
				})
			}
		}
		return &struct {
			Body AgreementVersionsResponse `json:"body"`
		}{Body: AgreementVersionsResponse{Versions: nonNilSlice(versions)}}, nil
	})
}

// registerAgreementDocument serves the rendered signed document as plain
// text. It bypasses huma so the response body stays raw bytes.
func registerAgreementDocument(r chi.Router, basePath string, e engine.Engine) {
	route := path.Join(basePath, "contributions/{contribution_id}/agreement/document")
	r.Get(route, func(w http.ResponseWriter, req *http.Request) {
		principal, ok := principalFromContext(req.Context())
		if !ok || principal.ActorID == "" {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
			return
		}
		id := chi.URLParam(req, "contribution_id")
		c, err := e.Repo.GetContribution(req.Context(), id)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		if !principal.Admin && c.ContributorID != principal.ActorID {
			respondStatusError(w, handleError(auth.NotOwnerError{ContributionID: c.ID}))
			return
		}
		doc, err := e.AgreementDocument(req.Context(), id)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write(doc)
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest audit events",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !principal.Admin {
			return nil, handleError(auth.ForbiddenError{Action: "read the event log"})
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		events, err := e.Repo.LatestEvents(ctx, limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: EventsResponse{Events: nonNilSlice(events)}}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-apikey",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !principal.Admin {
			return nil, handleError(auth.ForbiddenError{Action: "manage api keys"})
		}
		if strings.TrimSpace(input.Body.ActorID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		plaintext := uuid.NewString()
		key := newAPIKey(input.Body, plaintext)
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		out := toAPIKeyResponse(key)
		out.Key = plaintext
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-apikeys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body APIKeysResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !principal.Admin {
			return nil, handleError(auth.ForbiddenError{Action: "manage api keys"})
		}
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, toAPIKeyResponse(k))
		}
		return &struct {
			Body APIKeysResponse `json:"body"`
		}{Body: APIKeysResponse{Keys: out}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-apikey",
		Method:        http.MethodDelete,
		Path:          "/apikeys/{key_id}",
		Summary:       "Delete an API key",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !principal.Admin {
			return nil, handleError(auth.ForbiddenError{Action: "manage api keys"})
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func newAPIKey(req CreateAPIKeyRequest, plaintext string) domain.APIKey {
	return domain.APIKey{
		ID:      uuid.NewString(),
		ActorID: strings.TrimSpace(req.ActorID),
		Name:    strOrEmpty(req.Name),
		KeyHash: repo.HashAPIKey(plaintext),
	}
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: principal.ActorID,
			Email:   principal.Email,
			Admin:   principal.Admin,
			Source:  principal.Source,
		}}, nil
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
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if !authCfg.DevLogin {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "dev login disabled", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		email := strings.TrimSpace(input.Body.Email)
		if actor == "" || email == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and email are required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, email, input.Body.Admin)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func encodeCursor(createdAt, id string) string {
	return base64.URLEncoding.EncodeToString([]byte(createdAt + "|" + id))
}

func decodeCursor(cursor string) (string, string, error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("malformed cursor")
	}
	return parts[0], parts[1], nil
}

func clientIP(ctx context.Context) string {
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return ""
	}
	if fwd := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); fwd != "" {
		if idx := strings.Index(fwd, ","); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func userAgent(ctx context.Context) string {
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return ""
	}
	return req.UserAgent()
}
