package server

import (
	"context"
	"encoding/base64"
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

	"verdant/internal/engine"
	"verdant/internal/oracle"
	"verdant/internal/repo"
	"verdant/internal/storage"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// ImagesDir, when set, is served at /images/* without auth so stored
	// image URLs resolve publicly (the oracle fetches them).
	ImagesDir string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"plant not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Verdant API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Verdant API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerImages(router, cfg.ImagesDir)
	registerHealth(group)
	registerPlants(group, cfg.Engine)
	registerTreatments(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
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
	if errors.Is(err, engine.ErrNoImage) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}

	var se *engine.StageError
	if errors.As(err, &se) {
		details := map[string]any{"stage": string(se.Stage)}
		switch se.Stage {
		case engine.StageUpload:
			if errors.Is(err, storage.ErrInvalidSegment) {
				return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
			}
			var we *storage.WriteError
			if errors.As(err, &we) {
				details["path"] = we.Path
			}
			return newAPIError(http.StatusInternalServerError, "storage_write_failed", err.Error(), details)
		case engine.StageDiagnosis:
			var oe *oracle.StatusError
			if errors.As(err, &oe) {
				details["upstream_status"] = oe.Status
				details["upstream_body"] = oe.Body
			}
			return newAPIError(http.StatusBadGateway, "diagnosis_failed", err.Error(), details)
		default:
			return newAPIError(http.StatusInternalServerError, "persist_failed", err.Error(), details)
		}
	}

	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusBadGateway:
		return "diagnosis_failed"
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

func registerImages(r chi.Router, dir string) {
	if dir == "" {
		return
	}
	fileServer := http.StripPrefix("/images/", http.FileServer(http.Dir(dir)))
	r.Get("/images/*", func(w http.ResponseWriter, req *http.Request) {
		fileServer.ServeHTTP(w, req)
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
	open := map[string]struct{}{
		"/" + strings.TrimPrefix(path.Join(basePath, "health"), "/"):         {},
		"/" + strings.TrimPrefix(path.Join(basePath, "auth/dev/login"), "/"): {},
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if _, ok := open[route]; ok {
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
    <title>Verdant API Docs</title>
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

func registerPlants(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-plant",
		Method:        http.MethodPost,
		Path:          "/plants",
		Summary:       "Upload an image and create a diagnosed plant",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreatePlantRequest `json:"body"`
	}) (*struct {
		Body PlantResponse `json:"body"`
	}, error) {
		ownerID, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.ImageBase64) == "" {
			return nil, handleError(engine.ErrNoImage)
		}
		image, err := base64.StdEncoding.DecodeString(input.Body.ImageBase64)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "image_base64 is not valid base64", nil)
		}
		allowFallback := e.Config.Oracle.Fallback
		if input.Body.UseFallback != nil {
			allowFallback = *input.Body.UseFallback
		}
		plant, err := e.CreatePlantFromImage(ctx, engine.CreatePlantOptions{
			OwnerID:       ownerID,
			Image:         image,
			Ext:           input.Body.Ext,
			AllowFallback: allowFallback,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlantResponse `json:"body"`
		}{Body: plantResponse(plant)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-plants",
		Method:      http.MethodGet,
		Path:        "/plants",
		Summary:     "List the caller's plants, newest first",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []PlantResponse `json:"body"`
	}, error) {
		ownerID, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListPlants(ctx, ownerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PlantResponse `json:"body"`
		}{Body: mapPlants(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plant",
		Method:      http.MethodGet,
		Path:        "/plants/{plant_id}",
		Summary:     "Get a plant with its treatment plan",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PlantID string `path:"plant_id"`
	}) (*struct {
		Body PlantResponse `json:"body"`
	}, error) {
		ownerID, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.GetPlant(ctx, ownerID, input.PlantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlantResponse `json:"body"`
		}{Body: plantResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-plant",
		Method:      http.MethodDelete,
		Path:        "/plants/{plant_id}",
		Summary:     "Delete a plant and its treatments",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PlantID string `path:"plant_id"`
	}) (*struct{}, error) {
		ownerID, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeletePlant(ctx, ownerID, input.PlantID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTreatments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "update-treatment",
		Method:      http.MethodPatch,
		Path:        "/treatments/{treatment_id}",
		Summary:     "Mark a treatment step completed or not",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TreatmentID string                 `path:"treatment_id"`
		Body        UpdateTreatmentRequest `json:"body"`
	}) (*struct {
		Body TreatmentResponse `json:"body"`
	}, error) {
		ownerID, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CompleteTreatment(ctx, ownerID, input.TreatmentID, input.Body.Completed)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TreatmentResponse `json:"body"`
		}{Body: treatmentResponse(t)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the caller's audit events",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Limit int    `query:"limit"`
		Type  string `query:"type"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		ownerID, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.LatestEvents(ctx, input.Limit, ownerID, input.Type, "", "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerDevAuth(api huma.API, cfg AuthConfig) {
	if !cfg.EnableDevLogin || strings.TrimSpace(cfg.JWTSecret) == "" {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Mint a development JWT for an owner",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		token, err := MintToken(cfg.JWTSecret, input.Body.OwnerID)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
