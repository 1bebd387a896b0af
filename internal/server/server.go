package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pricegate/internal/domain"
	"pricegate/internal/engine"
	"pricegate/internal/logger"
	"pricegate/internal/migrate"
	"pricegate/internal/repo"
	"pricegate/internal/runner"
	"pricegate/internal/verifier"
	"pricegate/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	BasePath  string
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Logger    *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_unavailable"`
	Message string         `json:"message" example:"validation engine unavailable"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the pricegate API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Logger
	if log == nil {
		log = logger.L()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// request schema failures are client errors
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
	router.Use(accessLog(log))
	router.Use(newRateLimitMiddleware(cfg.RateLimit,
		path.Join(basePath, "check-price"),
		path.Join(basePath, "submissions"),
	))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))

	hcfg := huma.DefaultConfig("pricegate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	registerDocs(router, basePath)
	registerHealth(group, e)
	registerOptions(group, e)
	registerProducts(group, e)
	registerCheckPrice(group, e)
	registerUpdatePrice(group, e)
	registerSubmissions(group, e)
	registerEvents(group, e)
	registerOpenAPI(router, api, basePath, cfg.Auth.enabled())

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
	var protoErr *verifier.ProtocolError
	if errors.As(err, &protoErr) {
		return newAPIError(http.StatusBadGateway, "validation_unreadable", workflow.MsgEngineUnreadable, map[string]any{"error": err.Error()})
	}
	var execErr *runner.ExecutionError
	if errors.As(err, &execErr) {
		return newAPIError(http.StatusBadGateway, "validation_unavailable", workflow.MsgEngineUnavailable, map[string]any{"error": err.Error()})
	}
	if errors.Is(err, workflow.ErrIncompleteSubmission) {
		return newAPIError(http.StatusBadRequest, "incomplete_submission", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must"):
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

func accessLog(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("http.request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, authEnabled bool) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if authEnabled {
				applyAuthSecurity(oas)
			}
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
	if oas.Components != nil && oas.Components.Schemas != nil {
		oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
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

// applyAuthSecurity marks mutating operations as bearer-protected.
func applyAuthSecurity(oas *huma.OpenAPI) {
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
		for _, op := range []*huma.Operation{item.Post, item.Put, item.Patch, item.Delete} {
			if op == nil || strings.HasSuffix(route, "/check-price") {
				continue
			}
			op.Security = []map[string][]string{{"bearerAuth": {}}}
		}
	}
}

func operations(item *huma.PathItem) []*huma.Operation {
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>pricegate API Docs</title>
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

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		body := map[string]any{"status": "ok"}
		if e.DB != nil {
			v, err := migrate.Version(ctx, e.DB)
			if err != nil {
				return nil, handleError(err)
			}
			body["schema_version"] = v
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: body}, nil
	})
}

func registerOptions(api huma.API, e engine.Engine) {
	type optionsOutput struct {
		Body OptionsResponse `json:"body"`
	}
	list := func(ctx context.Context, sel domain.Selection, level string) (*optionsOutput, error) {
		got, values, err := e.Options(ctx, sel)
		if err != nil {
			return nil, handleError(err)
		}
		if got != level {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("%s is required to list %s options", got, level), nil)
		}
		return &optionsOutput{Body: OptionsResponse{Level: level, Values: values}}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-commodities",
		Method:      http.MethodGet,
		Path:        "/options/commodities",
		Summary:     "List commodities",
	}, func(ctx context.Context, _ *struct{}) (*optionsOutput, error) {
		return list(ctx, domain.Selection{}, "commodity")
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-states",
		Method:      http.MethodGet,
		Path:        "/options/states",
		Summary:     "List states for a commodity",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Commodity string `query:"commodity"`
	}) (*optionsOutput, error) {
		return list(ctx, domain.Selection{Commodity: input.Commodity}, "state")
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-districts",
		Method:      http.MethodGet,
		Path:        "/options/districts",
		Summary:     "List districts for a commodity and state",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Commodity string `query:"commodity"`
		State     string `query:"state"`
	}) (*optionsOutput, error) {
		return list(ctx, domain.Selection{Commodity: input.Commodity, State: input.State}, "district")
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-markets",
		Method:      http.MethodGet,
		Path:        "/options/markets",
		Summary:     "List markets for a commodity, state and district",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Commodity string `query:"commodity"`
		State     string `query:"state"`
		District  string `query:"district"`
	}) (*optionsOutput, error) {
		return list(ctx, domain.Selection{Commodity: input.Commodity, State: input.State, District: input.District}, "market")
	})
}

func registerProducts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "match-product",
		Method:      http.MethodGet,
		Path:        "/products/match",
		Summary:     "Resolve a selection to its product",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *SelectionQuery) (*struct {
		Body domain.Product `json:"body"`
	}, error) {
		sel := input.selection()
		if !sel.Complete() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "commodity, state, district and market are required", nil)
		}
		p, err := e.Repo.MatchProduct(ctx, sel)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, newAPIError(http.StatusNotFound, "not_found", workflow.MsgNoMatchingProduct, nil)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Product `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-products",
		Method:      http.MethodGet,
		Path:        "/products",
		Summary:     "List catalog products with their ledger price",
	}, func(ctx context.Context, input *struct {
		Commodity string `query:"commodity"`
		State     string `query:"state"`
		District  string `query:"district"`
		Limit     int    `query:"limit" default:"100"`
	}) (*struct {
		Body []domain.Product `json:"body"`
	}, error) {
		items, err := e.Repo.ListProducts(ctx, repo.ProductFilters{
			Commodity: input.Commodity,
			State:     input.State,
			District:  input.District,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Product `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register-product",
		Method:        http.MethodPost,
		Path:          "/products",
		Summary:       "Register a product and open its ledger entry",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RegisterProductRequest `json:"body"`
	}) (*struct {
		Body domain.Product `json:"body"`
	}, error) {
		p, err := e.RegisterProduct(ctx, domain.Product{
			Commodity: input.Body.Commodity,
			State:     input.Body.State,
			District:  input.Body.District,
			Market:    input.Body.Market,
			LedgerID:  input.Body.LedgerID,
			Price:     input.Body.Price,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Product `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "price-history",
		Method:      http.MethodGet,
		Path:        "/products/{product_id}/prices",
		Summary:     "Ledger price history, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProductID string `path:"product_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.PriceUpdate `json:"body"`
	}, error) {
		items, err := e.Repo.PriceHistory(ctx, input.ProductID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PriceUpdate `json:"body"`
		}{Body: items}, nil
	})
}

func registerCheckPrice(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "check-price",
		Method:      http.MethodPost,
		Path:        "/check-price",
		Summary:     "Ask the validation engine for a verdict without committing",
		Errors:      []int{http.StatusBadRequest, http.StatusTooManyRequests, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body CheckPriceRequest `json:"body"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		sel := domain.Selection{
			Commodity: input.Body.Commodity,
			State:     input.Body.State,
			District:  input.Body.District,
			Market:    input.Body.Market,
		}
		v, err := e.Check(ctx, sel, input.Body.VendorPrice)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: v.Document()}, nil
	})
}

func registerUpdatePrice(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "update-price",
		Method:      http.MethodPost,
		Path:        "/products/vendor/update-price",
		Summary:     "Commit a new price to the ledger",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body UpdatePriceRequest `json:"body"`
	}) (*struct {
		Body UpdatePriceResponse `json:"body"`
	}, error) {
		receipt, err := e.CommitPrice(ctx, domain.CommitRequest{ProductID: input.Body.ProductID, NewPrice: input.Body.NewPrice})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UpdatePriceResponse `json:"body"`
		}{Body: UpdatePriceResponse{Message: receipt.Message, MLResult: verdictDocument(receipt.Verdict)}}, nil
	})
}

func registerSubmissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-price",
		Method:      http.MethodPost,
		Path:        "/submissions",
		Summary:     "Verify a proposed price and commit it on acceptance",
		Description: "Runs the verify-then-commit workflow. Rejections and failures are reported in the body with status 200.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		Body SubmissionRequest `json:"body"`
	}) (*struct {
		Body SubmissionResponse `json:"body"`
	}, error) {
		out, err := e.Submit(ctx, workflow.Submission{
			Selection: domain.Selection{
				Commodity: input.Body.Commodity,
				State:     input.Body.State,
				District:  input.Body.District,
				Market:    input.Body.Market,
			},
			Price: input.Body.Price,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmissionResponse `json:"body"`
		}{Body: submissionResponse(out)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-submissions",
		Method:      http.MethodGet,
		Path:        "/submissions",
		Summary:     "Recent submissions, newest first",
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status"`
		ActorID string `query:"actor_id"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body []SubmissionRecord `json:"body"`
	}, error) {
		items, err := e.Repo.ListSubmissions(ctx, repo.SubmissionFilters{
			Status:  input.Status,
			ActorID: input.ActorID,
			Limit:   normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SubmissionRecord `json:"body"`
		}{Body: mapSubmissions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-submission",
		Method:      http.MethodGet,
		Path:        "/submissions/{submission_id}",
		Summary:     "Get a submission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SubmissionID string `path:"submission_id"`
	}) (*struct {
		Body SubmissionRecord `json:"body"`
	}, error) {
		s, err := e.Repo.GetSubmission(ctx, input.SubmissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmissionRecord `json:"body"`
		}{Body: submissionRecord(s)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
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
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, limit+1, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: items}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			resp.Items = items[:limit]
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
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
