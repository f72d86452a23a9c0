package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"biasflow/internal/catalog"
	"biasflow/internal/convert"
	"biasflow/internal/domain"
	"biasflow/internal/engine"
	"biasflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"stage gate: completion criteria not met"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the biasflow API.
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
	hcfg := huma.DefaultConfig("Biasflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerDeck(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerItems(group, cfg.Engine)
	registerNavigation(group, cfg.Engine)
	registerReports(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerTransfer(group, cfg.Engine)

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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrStageGate) {
		return newAPIError(http.StatusUnprocessableEntity, "stage_gate", err.Error(), nil)
	}
	if errors.Is(err, convert.ErrUnsupportedVersion) {
		return newAPIError(http.StatusBadRequest, "unsupported_version", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "deck mismatch"):
		return newAPIError(http.StatusConflict, "deck_mismatch", msg, nil)
	case strings.Contains(lowered, "invalid") ||
		strings.Contains(lowered, "unknown") ||
		strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "not mapped") ||
		strings.Contains(lowered, "not attached"):
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
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Service health",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Status string `json:"status" example:"ok"`
		}
	}, error) {
		resp := &struct {
			Body struct {
				Status string `json:"status" example:"ok"`
			}
		}{}
		resp.Body.Status = "ok"
		return resp, nil
	})
}

func registerDeck(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-deck",
		Method:      http.MethodGet,
		Path:        "/deck",
		Summary:     "Loaded deck metadata and cards",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Deck  catalog.Meta   `json:"deck"`
			Cards []catalog.Card `json:"cards"`
		}
	}, error) {
		resp := &struct {
			Body struct {
				Deck  catalog.Meta   `json:"deck"`
				Cards []catalog.Card `json:"cards"`
			}
		}{}
		resp.Body.Deck = e.Catalog.Metadata()
		resp.Body.Cards = e.Catalog.All()
		return resp, nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Create an assessment session",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateSessionRequest
	}) (*struct{ Body SnapshotResponse }, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.CreateSession(ctx, input.Body.Name, input.Body.Description, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body SnapshotResponse }{Body: SnapshotResponse{Snapshot: snap}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List stored sessions",
	}, func(ctx context.Context, _ *struct{}) (*struct{ Body SessionListResponse }, error) {
		items, err := e.ListSessions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body SessionListResponse }{Body: SessionListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Fetch a session snapshot, migrating older generations",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct{ Body SnapshotResponse }, error) {
		a, warnings, err := e.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body SnapshotResponse }{Body: SnapshotResponse{
			Snapshot: a.ExportSnapshot(),
			Warnings: warnings,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-session",
		Method:        http.MethodDelete,
		Path:          "/sessions/{session_id}",
		Summary:       "Delete a session",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteSession(ctx, input.SessionID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/reset",
		Summary:     "Discard all item records and progress",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct{ Body SnapshotResponse }, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.ResetSession(ctx, input.SessionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body SnapshotResponse }{Body: SnapshotResponse{Snapshot: snap}}, nil
	})
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "assign-risk",
		Method:      http.MethodPut,
		Path:        "/sessions/{session_id}/items/{item_id}/risk",
		Summary:     "Assign a risk category to an item",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		ItemID    string `path:"item_id"`
		Body      AssignRiskRequest
	}) (*struct{ Body SnapshotResponse }, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.AssignRisk(ctx, input.SessionID, input.ItemID, domain.RiskCategory(input.Body.Category), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body SnapshotResponse }{Body: SnapshotResponse{Snapshot: snap}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-risk",
		Method:      http.MethodDelete,
		Path:        "/sessions/{session_id}/items/{item_id}/risk",
		Summary:     "Clear an item's risk category",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		ItemID    string `path:"item_id"`
	}) (*struct{ Body SnapshotResponse }, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.ClearRisk(ctx, input.SessionID, input.ItemID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body SnapshotResponse }{Body: SnapshotResponse{Snapshot: snap}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "map-stage",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/items/{item_id}/stages",
		Summary:     "Map an item to a lifecycle stage",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		ItemID    string `path:"item_id"`
		Body      MapStageRequest
	}) (*struct{ Body SnapshotResponse }, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.MapStage(ctx, input.SessionID, input.ItemID, domain.LifecycleStage(input.Body.Stage), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body SnapshotResponse }{Body: SnapshotResponse{Snapshot: snap}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unmap-stage",
		Method:      http.MethodDelete,
		Path:        "/sessions/{session_id}/items/{item_id}/stages/{stage}",
		Summary:     "Unmap an item from a lifecycle stage",
		Description: "Rationale and mitigations recorded for the stage are kept as orphans and surface as validation warnings.",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		ItemID    string `path:"item_id"`
		Stage     string `path:"stage"`
	}) (*struct{ Body SnapshotResponse }, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.UnmapStage(ctx, input.SessionID, input.ItemID, domain.LifecycleStage(input.Stage), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body SnapshotResponse }{Body: SnapshotResponse{Snapshot: snap}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-rationale",
		Method:      http.MethodPut,
		Path:        "/sessions/{session_id}/items/{item_id}/rationale/{stage}",
		Summary:     "Record rationale for an item at a lifecycle stage",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		ItemID    string `path:"item_id"`
		Stage     string `path:"stage"`
		Body      SetRationaleRequest
	}) (*struct{ Body SnapshotResponse }, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.SetRationale(ctx, input.SessionID, input.ItemID, domain.LifecycleStage(input.Stage), input.Body.Text, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body SnapshotResponse }{Body: SnapshotResponse{Snapshot: snap}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-rationale",
		Method:      http.MethodDelete,
		Path:        "/sessions/{session_id}/items/{item_id}/rationale/{stage}",
		Summary:     "Clear rationale for an item at a lifecycle stage",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		ItemID    string `path:"item_id"`
		Stage     string `path:"stage"`
	}) (*struct{ Body SnapshotResponse }, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.ClearRationale(ctx, input.SessionID, input.ItemID, domain.LifecycleStage(input.Stage), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body SnapshotResponse }{Body: SnapshotResponse{Snapshot: snap}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "attach-mitigation",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/items/{item_id}/mitigations",
		Summary:     "Pair a mitigation with an item at a lifecycle stage",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		ItemID    string `path:"item_id"`
		Body      AttachMitigationRequest
	}) (*struct{ Body SnapshotResponse }, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.AttachMitigation(ctx, input.SessionID, input.ItemID, domain.LifecycleStage(input.Body.Stage), input.Body.MitigationID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body SnapshotResponse }{Body: SnapshotResponse{Snapshot: snap}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "detach-mitigation",
		Method:      http.MethodDelete,
		Path:        "/sessions/{session_id}/items/{item_id}/mitigations/{stage}/{mitigation_id}",
		Summary:     "Remove a mitigation pairing",
		Description: "Implementation notes recorded for the pairing are kept and surface as validation warnings.",
	}, func(ctx context.Context, input *struct {
		SessionID    string `path:"session_id"`
		ItemID       string `path:"item_id"`
		Stage        string `path:"stage"`
		MitigationID string `path:"mitigation_id"`
	}) (*struct{ Body SnapshotResponse }, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.DetachMitigation(ctx, input.SessionID, input.ItemID, domain.LifecycleStage(input.Stage), input.MitigationID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body SnapshotResponse }{Body: SnapshotResponse{Snapshot: snap}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-note",
		Method:      http.MethodPut,
		Path:        "/sessions/{session_id}/items/{item_id}/notes/{stage}/{mitigation_id}",
		Summary:     "Record an implementation note for a pairing",
	}, func(ctx context.Context, input *struct {
		SessionID    string `path:"session_id"`
		ItemID       string `path:"item_id"`
		Stage        string `path:"stage"`
		MitigationID string `path:"mitigation_id"`
		Body         SetNoteRequest
	}) (*struct{ Body SnapshotResponse }, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		note := domain.ImplementationNote{
			EffectivenessRating: input.Body.EffectivenessRating,
			Status:              domain.NoteStatus(input.Body.Status),
			FreeText:            input.Body.FreeText,
			DueDate:             input.Body.DueDate,
			Assignee:            input.Body.Assignee,
		}
		snap, err := e.SetNote(ctx, input.SessionID, input.ItemID, domain.LifecycleStage(input.Stage), input.MitigationID, note, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body SnapshotResponse }{Body: SnapshotResponse{Snapshot: snap}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-note",
		Method:      http.MethodDelete,
		Path:        "/sessions/{session_id}/items/{item_id}/notes/{stage}/{mitigation_id}",
		Summary:     "Remove an implementation note",
	}, func(ctx context.Context, input *struct {
		SessionID    string `path:"session_id"`
		ItemID       string `path:"item_id"`
		Stage        string `path:"stage"`
		MitigationID string `path:"mitigation_id"`
	}) (*struct{ Body SnapshotResponse }, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.ClearNote(ctx, input.SessionID, input.ItemID, domain.LifecycleStage(input.Stage), input.MitigationID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body SnapshotResponse }{Body: SnapshotResponse{Snapshot: snap}}, nil
	})
}

func registerNavigation(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "advance-stage",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/advance",
		Summary:     "Advance the workflow one stage",
		Description: "The validator gates the move; force bypasses the gate and is recorded in the audit log.",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Body      AdvanceRequest
	}) (*struct{ Body StateResponse }, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		state, err := e.Advance(ctx, input.SessionID, actorID, input.Body.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body StateResponse }{Body: StateResponse{State: state}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "go-to-stage",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/stage",
		Summary:     "Move to an arbitrary workflow stage",
		Description: "Backward moves are always free; forward moves respect the validator unless forced.",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Body      GoToStageRequest
	}) (*struct{ Body StateResponse }, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		state, err := e.GoToStage(ctx, input.SessionID, input.Body.Target, actorID, input.Body.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body StateResponse }{Body: StateResponse{State: state}}, nil
	})
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "validate-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/validate",
		Summary:     "Run the full validator over a session",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct{ Body ValidateResponse }, error) {
		report, err := e.Validate(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body ValidateResponse }{Body: ValidateResponse{OK: report.OK(), Report: report}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-progress",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/progress",
		Summary:     "Weighted completeness metrics for a session",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct{ Body ProgressResponse }, error) {
		metrics, err := e.Progress(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body ProgressResponse }{Body: ProgressResponse{Metrics: metrics}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-status",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/status",
		Summary:     "Gate state of all five workflow stages",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body struct {
			Stages []engine.StageStatus `json:"stages"`
		}
	}, error) {
		stages, err := e.Status(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Stages []engine.StageStatus `json:"stages"`
			}
		}{}
		resp.Body.Stages = stages
		return resp, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/events",
		Summary:     "Audit log for a session, newest first",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Limit     int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Cursor    int64  `query:"cursor"`
	}) (*struct{ Body EventsResponse }, error) {
		items, err := e.Repo.ListEvents(ctx, input.SessionID, input.Limit, input.Cursor)
		if err != nil {
			return nil, handleError(err)
		}
		var next int64
		if input.Limit > 0 && len(items) == input.Limit {
			next = items[len(items)-1].ID
		}
		return &struct{ Body EventsResponse }{Body: EventsResponse{Items: items, NextCursor: next}}, nil
	})
}

func registerTransfer(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "import-snapshot",
		Method:        http.MethodPost,
		Path:          "/import",
		Summary:       "Import a snapshot of any supported generation",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		RawBody []byte `contentType:"application/json"`
	}) (*struct{ Body ImportResponse }, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, warnings, err := e.Import(ctx, input.RawBody, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body ImportResponse }{Body: ImportResponse{Snapshot: snap, Warnings: warnings}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/export",
		Summary:     "Export a session at a chosen generation",
	}, func(ctx context.Context, input *struct {
		SessionID  string `path:"session_id"`
		Generation int    `query:"generation" default:"3" minimum:"1" maximum:"3"`
	}) (*struct{ Body ExportResponse }, error) {
		raw, warnings, err := e.Export(ctx, input.SessionID, convert.Generation(input.Generation))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body ExportResponse }{Body: ExportResponse{
			Generation: input.Generation,
			Document:   json.RawMessage(raw),
			Warnings:   warnings,
		}}, nil
	})
}
