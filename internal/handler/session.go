package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/contract-drafting/internal/agent"
	"github.com/iliyamo/contract-drafting/internal/engine"
	"github.com/iliyamo/contract-drafting/internal/model"
	"github.com/iliyamo/contract-drafting/internal/render"
	"github.com/iliyamo/contract-drafting/internal/repository"
)

// SessionHandler exposes the drafting lifecycle over HTTP. Every operation
// delegates to the engine; the handler only decodes requests, injects the
// authenticated user and maps the engine's error taxonomy onto statuses.
type SessionHandler struct {
	Engine *engine.Engine
	Router *agent.Router
}

func NewSessionHandler(eng *engine.Engine, router *agent.Router) *SessionHandler {
	return &SessionHandler{Engine: eng, Router: router}
}

// ----- DTOs -----

type selectCategoryReq struct {
	CategoryID string `json:"category_id"`
}
type selectTemplateReq struct {
	TemplateID string `json:"template_id"`
}
type partyContextReq struct {
	Role       string `json:"role"`
	PersonType string `json:"person_type"`
}
type upsertFieldReq struct {
	Role  string `json:"role"`
	Field string `json:"field"`
	Value string `json:"value"`
}
type fillingModeReq struct {
	Mode string `json:"mode"`
}
type signReq struct {
	Role string `json:"role"`
}
type toolCallReq struct {
	Name string            `json:"name"`
	Args map[string]any    `json:"args"`
	Tags map[string]string `json:"tags"`
}

// CreateSession starts an empty session owned by the caller.
func (h *SessionHandler) CreateSession(c echo.Context) error {
	s, err := h.Engine.Create(c.Request().Context(), userIDFrom(c))
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusCreated, s)
}

// GetSession returns the full session record.
func (h *SessionHandler) GetSession(c echo.Context) error {
	s, err := h.Engine.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, s)
}

// ListSessions returns summaries of the caller's sessions, newest first.
func (h *SessionHandler) ListSessions(c echo.Context) error {
	out, err := h.Engine.List(c.Request().Context(), userIDFrom(c))
	if err != nil {
		return writeEngineError(c, err)
	}
	if out == nil {
		out = []model.SessionSummary{}
	}
	return c.JSON(http.StatusOK, out)
}

// DeleteSession removes a session the caller participates in.
func (h *SessionHandler) DeleteSession(c echo.Context) error {
	if err := h.Engine.Delete(c.Request().Context(), c.Param("id"), userIDFrom(c)); err != nil {
		return writeEngineError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// SelectCategory pins the category, resetting any previous document.
func (h *SessionHandler) SelectCategory(c echo.Context) error {
	var req selectCategoryReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	s, err := h.Engine.SelectCategory(c.Request().Context(), c.Param("id"), req.CategoryID, userIDFrom(c))
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, s)
}

// SelectTemplate picks a template within the selected category.
func (h *SessionHandler) SelectTemplate(c echo.Context) error {
	var req selectTemplateReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	s, err := h.Engine.SelectTemplate(c.Request().Context(), c.Param("id"), req.TemplateID, userIDFrom(c))
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, s)
}

// SetPartyContext claims a role for the caller and fixes its legal form.
func (h *SessionHandler) SetPartyContext(c echo.Context) error {
	var req partyContextReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	s, err := h.Engine.SetPartyContext(c.Request().Context(), c.Param("id"),
		req.Role, model.PersonType(req.PersonType), userIDFrom(c))
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, s)
}

// UpsertField submits one field value. A validation failure is a committed
// outcome, not a transport error: the field state carries the message and
// the response is 422 so clients surface it next to the field.
func (h *SessionHandler) UpsertField(c echo.Context) error {
	var req upsertFieldReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	fs, err := h.Engine.UpsertField(c.Request().Context(), c.Param("id"),
		req.Role, req.Field, req.Value, userIDFrom(c))
	var vErr *engine.ValidationError
	if errors.As(err, &vErr) {
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{
			"field": vErr.Field, "error": vErr.Reason, "state": fs,
		})
	}
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, fs)
}

// SetFillingMode switches between partial and full filling.
func (h *SessionHandler) SetFillingMode(c echo.Context) error {
	var req fillingModeReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	s, err := h.Engine.SetFillingMode(c.Request().Context(), c.Param("id"),
		model.FillingMode(req.Mode), userIDFrom(c))
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, s)
}

// Summary returns the aggregated session view scoped to the caller:
// structure, progress, per-role claims and the caller's missing fields.
// Field values are not included.
func (h *SessionHandler) Summary(c echo.Context) error {
	out, err := h.Router.SessionSummary(c.Request().Context(), c.Param("id"), userIDFrom(c))
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

// Missing reports the required fields still missing, scoped to the caller.
// Use ?scope=all for the whole-document view.
func (h *SessionHandler) Missing(c echo.Context) error {
	s, err := h.Engine.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeEngineError(c, err)
	}
	scope := engine.ScopeUser(userIDFrom(c))
	if c.QueryParam("scope") == "all" {
		scope = engine.ScopeAll
	}
	return c.JSON(http.StatusOK, h.Engine.MissingRequired(s, scope))
}

// Build renders the document from the collected values.
func (h *SessionHandler) Build(c echo.Context) error {
	s, err := h.Engine.Build(c.Request().Context(), c.Param("id"), userIDFrom(c))
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"state": s.State, "artifact": s.Artifact})
}

// Sign records the caller's signature for a role they own.
func (h *SessionHandler) Sign(c echo.Context) error {
	var req signReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	s, err := h.Engine.Sign(c.Request().Context(), c.Param("id"), req.Role, userIDFrom(c))
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"state": s.State, "signatures": s.Signatures})
}

// DispatchTool executes one agent tool call against the session. This is
// the surface an LLM integration talks to: availability gating and PII tag
// resolution happen inside the router.
func (h *SessionHandler) DispatchTool(c echo.Context) error {
	var req toolCallReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	out, err := h.Router.Dispatch(c.Request().Context(), agent.Call{
		SessionID: c.Param("id"),
		UserID:    userIDFrom(c),
		Name:      req.Name,
		Args:      req.Args,
		Tags:      req.Tags,
	})
	if err != nil {
		var na *agent.NotAvailableError
		if errors.As(err, &na) {
			return c.JSON(http.StatusConflict, echo.Map{"error": na.Error()})
		}
		if errors.Is(err, agent.ErrUnknownTool) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		}
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"result": out})
}

// ListTools returns the tools available in the session's current state.
func (h *SessionHandler) ListTools(c echo.Context) error {
	s, err := h.Engine.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, h.Router.Tools(s.State))
}

// Categories lists the registry's categories.
func (h *SessionHandler) Categories(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Engine.Registry().Categories())
}

// SearchCategories resolves a free-text query against the registry.
func (h *SessionHandler) SearchCategories(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Router.ResolveCategory(c.QueryParam("q")))
}

// writeEngineError maps the engine and repository error taxonomy onto HTTP
// statuses. Unrecognized errors become 500 with a generic body so internal
// detail never leaks.
func writeEngineError(c echo.Context, err error) error {
	var vErr *engine.ValidationError
	var nrErr *engine.NotReadyError
	switch {
	case errors.Is(err, repository.ErrSessionNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "session not found"})
	case errors.Is(err, engine.ErrUnknownCategory),
		errors.Is(err, engine.ErrUnknownTemplate),
		errors.Is(err, engine.ErrTemplateCategoryMismatch):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, engine.ErrRoleAlreadyClaimed):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	case errors.Is(err, engine.ErrForbidden):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "not permitted"})
	case errors.Is(err, engine.ErrFieldLocked):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	case errors.Is(err, engine.ErrNotBuilt):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	case errors.As(err, &vErr):
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"field": vErr.Field, "error": vErr.Reason})
	case errors.As(err, &nrErr):
		return c.JSON(http.StatusConflict, echo.Map{"error": "required fields missing", "missing": nrErr.Missing})
	case errors.Is(err, repository.ErrRepositoryUnavailable):
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "storage unavailable"})
	}
	var rErr *render.UnresolvedError
	if errors.As(err, &rErr) {
		return c.JSON(http.StatusConflict, echo.Map{"error": rErr.Error()})
	}
	c.Logger().Errorf("internal error: %v", err)
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}
