package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"forge.control/internal/durable"
	"forge.control/internal/model"
	"forge.control/internal/orchestrator"
)

// RunHandlers binds the run/subtask CRUD surface to a Durable
// Store and the Orchestrator's submission path.
type RunHandlers struct {
	store durable.Store
	orch  *orchestrator.Orchestrator
}

func NewRunHandlers(store durable.Store, orch *orchestrator.Orchestrator) *RunHandlers {
	return &RunHandlers{store: store, orch: orch}
}

// Register mounts every route onto g (typically an authenticated
// group).
func (h *RunHandlers) Register(g *echo.Group) {
	g.POST("/runs", h.createRun)
	g.GET("/runs/:id", h.getRun)
	g.GET("/runs", h.listRunsForCaller)
	g.POST("/runs/:id/cancel", h.cancelRun)
	g.GET("/runs/:id/subtasks", h.listSubtasks)
	g.GET("/runs/:id/subtasks/:subtaskId", h.getSubtask)
}

type createRunRequest struct {
	Plan       []model.Phase `json:"plan,omitempty"`
	Priority   int           `json:"priority"`
	DeadlineAt *time.Time    `json:"deadline_at,omitempty"`
}

func (h *RunHandlers) createRun(c echo.Context) error {
	principal, ok := PrincipalFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing principal")
	}

	var req createRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Priority <= 0 {
		req.Priority = 1
	}

	run := &model.Run{
		ID:         uuid.NewString(),
		UserID:     principal.UserID,
		OrgID:      principal.OrgID,
		State:      model.RunCreated,
		Plan:       req.Plan,
		Priority:   req.Priority,
		DeadlineAt: req.DeadlineAt,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	if err := h.orch.SubmitRun(c.Request().Context(), run); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, run)
}

func (h *RunHandlers) getRun(c echo.Context) error {
	run, err := h.store.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err := h.authorizeRun(c, run); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (h *RunHandlers) listRunsForCaller(c echo.Context) error {
	principal, ok := PrincipalFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing principal")
	}
	runs, err := h.store.ListRunsByOrg(c.Request().Context(), principal.OrgID, 100)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, runs)
}

func (h *RunHandlers) cancelRun(c echo.Context) error {
	run, err := h.store.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err := h.authorizeRun(c, run); err != nil {
		return err
	}
	if !model.CanTransitionRun(run.State, model.RunCancelled) {
		return echo.NewHTTPError(http.StatusConflict, "run cannot be cancelled from its current state")
	}
	principal, _ := PrincipalFrom(c)
	res, err := h.store.TransitionRunState(c.Request().Context(), run.ID, run.State, model.RunCancelled, run.StateVersion, principal.UserID, "cancelled by user")
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res.Run)
}

func (h *RunHandlers) listSubtasks(c echo.Context) error {
	run, err := h.store.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err := h.authorizeRun(c, run); err != nil {
		return err
	}
	subtasks, err := h.store.ListSubtasks(c.Request().Context(), run.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, subtasks)
}

func (h *RunHandlers) getSubtask(c echo.Context) error {
	run, err := h.store.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err := h.authorizeRun(c, run); err != nil {
		return err
	}
	st, err := h.store.GetSubtask(c.Request().Context(), c.Param("subtaskId"))
	if err != nil || st.RunID != run.ID {
		return echo.NewHTTPError(http.StatusNotFound, "subtask not found")
	}
	return c.JSON(http.StatusOK, st)
}

func (h *RunHandlers) authorizeRun(c echo.Context, run *model.Run) error {
	principal, ok := PrincipalFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing principal")
	}
	if run.OrgID != principal.OrgID {
		return echo.NewHTTPError(http.StatusForbidden, "run belongs to a different organization")
	}
	return nil
}
