package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"forge.control/internal/durable"
	"forge.control/internal/model"
)

// EventHandlers serves run progress either as a single poll response
// (cursor-based, via ?since=) or as a Server-Sent Events stream, per
// either polled with a since cursor or subscribed over SSE.
type EventHandlers struct {
	store        durable.Store
	pollInterval time.Duration
	heartbeat    time.Duration
}

func NewEventHandlers(store durable.Store) *EventHandlers {
	return &EventHandlers{store: store, pollInterval: time.Second, heartbeat: 15 * time.Second}
}

func (h *EventHandlers) Register(g *echo.Group) {
	g.GET("/runs/:id/events", h.events)
}

// runEvent is the envelope written to both SSE frames and the poll
// response body.
type runEvent struct {
	RunID        string              `json:"run_id"`
	State        model.RunState      `json:"state"`
	StateVersion int64               `json:"state_version"`
	Progress     float64             `json:"progress"`
	CurrentPhase int                 `json:"current_phase_number"`
	Subtasks     durable.SubtaskCounts `json:"subtask_counts,omitempty"`
	Error        string              `json:"error,omitempty"`
}

func (h *EventHandlers) snapshot(ctx context.Context, runID string) (*runEvent, bool, error) {
	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		return nil, false, err
	}
	counts, err := h.store.GetSubtaskCountsByState(ctx, runID)
	if err != nil {
		counts = nil
	}
	ev := &runEvent{
		RunID:        run.ID,
		State:        run.State,
		StateVersion: run.StateVersion,
		Progress:     run.Progress,
		CurrentPhase: run.CurrentPhaseNumber,
		Subtasks:     counts,
		Error:        run.Error,
	}
	return ev, model.IsRunTerminal(run.State), nil
}

func (h *EventHandlers) events(c echo.Context) error {
	run, err := h.store.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err := h.authorize(c, run); err != nil {
		return err
	}

	if c.Request().Header.Get("Accept") == "text/event-stream" {
		return h.stream(c, run.ID)
	}
	return h.poll(c, run.ID)
}

// poll answers a single request: if ?since= names a state_version the
// caller already has and nothing newer exists, it responds 204 so
// callers can cheaply long-poll in a loop; otherwise it returns the
// current snapshot plus a next_since cursor.
func (h *EventHandlers) poll(c echo.Context, runID string) error {
	since := int64(-1)
	if raw := c.QueryParam("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be an integer state_version")
		}
		since = v
	}

	ev, _, err := h.snapshot(c.Request().Context(), runID)
	if err != nil {
		return err
	}
	if ev.StateVersion <= since {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"event":      ev,
		"next_since": ev.StateVersion,
	})
}

// stream upgrades to SSE, pushing a fresh snapshot whenever
// state_version advances, a heartbeat comment every h.heartbeat when
// idle, and a terminal "complete" event once the run reaches a
// terminal state, after which the connection closes.
func (h *EventHandlers) stream(c echo.Context, runID string) error {
	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ctx := c.Request().Context()
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()
	heartbeatTicker := time.NewTicker(h.heartbeat)
	defer heartbeatTicker.Stop()

	var lastVersion int64 = -1
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeatTicker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case <-ticker.C:
			ev, terminal, err := h.snapshot(ctx, runID)
			if err != nil {
				return nil
			}
			if ev.StateVersion == lastVersion {
				continue
			}
			lastVersion = ev.StateVersion

			eventName := "progress"
			if terminal {
				eventName = "complete"
			}
			if err := writeSSE(w, eventName, ev); err != nil {
				return nil
			}
			if terminal {
				return nil
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	if f, ok := w.(interface{ Flush() }); ok {
		f.Flush()
	}
	return nil
}

func (h *EventHandlers) authorize(c echo.Context, run *model.Run) error {
	principal, ok := PrincipalFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing principal")
	}
	if run.OrgID != principal.OrgID {
		return echo.NewHTTPError(http.StatusForbidden, "run belongs to a different organization")
	}
	return nil
}
