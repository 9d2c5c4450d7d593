package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"forge.control/internal/blobstore"
	"forge.control/internal/durable"
	"forge.control/internal/model"
)

// ContentHandlers serves the run-adjacent content surface: messages,
// artifacts (content via the Blob Store), and logs.
type ContentHandlers struct {
	runs    durable.Store
	content durable.ContentStore
	blobs   blobstore.Store
}

func NewContentHandlers(runs durable.Store, content durable.ContentStore, blobs blobstore.Store) *ContentHandlers {
	return &ContentHandlers{runs: runs, content: content, blobs: blobs}
}

func (h *ContentHandlers) Register(g *echo.Group) {
	g.GET("/runs/:id/messages", h.listMessages)
	g.POST("/runs/:id/messages", h.appendMessage)
	g.GET("/runs/:id/artifacts", h.listArtifacts)
	g.POST("/runs/:id/artifacts", h.uploadArtifact)
	g.GET("/runs/:id/artifacts/:artifactId", h.downloadArtifact)
	g.GET("/runs/:id/logs", h.listLogs)
}

// loadAuthorized fetches the run and enforces same-org access, shared
// by every handler below.
func (h *ContentHandlers) loadAuthorized(c echo.Context) (*model.Run, error) {
	run, err := h.runs.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	principal, ok := PrincipalFrom(c)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "missing principal")
	}
	if run.OrgID != principal.OrgID {
		return nil, echo.NewHTTPError(http.StatusForbidden, "run belongs to another organization")
	}
	return run, nil
}

func (h *ContentHandlers) listMessages(c echo.Context) error {
	run, err := h.loadAuthorized(c)
	if err != nil {
		return err
	}
	msgs, err := h.content.ListRunMessages(c.Request().Context(), run.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, msgs)
}

type appendMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (h *ContentHandlers) appendMessage(c echo.Context) error {
	run, err := h.loadAuthorized(c)
	if err != nil {
		return err
	}
	var req appendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Role == "" || req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "role and content are required")
	}
	msg := &model.RunMessage{RunID: run.ID, Role: req.Role, Content: req.Content}
	if err := h.content.AppendRunMessage(c.Request().Context(), msg); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, msg)
}

func (h *ContentHandlers) listArtifacts(c echo.Context) error {
	run, err := h.loadAuthorized(c)
	if err != nil {
		return err
	}
	artifacts, err := h.content.ListArtifacts(c.Request().Context(), run.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, artifacts)
}

func (h *ContentHandlers) uploadArtifact(c echo.Context) error {
	run, err := h.loadAuthorized(c)
	if err != nil {
		return err
	}
	name := c.QueryParam("name")
	if name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name query parameter is required")
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	contentType := c.Request().Header.Get(echo.HeaderContentType)

	blobKey := fmt.Sprintf("artifacts/%s/%s", run.ID, uuid.NewString())
	if err := h.blobs.Put(c.Request().Context(), blobKey, body, contentType); err != nil {
		return err
	}

	artifact := &model.Artifact{
		RunID:       run.ID,
		Name:        name,
		ContentType: contentType,
		BlobKey:     blobKey,
		SizeBytes:   int64(len(body)),
	}
	if err := h.content.SaveArtifact(c.Request().Context(), artifact); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, artifact)
}

func (h *ContentHandlers) downloadArtifact(c echo.Context) error {
	run, err := h.loadAuthorized(c)
	if err != nil {
		return err
	}
	artifact, err := h.content.GetArtifact(c.Request().Context(), c.Param("artifactId"))
	if err != nil || artifact.RunID != run.ID {
		return echo.NewHTTPError(http.StatusNotFound, "artifact not found")
	}
	content, contentType, err := h.blobs.Get(c.Request().Context(), artifact.BlobKey)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "artifact content missing")
	}
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	return c.Blob(http.StatusOK, contentType, content)
}

func (h *ContentHandlers) listLogs(c echo.Context) error {
	run, err := h.loadAuthorized(c)
	if err != nil {
		return err
	}
	since := time.Time{}
	if raw := c.QueryParam("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be RFC3339")
		}
		since = parsed
	}
	logs, err := h.content.ListRunLogs(c.Request().Context(), run.ID, since)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, logs)
}
