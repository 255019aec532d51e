// Package api exposes the run service over HTTP.
//
// The caller is identified by the X-Actor header. Authentication happens in
// front of the orchestrator.
package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/animus-labs/cineforge/internal/domain"
	"github.com/animus-labs/cineforge/internal/execution/gate"
	"github.com/animus-labs/cineforge/internal/platform/httpserver"
	"github.com/animus-labs/cineforge/internal/platform/logging"
	"github.com/animus-labs/cineforge/internal/repo"
	"github.com/animus-labs/cineforge/internal/service/runs"
)

const HeaderActor = "X-Actor"

const defaultListLimit = 100

type API struct {
	svc    *runs.Service
	logger *zap.Logger
}

func New(svc *runs.Service, logger *zap.Logger) *API {
	return &API{svc: svc, logger: logging.OrNop(logger)}
}

// Register mounts the /v1 routes on e.
func (a *API) Register(e *echo.Echo) {
	v1 := e.Group("/v1")
	v1.POST("/projects", a.handleCreateProject)
	v1.GET("/projects", a.handleListProjects)
	v1.GET("/projects/:id", a.handleGetProject)
	v1.POST("/projects/:id/runs", a.handleSubmitRun)
	v1.GET("/projects/:id/runs", a.handleListRuns)
	v1.GET("/runs/:id", a.handleGetRun)
	v1.POST("/runs/:id/cancel", a.handleCancelRun)
	v1.POST("/runs/:id/stages/:stage/decision", a.handleDecision)
	v1.POST("/runs/:id/stages/:stage/retry", a.handleRetry)
	v1.GET("/runs/:id/artifacts", a.handleListArtifacts)
	v1.GET("/artifacts/:id", a.handleGetArtifact)
	v1.GET("/artifacts/:id/url", a.handleArtifactURL)
}

func caller(c echo.Context) (runs.Caller, bool) {
	actor := strings.TrimSpace(c.Request().Header.Get(HeaderActor))
	return runs.Caller{Actor: actor, RequestID: httpserver.RequestID(c)}, actor != ""
}

func limit(c echo.Context) int {
	n, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return n
}

func (a *API) handleCreateProject(c echo.Context) error {
	who, ok := caller(c)
	if !ok {
		return writeError(c, http.StatusBadRequest, "actor_required")
	}
	var req createProjectRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_json")
	}
	if strings.TrimSpace(req.Title) == "" {
		return writeError(c, http.StatusBadRequest, "title_required")
	}
	project, err := a.svc.CreateProject(c.Request().Context(), who, req.Title)
	if err != nil {
		return a.respondError(c, err)
	}
	return c.JSON(http.StatusCreated, toProject(project))
}

func (a *API) handleListProjects(c echo.Context) error {
	projects, err := a.svc.ListProjects(c.Request().Context(), repo.ProjectFilter{
		Title: strings.TrimSpace(c.QueryParam("title")),
		Limit: limit(c),
	})
	if err != nil {
		return a.respondError(c, err)
	}
	out := make([]projectResponse, 0, len(projects))
	for _, p := range projects {
		out = append(out, toProject(p))
	}
	return c.JSON(http.StatusOK, map[string]any{"projects": out})
}

func (a *API) handleGetProject(c echo.Context) error {
	project, err := a.svc.GetProject(c.Request().Context(), c.Param("id"))
	if err != nil {
		return a.respondError(c, err)
	}
	return c.JSON(http.StatusOK, toProject(project))
}

func (a *API) handleSubmitRun(c echo.Context) error {
	who, ok := caller(c)
	if !ok {
		return writeError(c, http.StatusBadRequest, "actor_required")
	}
	var req submitRunRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_json")
	}
	from, err := optionalStage(req.FromStage)
	if err != nil {
		return writeErrorWithDetails(c, http.StatusBadRequest, "invalid_stage_list", err.Error())
	}
	to, err := optionalStage(req.ToStage)
	if err != nil {
		return writeErrorWithDetails(c, http.StatusBadRequest, "invalid_stage_list", err.Error())
	}
	runID, err := a.svc.SubmitRun(c.Request().Context(), who, runs.SubmitRequest{
		ProjectID: c.Param("id"),
		FromStage: from,
		ToStage:   to,
		Input:     req.Input,
	})
	if err != nil {
		return a.respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]any{"run_id": runID})
}

func (a *API) handleListRuns(c echo.Context) error {
	filter := repo.RunFilter{ProjectID: c.Param("id"), Limit: limit(c)}
	if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
		for _, value := range strings.Split(raw, ",") {
			status := domain.NormalizeRunStatus(value)
			if status == "" {
				return writeError(c, http.StatusBadRequest, "invalid_status")
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	list, err := a.svc.ListRuns(c.Request().Context(), filter)
	if err != nil {
		return a.respondError(c, err)
	}
	out := make([]runResponse, 0, len(list))
	for _, r := range list {
		out = append(out, toRun(r))
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": out})
}

func (a *API) handleGetRun(c echo.Context) error {
	view, err := a.svc.GetRunStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return a.respondError(c, err)
	}
	return c.JSON(http.StatusOK, toRunView(view))
}

func (a *API) handleCancelRun(c echo.Context) error {
	who, ok := caller(c)
	if !ok {
		return writeError(c, http.StatusBadRequest, "actor_required")
	}
	var req cancelRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return writeError(c, http.StatusBadRequest, "invalid_json")
		}
	}
	run, err := a.svc.CancelRun(c.Request().Context(), who, c.Param("id"), req.Reason)
	if err != nil {
		return a.respondError(c, err)
	}
	return c.JSON(http.StatusOK, toRun(run))
}

func (a *API) handleDecision(c echo.Context) error {
	who, ok := caller(c)
	if !ok {
		return writeError(c, http.StatusBadRequest, "actor_required")
	}
	stage, err := domain.ParseStageName(c.Param("stage"))
	if err != nil {
		return writeError(c, http.StatusNotFound, "not_found")
	}
	var req decisionRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_json")
	}
	decision, err := domain.ParseDecision(req.Decision)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_decision")
	}
	recorded, err := a.svc.ApproveStage(c.Request().Context(), who, gate.Request{
		RunID:       c.Param("id"),
		Stage:       stage,
		Decision:    decision,
		EditedInput: req.EditedInput,
		Note:        req.Note,
	})
	if err != nil {
		return a.respondError(c, err)
	}
	return c.JSON(http.StatusOK, toDecision(recorded))
}

func (a *API) handleRetry(c echo.Context) error {
	who, ok := caller(c)
	if !ok {
		return writeError(c, http.StatusBadRequest, "actor_required")
	}
	stage, err := domain.ParseStageName(c.Param("stage"))
	if err != nil {
		return writeError(c, http.StatusNotFound, "not_found")
	}
	exec, err := a.svc.RetryStage(c.Request().Context(), who, c.Param("id"), stage)
	if err != nil {
		return a.respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, toAttempt(exec))
}

func (a *API) handleListArtifacts(c echo.Context) error {
	var stage domain.StageName
	if raw := c.QueryParam("stage"); raw != "" {
		parsed, err := domain.ParseStageName(raw)
		if err != nil {
			return writeError(c, http.StatusBadRequest, "invalid_stage")
		}
		stage = parsed
	}
	list, err := a.svc.ListArtifacts(c.Request().Context(), c.Param("id"), stage)
	if err != nil {
		return a.respondError(c, err)
	}
	out := make([]artifactResponse, 0, len(list))
	for _, art := range list {
		out = append(out, toArtifact(art))
	}
	return c.JSON(http.StatusOK, map[string]any{"artifacts": out})
}

// handleGetArtifact streams the artifact payload with its recorded checksum.
func (a *API) handleGetArtifact(c echo.Context) error {
	data, artifact, err := a.svc.GetArtifact(c.Request().Context(), c.Param("id"))
	if err != nil {
		return a.respondError(c, err)
	}
	c.Response().Header().Set("X-Artifact-Sha256", artifact.SHA256)
	contentType := artifact.ContentType
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	return c.Blob(http.StatusOK, contentType, data)
}

func (a *API) handleArtifactURL(c echo.Context) error {
	var ttl time.Duration
	if raw := strings.TrimSpace(c.QueryParam("ttl")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 || parsed > 24*time.Hour {
			return writeError(c, http.StatusBadRequest, "invalid_ttl")
		}
		ttl = parsed
	}
	url, artifact, err := a.svc.ArtifactURL(c.Request().Context(), c.Param("id"), ttl)
	if err != nil {
		return a.respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"artifact_id": artifact.ID,
		"url":         url,
		"sha256":      artifact.SHA256,
	})
}

func optionalStage(value string) (domain.StageName, error) {
	if strings.TrimSpace(value) == "" {
		return "", nil
	}
	return domain.ParseStageName(value)
}

func zapRequest(c echo.Context, err error) []zap.Field {
	return []zap.Field{
		zap.String("request_id", httpserver.RequestID(c)),
		zap.String("method", c.Request().Method),
		zap.String("path", c.Path()),
		zap.Error(err),
	}
}
