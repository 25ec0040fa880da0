package migration

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/migration/internal/domain/mapping"
	"github.com/ehr/migration/internal/platform/artifact"
	"github.com/ehr/migration/internal/platform/auth"
	"github.com/ehr/migration/pkg/pagination"
)

type Handler struct {
	svc *Service
	// queue runs phases requested with ?async=true. Nil disables async.
	queue Dispatcher
}

func NewHandler(svc *Service, queue Dispatcher) *Handler {
	return &Handler{svc: svc, queue: queue}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/migrations")

	readGroup := g.Group("", auth.RequireRole(auth.RoleMigrationView))
	readGroup.GET("/catalog", h.GetCatalog)
	readGroup.GET("/runs", h.ListRuns)
	readGroup.GET("/runs/:id", h.GetRun)
	readGroup.GET("/runs/:id/mappings", h.ListMappings)
	readGroup.GET("/runs/:id/audit-events", h.ListAuditEvents)
	readGroup.GET("/runs/:id/failures", h.ListFailures)
	readGroup.GET("/runs/:id/artifacts/:phase", h.ListArtifacts)
	readGroup.GET("/runs/:id/artifacts/:phase/:key", h.GetArtifact)
	readGroup.GET("/runs/:id/tasks/:task", h.GetTask)

	writeGroup := g.Group("", auth.RequireRole(auth.RoleMigrationAdmin))
	writeGroup.POST("/runs", h.CreateRun)
	writeGroup.POST("/runs/:id/phases/:phase", h.RunPhase)
	writeGroup.POST("/runs/:id/pause", h.PauseRun)
	writeGroup.POST("/runs/:id/resume", h.ResumeRun)
	writeGroup.POST("/runs/:id/complete", h.CompleteRun)
	writeGroup.POST("/runs/:id/mappings", h.ReviseMapping)
	writeGroup.POST("/runs/:id/mappings/:version/approve", h.ApproveMapping)
}

// -- Runs --

func (h *Handler) CreateRun(c echo.Context) error {
	var in CreateRunInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	run, err := h.svc.CreateRun(c.Request().Context(), actorFrom(c), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, run)
}

func (h *Handler) GetCatalog(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Catalog())
}

func (h *Handler) GetRun(c echo.Context) error {
	id, err := runID(c)
	if err != nil {
		return err
	}
	run, err := h.svc.GetRun(c.Request().Context(), actorFrom(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, run)
}

func (h *Handler) ListRuns(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListRuns(c.Request().Context(), actorFrom(c), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) RunPhase(c echo.Context) error {
	id, err := runID(c)
	if err != nil {
		return err
	}
	phase, err := ParsePhase(c.Param("phase"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown phase "+c.Param("phase"))
	}
	actor := actorFrom(c)

	if async, _ := strconv.ParseBool(c.QueryParam("async")); async {
		if h.queue == nil {
			return echo.NewHTTPError(http.StatusNotImplemented, "async execution is not configured")
		}
		taskID, done, err := h.svc.QueuePhase(c.Request().Context(), actor, id, phase, h.queue)
		if err != nil {
			return httpError(err)
		}
		if done != nil {
			return c.JSON(http.StatusOK, done)
		}
		return c.JSON(http.StatusAccepted, map[string]string{
			"run_id":  id.String(),
			"phase":   string(phase),
			"status":  "queued",
			"task_id": taskID,
		})
	}

	res, err := h.svc.RunPhase(c.Request().Context(), actor, id, phase)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// GetTask reports a queued phase task. The run must be visible to the caller.
func (h *Handler) GetTask(c echo.Context) error {
	tracker, ok := h.queue.(TaskTracker)
	if !ok {
		return echo.NewHTTPError(http.StatusNotImplemented, "async execution is not configured")
	}
	id, err := runID(c)
	if err != nil {
		return err
	}
	if _, err := h.svc.GetRun(c.Request().Context(), actorFrom(c), id); err != nil {
		return httpError(err)
	}
	status, err := tracker.TaskStatus(c.Request().Context(), c.Param("task"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"run_id":  id.String(),
		"task_id": c.Param("task"),
		"status":  status,
	})
}

func (h *Handler) PauseRun(c echo.Context) error {
	return h.lifecycle(c, h.svc.PauseRun)
}

func (h *Handler) ResumeRun(c echo.Context) error {
	return h.lifecycle(c, h.svc.ResumeRun)
}

func (h *Handler) CompleteRun(c echo.Context) error {
	return h.lifecycle(c, h.svc.CompleteRun)
}

func (h *Handler) lifecycle(c echo.Context, op func(ctx context.Context, actor Actor, id uuid.UUID) (*Run, error)) error {
	id, err := runID(c)
	if err != nil {
		return err
	}
	run, err := op(c.Request().Context(), actorFrom(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, run)
}

// -- Mappings --

func (h *Handler) ListMappings(c echo.Context) error {
	id, err := runID(c)
	if err != nil {
		return err
	}
	versions, err := h.svc.ListMappingVersions(c.Request().Context(), actorFrom(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, versions)
}

func (h *Handler) ReviseMapping(c echo.Context) error {
	id, err := runID(c)
	if err != nil {
		return err
	}
	var spec mapping.Spec
	if err := c.Bind(&spec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.ReviseMapping(c.Request().Context(), actorFrom(c), id, &spec)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) ApproveMapping(c echo.Context) error {
	id, err := runID(c)
	if err != nil {
		return err
	}
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil || version < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid version")
	}
	v, err := h.svc.ApproveMapping(c.Request().Context(), actorFrom(c), id, version)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

// -- Audit, failures and artifacts --

func (h *Handler) ListAuditEvents(c echo.Context) error {
	id, err := runID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAuditEvents(c.Request().Context(), actorFrom(c), id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListFailures(c echo.Context) error {
	id, err := runID(c)
	if err != nil {
		return err
	}
	var phase Phase
	if p := c.QueryParam("phase"); p != "" {
		if phase, err = ParsePhase(p); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown phase "+p)
		}
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListFailures(c.Request().Context(), actorFrom(c), id, phase, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListArtifacts(c echo.Context) error {
	id, err := runID(c)
	if err != nil {
		return err
	}
	phase, err := ParsePhase(c.Param("phase"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown phase "+c.Param("phase"))
	}
	keys, err := h.svc.ListArtifacts(c.Request().Context(), actorFrom(c), id, phase)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, keys)
}

func (h *Handler) GetArtifact(c echo.Context) error {
	id, err := runID(c)
	if err != nil {
		return err
	}
	phase, err := ParsePhase(c.Param("phase"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown phase "+c.Param("phase"))
	}
	payload, err := h.svc.GetArtifact(c.Request().Context(), actorFrom(c), id, phase, c.Param("key"))
	if err != nil {
		return httpError(err)
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, payload)
}

// -- Helpers --

func actorFrom(c echo.Context) Actor {
	ctx := c.Request().Context()
	return Actor{UserID: auth.UserIDFromContext(ctx), ClinicID: auth.ClinicIDFromContext(ctx)}
}

func runID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// httpError maps service errors onto HTTP statuses. Anything unrecognised is
// an internal error and its text is not echoed to the client.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrConsentRequired),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrUnknownPhase),
		errors.Is(err, mapping.ErrInvalidSpec),
		errors.Is(err, artifact.ErrInvalidKey):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrAccessDenied):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrRunNotFound),
		errors.Is(err, ErrMappingNotFound),
		errors.Is(err, artifact.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrPhaseInFlight),
		errors.Is(err, ErrRunPaused),
		errors.Is(err, ErrRunTerminal),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrPhaseOutOfOrder),
		errors.Is(err, ErrMappingNotApproved):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}
