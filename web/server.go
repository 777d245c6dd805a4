// Package web serves the engine's HTTP surface: liveness and readiness
// probes plus the operator API over the admin facade.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/owenmpls/ma-toolkit-sandbox-sub002/admin"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/db/repository"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/model"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/runbook"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/version"
)

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck func(ctx context.Context) bool

// Server wraps the echo instance.
type Server struct {
	echo   *echo.Echo
	admin  *admin.Service
	checks map[string]ReadinessCheck
}

// New builds the server and its routes.
func New(adminSvc *admin.Service, checks map[string]ReadinessCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{echo: e, admin: adminSvc, checks: checks}

	e.GET("/healthz", s.handleHealthz)
	e.GET("/readyz", s.handleReadyz)

	api := e.Group("/v1/api")
	api.POST("/runbooks", s.handlePublishRunbook)
	api.GET("/runbooks", s.handleListRunbooks)
	api.GET("/runbooks/:name", s.handleGetRunbook)
	api.GET("/runbooks/:name/versions", s.handleListVersions)
	api.DELETE("/runbooks/:name/versions/:version", s.handleDeactivateVersion)
	api.GET("/runbooks/:name/automation", s.handleGetAutomation)
	api.PUT("/runbooks/:name/automation", s.handleSetAutomation)

	api.POST("/batches", s.handleCreateBatch)
	api.GET("/batches", s.handleListBatches)
	api.GET("/batches/:id", s.handleGetBatch)
	api.POST("/batches/:id/advance", s.handleAdvanceBatch)
	api.POST("/batches/:id/cancel", s.handleCancelBatch)
	api.GET("/batches/:id/members", s.handleListMembers)
	api.POST("/batches/:id/members", s.handleAddMember)
	api.DELETE("/members/:id", s.handleRemoveMember)

	return s
}

// Start listens on addr.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"build":  version.Get(),
	})
}

func (s *Server) handleReadyz(c echo.Context) error {
	status := map[string]string{}
	ready := true
	for name, check := range s.checks {
		if check(c.Request().Context()) {
			status[name] = "ready"
		} else {
			status[name] = "unavailable"
			ready = false
		}
	}
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

type publishRequest struct {
	Document        string `json:"document"`
	DataTableName   string `json:"data_table_name"`
	OverdueBehavior string `json:"overdue_behavior"`
	RerunInit       bool   `json:"rerun_init"`
}

func (s *Server) handlePublishRunbook(c echo.Context) error {
	var req publishRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rb, err := s.admin.PublishRunbook(c.Request().Context(), []byte(req.Document), admin.PublishOptions{
		DataTableName:   req.DataTableName,
		OverdueBehavior: model.OverdueBehavior(req.OverdueBehavior),
		RerunInit:       req.RerunInit,
	})
	if err != nil {
		var verr *runbook.ValidationError
		if asValidation(err, &verr) {
			return c.JSON(http.StatusUnprocessableEntity, map[string]string{
				"field":   verr.Field,
				"message": verr.Message,
			})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, rb)
}

func (s *Server) handleListRunbooks(c echo.Context) error {
	out, err := s.admin.ListActiveRunbooks(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetRunbook(c echo.Context) error {
	rb, err := s.admin.GetActiveRunbook(c.Request().Context(), c.Param("name"))
	if err != nil {
		return notFoundOr500(err)
	}
	return c.JSON(http.StatusOK, rb)
}

func (s *Server) handleListVersions(c echo.Context) error {
	out, err := s.admin.ListRunbookVersions(c.Request().Context(), c.Param("name"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleDeactivateVersion(c echo.Context) error {
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid version")
	}
	if err := s.admin.DeactivateRunbook(c.Request().Context(), c.Param("name"), version); err != nil {
		return notFoundOr500(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleGetAutomation(c echo.Context) error {
	enabled, err := s.admin.AutomationEnabled(c.Request().Context(), c.Param("name"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]bool{"enabled": enabled})
}

type automationRequest struct {
	Enabled bool   `json:"enabled"`
	Actor   string `json:"actor"`
}

func (s *Server) handleSetAutomation(c echo.Context) error {
	var req automationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.admin.SetAutomation(c.Request().Context(), c.Param("name"), req.Enabled, req.Actor); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

type createBatchMember struct {
	MemberKey string          `json:"member_key"`
	Data      json.RawMessage `json:"data"`
}

type createBatchRequest struct {
	RunbookName string              `json:"runbook_name"`
	CreatedBy   string              `json:"created_by"`
	Members     []createBatchMember `json:"members"`
}

func (s *Server) handleCreateBatch(c echo.Context) error {
	var req createBatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	members := make([]admin.MemberInput, 0, len(req.Members))
	for _, m := range req.Members {
		if m.MemberKey == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "member_key is required")
		}
		members = append(members, admin.MemberInput{Key: m.MemberKey, Data: m.Data})
	}
	batch, err := s.admin.CreateManualBatch(c.Request().Context(), req.RunbookName, req.CreatedBy, members)
	if err != nil {
		return adminError(err)
	}
	return c.JSON(http.StatusCreated, batch)
}

func (s *Server) handleListBatches(c echo.Context) error {
	f := repository.BatchFilter{
		RunbookName: c.QueryParam("runbook"),
		Status:      model.BatchStatus(c.QueryParam("status")),
	}
	if v := c.QueryParam("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := c.QueryParam("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}
	out, err := s.admin.ListBatches(c.Request().Context(), f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetBatch(c echo.Context) error {
	id, err := batchID(c)
	if err != nil {
		return err
	}
	batch, err := s.admin.GetBatch(c.Request().Context(), id)
	if err != nil {
		return notFoundOr500(err)
	}
	return c.JSON(http.StatusOK, batch)
}

type advanceRequest struct {
	StartTime time.Time `json:"start_time"`
}

func (s *Server) handleAdvanceBatch(c echo.Context) error {
	id, err := batchID(c)
	if err != nil {
		return err
	}
	var req advanceRequest
	if err := c.Bind(&req); err != nil || req.StartTime.IsZero() {
		return echo.NewHTTPError(http.StatusBadRequest, "start_time is required")
	}
	if err := s.admin.AdvanceBatch(c.Request().Context(), id, req.StartTime); err != nil {
		return adminError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleCancelBatch(c echo.Context) error {
	id, err := batchID(c)
	if err != nil {
		return err
	}
	if err := s.admin.CancelBatch(c.Request().Context(), id); err != nil {
		return adminError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListMembers(c echo.Context) error {
	id, err := batchID(c)
	if err != nil {
		return err
	}
	out, err := s.admin.ListMembers(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, out)
}

type addMemberRequest struct {
	MemberKey string          `json:"member_key"`
	Data      json.RawMessage `json:"data"`
}

func (s *Server) handleAddMember(c echo.Context) error {
	id, err := batchID(c)
	if err != nil {
		return err
	}
	var req addMemberRequest
	if err := c.Bind(&req); err != nil || req.MemberKey == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "member_key is required")
	}
	member, err := s.admin.AddMember(c.Request().Context(), id, req.MemberKey, req.Data)
	if err != nil {
		return adminError(err)
	}
	return c.JSON(http.StatusCreated, member)
}

func (s *Server) handleRemoveMember(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid member id")
	}
	if err := s.admin.RemoveMember(c.Request().Context(), id); err != nil {
		return notFoundOr500(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func batchID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid batch id")
	}
	return id, nil
}

func notFoundOr500(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func adminError(err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, admin.ErrNotManual), errors.Is(err, admin.ErrTerminal):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, repository.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, "already exists")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func asValidation(err error, target **runbook.ValidationError) bool {
	return errors.As(err, target)
}
