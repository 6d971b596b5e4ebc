// Package api exposes the scheduling core over HTTP: workflow submission and
// control, pool and queue introspection, recent logs, metrics and health.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/meridian-ml/meridian/internal/ledger"
	"github.com/meridian-ml/meridian/internal/lifecycle"
	"github.com/meridian-ml/meridian/internal/scheduler"
	"github.com/meridian-ml/meridian/internal/wproto"
	"github.com/meridian-ml/meridian/pkg/logger"
	"github.com/meridian-ml/meridian/pkg/model"
)

// Server is the HTTP API server.
type Server struct {
	syslog *logrus.Entry
	echo   *echo.Echo

	lifecycle *lifecycle.Service
	ledger    *ledger.Ledger
	sched     *scheduler.Scheduler
	logs      *logger.LogBuffer
}

// New constructs the API server and registers its routes.
func New(
	svc *lifecycle.Service,
	l *ledger.Ledger,
	sched *scheduler.Scheduler,
	logs *logger.LogBuffer,
) *Server {
	s := &Server{
		syslog:    logrus.WithField("component", "api"),
		echo:      echo.New(),
		lifecycle: svc,
		ledger:    l,
		sched:     sched,
		logs:      logs,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())

	v1 := s.echo.Group("/api/v1")
	v1.POST("/workflows", s.submitWorkflow)
	v1.GET("/workflows", s.listWorkflows)
	v1.GET("/workflows/:id", s.getWorkflow)
	v1.POST("/workflows/:id/cancel", s.cancelWorkflow)
	v1.GET("/workflows/:id/history", s.getHistory)
	v1.POST("/tasks/restart", s.restartTask)
	v1.GET("/pools", s.getPools)
	v1.GET("/logs", s.getLogs)

	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/health", s.health)
	return s
}

// Run serves the API until the listener fails or Shutdown is called.
func (s *Server) Run(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	s.syslog.Infof("serving API at http://%s", addr)
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the API server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) submitWorkflow(c echo.Context) error {
	var spec model.WorkflowSpec
	if err := c.Bind(&spec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id, err := s.lifecycle.Submit(spec)
	if err != nil {
		return submissionError(err)
	}
	return c.JSON(http.StatusCreated, map[string]model.WorkflowID{"id": id})
}

func (s *Server) listWorkflows(c echo.Context) error {
	return c.JSON(http.StatusOK, s.lifecycle.Workflows())
}

func (s *Server) getWorkflow(c echo.Context) error {
	status, err := s.lifecycle.Status(model.WorkflowID(c.Param("id")))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) cancelWorkflow(c echo.Context) error {
	if err := s.lifecycle.Cancel(model.WorkflowID(c.Param("id"))); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) getHistory(c echo.Context) error {
	history, err := s.lifecycle.History(model.WorkflowID(c.Param("id")))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, history)
}

// restartTask takes the task ID in the body: qualified task IDs contain
// slashes and do not survive as path parameters.
func (s *Server) restartTask(c echo.Context) error {
	var req struct {
		ID model.TaskID `json:"id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.lifecycle.RestartTask(req.ID); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) getPools(c echo.Context) error {
	type poolView struct {
		ledger.PoolSnapshot
		Queued    int `json:"queued"`
		Scheduled int `json:"scheduled"`
	}
	stats := s.sched.Stats()
	out := make([]poolView, 0)
	for _, snap := range s.ledger.Snapshot() {
		view := poolView{PoolSnapshot: snap}
		if st, ok := stats[snap.ID]; ok {
			view.Queued = st.QueuedCount
			view.Scheduled = st.ScheduledCount
		}
		out = append(out, view)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getLogs(c echo.Context) error {
	count := -1
	if raw := c.QueryParam("count"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "count must be an integer")
		}
		count = parsed
	}
	return c.JSON(http.StatusOK, s.logs.Entries(count))
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func submissionError(err error) error {
	switch err.(type) {
	case wproto.StaticInfeasibleError, wproto.UnknownPoolError:
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}
