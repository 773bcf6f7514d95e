// Package server exposes the operational HTTP surface: health,
// fleet/queue status and Prometheus metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hrygo/codefleet/fleet"
	"github.com/hrygo/codefleet/internal/profile"
	"github.com/hrygo/codefleet/store"
)

type Server struct {
	echo     *echo.Echo
	profile  *profile.Profile
	store    *store.Store
	registry *fleet.Registry
}

func NewServer(instanceProfile *profile.Profile, s *store.Store, registry *fleet.Registry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	srv := &Server{
		echo:     e,
		profile:  instanceProfile,
		store:    s,
		registry: registry,
	}

	e.GET("/healthz", srv.healthz)
	e.GET("/api/status", srv.status)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return srv
}

func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.profile.Addr, s.profile.Port)
	slog.Info("server: listening", "addr", addr)
	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(ctx); err != nil {
		slog.Error("server: shutdown failed", "error", err)
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", Version: s.profile.Version})
}

type machineStatus struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	ActiveTasks int    `json:"active_tasks"`
	MaxTasks    int    `json:"max_tasks"`
	LastSeen    int64  `json:"last_seen"`
}

type taskStatus struct {
	ID        string `json:"id"`
	Project   string `json:"project"`
	Status    string `json:"status"`
	Machine   string `json:"machine,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

type statusResponse struct {
	Machines []machineStatus `json:"machines"`
	Tasks    []taskStatus    `json:"tasks"`
}

func (s *Server) status(c echo.Context) error {
	ctx := c.Request().Context()

	machines, err := s.registry.List(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list machines").SetInternal(err)
	}
	tasks, err := s.store.FindTasks(ctx, &store.FindTask{
		Statuses: []store.TaskStatus{
			store.TaskQueued, store.TaskClaimed, store.TaskRunning, store.TaskWaitingInput,
		},
		OrderDesc: true,
		Limit:     50,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list tasks").SetInternal(err)
	}

	resp := statusResponse{
		Machines: make([]machineStatus, 0, len(machines)),
		Tasks:    make([]taskStatus, 0, len(tasks)),
	}
	for _, m := range machines {
		resp.Machines = append(resp.Machines, machineStatus{
			ID:          m.ID,
			Name:        m.Name,
			Status:      string(m.Status),
			ActiveTasks: m.ActiveTasks,
			MaxTasks:    m.MaxConcurrent,
			LastSeen:    m.LastHeartbeat.Unix(),
		})
	}
	for _, task := range tasks {
		resp.Tasks = append(resp.Tasks, taskStatus{
			ID:        task.ShortID(),
			Project:   task.Project,
			Status:    string(task.Status),
			Machine:   task.AssignedMachine,
			CreatedAt: task.CreatedAt.Unix(),
		})
	}
	return c.JSON(http.StatusOK, resp)
}
