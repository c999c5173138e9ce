package jobs

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/careportal/careportal/internal/platform/auth"
	"github.com/careportal/careportal/pkg/actor"
)

type Handler struct {
	s *Scheduler
}

func NewHandler(s *Scheduler) *Handler {
	return &Handler{s: s}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	admin := api.Group("/admin/jobs", auth.RequireRole(actor.RoleAdmin))
	admin.GET("", h.List)
	admin.POST("/:name/run", h.Run)
}

func (h *Handler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, h.s.Statuses())
}

// Run executes a job synchronously and reports its outcome. A failed run is
// still a 200; the error is in the returned status.
func (h *Handler) Run(c echo.Context) error {
	name := c.Param("name")
	err := h.s.RunNow(c.Request().Context(), name)
	if errors.Is(err, ErrUnknownJob) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	for _, st := range h.s.Statuses() {
		if st.Name == name {
			return c.JSON(http.StatusOK, st)
		}
	}
	return echo.NewHTTPError(http.StatusNotFound, ErrUnknownJob.Error())
}
