package moderation

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/careportal/careportal/internal/platform/auth"
	"github.com/careportal/careportal/pkg/actor"
	"github.com/careportal/careportal/pkg/session"
)

type Handler struct {
	p      *Propagator
	routes session.Routes
}

func NewHandler(p *Propagator, routes session.Routes) *Handler {
	return &Handler{p: p, routes: routes}
}

// RegisterRoutes mounts the admin endpoints on api. The session endpoints
// go on open, a group that is not behind RejectBlocked so a blocked client
// can still learn why it was logged out.
func (h *Handler) RegisterRoutes(api, open *echo.Group) {
	admin := api.Group("/admin", auth.RequireRole(actor.RoleAdmin))
	admin.GET("/actors/blocked", h.ListBlocked)
	admin.GET("/actors/:id/block", h.GetBlock)
	admin.PUT("/actors/:id/block", h.SetBlock)

	open.GET("/session/check", h.SessionCheck)
	open.GET("/session/block-status", h.BlockStatus)
}

func httpError(err error) error {
	if errors.Is(err, ErrMissingActorID) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}

type blockRequest struct {
	Blocked *bool  `json:"blocked"`
	Reason  string `json:"reason"`
}

type blockResponse struct {
	StatusUpdate
	Changed bool `json:"changed"`
}

func (h *Handler) SetBlock(c echo.Context) error {
	var req blockRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Blocked == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "blocked is required")
	}
	a, _ := auth.ActorFrom(c)
	if c.Param("id") == a.ID && *req.Blocked {
		return echo.NewHTTPError(http.StatusBadRequest, "admins cannot block themselves")
	}
	changed, err := h.p.SetBlocked(c.Request().Context(), Change{
		ActorID: c.Param("id"),
		Blocked: *req.Blocked,
		Reason:  req.Reason,
		By:      a.ID,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, blockResponse{
		StatusUpdate: StatusUpdate{UserID: c.Param("id"), IsBlocked: *req.Blocked},
		Changed:      changed,
	})
}

func (h *Handler) GetBlock(c echo.Context) error {
	rec, err := h.p.Record(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ListBlocked(c echo.Context) error {
	ids, err := h.p.Blocked(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ids)
}

// BlockStatus reports the caller's own block status.
func (h *Handler) BlockStatus(c echo.Context) error {
	a, ok := auth.ActorFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	st, err := h.p.Status(c.Request().Context(), a.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

// SessionCheck evaluates the session guard for the caller on ?path=.
func (h *Handler) SessionCheck(c echo.Context) error {
	in := session.Input{Path: c.QueryParam("path")}
	if a, ok := auth.ActorFrom(c); ok {
		in.Actor = &a
		blocked, err := h.p.IsBlocked(c.Request().Context(), a.ID)
		if err != nil {
			return httpError(err)
		}
		in.Blocked = blocked
	}
	return c.JSON(http.StatusOK, h.routes.Evaluate(in))
}
