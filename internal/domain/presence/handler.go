package presence

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/careportal/careportal/internal/platform/auth"
	"github.com/careportal/careportal/pkg/actor"
)

type Handler struct {
	reg *Registry
}

func NewHandler(reg *Registry) *Handler {
	return &Handler{reg: reg}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/presence/:id", h.Online)
	api.GET("/admin/presence", h.Stats, auth.RequireRole(actor.RoleAdmin))
}

type onlineResponse struct {
	ActorID string `json:"actorId"`
	Online  bool   `json:"online"`
}

// Online reports whether an actor has at least one live connection. The
// connection ids themselves stay server side.
func (h *Handler) Online(c echo.Context) error {
	id := c.Param("id")
	return c.JSON(http.StatusOK, onlineResponse{ActorID: id, Online: h.reg.IsOnline(id)})
}

func (h *Handler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.reg.Stats())
}
