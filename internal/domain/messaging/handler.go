package messaging

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/careportal/careportal/internal/platform/auth"
	"github.com/careportal/careportal/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/notifications", h.ListNotifications)
	api.POST("/notifications/read", h.MarkRead)
	api.GET("/appointments/:id/messages", h.History)
	api.POST("/appointments/:id/messages", h.Send)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrMissingActorID), errors.Is(err, ErrMissingAppointment),
		errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrInvalidFile):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotParticipant):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}

func (h *Handler) ListNotifications(c echo.Context) error {
	a, _ := auth.ActorFrom(c)
	p := pagination.FromContext(c)
	items, err := h.svc.Backlog(c.Request().Context(), a.ID, a.Email, c.QueryParam("unread") == "true", p.Probe(), p.Offset)
	if err != nil {
		return httpError(err)
	}
	page, more := pagination.Trim(items, p)
	return c.JSON(http.StatusOK, pagination.NewResponse(page, p, more))
}

type markReadRequest struct {
	IDs []uuid.UUID `json:"ids"`
}

type markReadResponse struct {
	Updated int `json:"updated"`
}

// MarkRead marks the listed notifications read, or all of them when ids is
// empty.
func (h *Handler) MarkRead(c echo.Context) error {
	a, _ := auth.ActorFrom(c)
	var req markReadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	n, err := h.svc.MarkRead(c.Request().Context(), a.ID, req.IDs)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, markReadResponse{Updated: n})
}

func appointmentParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid appointment id")
	}
	return id, nil
}

func (h *Handler) History(c echo.Context) error {
	id, err := appointmentParam(c)
	if err != nil {
		return err
	}
	a, _ := auth.ActorFrom(c)
	p := pagination.FromContext(c)
	items, err := h.svc.History(c.Request().Context(), id, a.ID, p.Probe(), p.Offset)
	if err != nil {
		return httpError(err)
	}
	page, more := pagination.Trim(items, p)
	return c.JSON(http.StatusOK, pagination.NewResponse(page, p, more))
}

type sendRequest struct {
	ReceiverID string   `json:"receiverId"`
	Message    string   `json:"message"`
	File       *FileRef `json:"file"`
}

type sendResponse struct {
	Message   *ChatMessage `json:"message"`
	Delivered bool         `json:"delivered"`
}

// Send is the HTTP path for chat, used by clients without a live socket.
func (h *Handler) Send(c echo.Context) error {
	id, err := appointmentParam(c)
	if err != nil {
		return err
	}
	a, _ := auth.ActorFrom(c)
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	msg := &ChatMessage{
		AppointmentID: id,
		SenderID:      a.ID,
		RecipientID:   req.ReceiverID,
		Text:          req.Message,
		File:          req.File,
	}
	n, err := h.svc.RelayChatMessage(c.Request().Context(), msg)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, sendResponse{Message: msg, Delivered: n > 0})
}
