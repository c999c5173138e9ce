package scheduling

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/careportal/careportal/internal/platform/auth"
	"github.com/careportal/careportal/pkg/actor"
	"github.com/careportal/careportal/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/providers", h.ListProviders)
	api.GET("/providers/:id/schedule", h.GetSchedule)
	api.GET("/providers/:id/availability", h.GetAvailability)
	api.POST("/providers/:id/slots", h.PublishSlots, auth.RequireRole(actor.RoleDoctor), auth.RequireSelfOrAdmin("id"))

	api.POST("/appointments", h.Book, auth.RequireRole(actor.RoleUser))
	api.GET("/appointments", h.ListAppointments)
	api.GET("/appointments/:id", h.GetAppointment)
	api.POST("/appointments/:id/cancel", h.Cancel)
	api.POST("/appointments/:id/complete", h.Complete, auth.RequireRole(actor.RoleDoctor))
}

// errorStatus maps scheduling errors to HTTP codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidTime), errors.Is(err, ErrInvalidDate),
		errors.Is(err, ErrMissingProviderID), errors.Is(err, ErrMissingPatientID),
		errors.Is(err, ErrNoTimes):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrAppointmentNotFound), errors.Is(err, ErrSlotNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateSlot), errors.Is(err, ErrNotCancellable), errors.Is(err, ErrSlotTaken):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func httpError(err error) error {
	code := errorStatus(err)
	if code == http.StatusInternalServerError {
		return echo.NewHTTPError(code, "internal server error").SetInternal(err)
	}
	return echo.NewHTTPError(code, err.Error())
}

func (h *Handler) ListProviders(c echo.Context) error {
	ids, err := h.svc.Providers(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	if ids == nil {
		ids = []string{}
	}
	return c.JSON(http.StatusOK, ids)
}

func (h *Handler) GetSchedule(c echo.Context) error {
	days, err := h.svc.GetSchedule(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, days)
}

func (h *Handler) GetAvailability(c echo.Context) error {
	days, err := h.svc.GetAvailability(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, days)
}

type publishRequest struct {
	Date  Date     `json:"date"`
	Times []string `json:"times"`
}

func (h *Handler) PublishSlots(c echo.Context) error {
	var req publishRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	slots, err := h.svc.PublishSlots(c.Request().Context(), c.Param("id"), req.Date, req.Times)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, slots)
}

// Book books for the calling patient. Admins may book on behalf of any
// patient by setting patient.id.
func (h *Handler) Book(c echo.Context) error {
	a, _ := auth.ActorFrom(c)

	var req BookingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !a.IsAdmin() || req.Patient.ID == "" {
		req.Patient.ID = a.ID
		if req.Patient.Email == "" {
			req.Patient.Email = a.Email
		}
		if req.Patient.Name == "" {
			req.Patient.Name = a.Name
		}
	}

	result, err := h.svc.Book(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	switch {
	case result.Success:
		return c.JSON(http.StatusCreated, result)
	case result.Reason == ReasonSlotNotFound:
		return c.JSON(http.StatusNotFound, result)
	default:
		return c.JSON(http.StatusConflict, result)
	}
}

func (h *Handler) ListAppointments(c echo.Context) error {
	a, _ := auth.ActorFrom(c)
	actorID := a.ID
	if a.IsAdmin() && c.QueryParam("actor_id") != "" {
		actorID = c.QueryParam("actor_id")
	}

	p := pagination.FromContext(c)
	items, err := h.svc.ListByActor(c.Request().Context(), actorID, Status(c.QueryParam("status")), p.Probe(), p.Offset)
	if err != nil {
		return httpError(err)
	}
	page, more := pagination.Trim(items, p)
	if page == nil {
		page = []*Appointment{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(page, p, more))
}

func (h *Handler) appointment(c echo.Context) (*Appointment, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid appointment id")
	}
	appt, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return nil, httpError(err)
	}
	a, _ := auth.ActorFrom(c)
	if !a.IsAdmin() && !appt.HasParty(a.ID) {
		// Appointments the caller is not a party to are reported as missing.
		return nil, echo.NewHTTPError(http.StatusNotFound, ErrAppointmentNotFound.Error())
	}
	return appt, nil
}

func (h *Handler) GetAppointment(c echo.Context) error {
	appt, err := h.appointment(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, appt)
}

type cancelResponse struct {
	Success     bool         `json:"success"`
	Appointment *Appointment `json:"appointment,omitempty"`
}

func (h *Handler) Cancel(c echo.Context) error {
	appt, err := h.appointment(c)
	if err != nil {
		return err
	}
	a, _ := auth.ActorFrom(c)
	cancelled, err := h.svc.Cancel(c.Request().Context(), appt.ID, a)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cancelResponse{Success: true, Appointment: cancelled})
}

func (h *Handler) Complete(c echo.Context) error {
	appt, err := h.appointment(c)
	if err != nil {
		return err
	}
	a, _ := auth.ActorFrom(c)
	if !a.IsAdmin() && a.ID != appt.ProviderID {
		return echo.NewHTTPError(http.StatusForbidden, ErrForbidden.Error())
	}
	done, err := h.svc.Complete(c.Request().Context(), appt.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, done)
}
