package scheduling

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/scheduler/internal/platform/auth"
	"github.com/ehr/scheduler/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Any authenticated party; ownership is checked per appointment.
	shared := api.Group("", auth.RequireRole(string(RolePatient), string(RoleDoctor)))
	shared.GET("/doctors/:doctorId/availability", h.GetAvailability)
	shared.GET("/doctors/:doctorId/schedule", h.GetSchedule)
	shared.GET("/appointments", h.ListAppointments)
	shared.GET("/appointments/:id", h.GetAppointment)
	shared.PATCH("/appointments/:id/reschedule", h.Reschedule)
	shared.PATCH("/appointments/:id/status", h.UpdateStatus)

	// Doctors manage their own schedule; admins pass every role check.
	doctors := api.Group("", auth.RequireRole(string(RoleDoctor)))
	doctors.POST("/doctors/:doctorId/schedule", h.CreateDefaultSchedule)
	doctors.PUT("/doctors/:doctorId/schedule", h.UpsertSchedule)
	doctors.PATCH("/doctors/:doctorId/schedule/:day", h.ToggleDay)
	doctors.PATCH("/appointments/:id/notes", h.UpdateNotes)

	patients := api.Group("", auth.RequireRole(string(RolePatient)))
	patients.POST("/appointments", h.CreateAppointment)
}

// -- Envelopes --

type dataResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

type availabilityResponse struct {
	Success        bool            `json:"success"`
	Date           Date            `json:"date"`
	AvailableSlots []EffectiveSlot `json:"availableSlots"`
}

// ErrorResponse is the body of every rejected request.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func success(data any) dataResponse { return dataResponse{Success: true, Data: data} }

// toHTTPError maps a scheduling error to its status and error body.
func toHTTPError(err error) *echo.HTTPError {
	e := AsError(err)
	he := echo.NewHTTPError(e.Kind.HTTPStatus(), ErrorResponse{Code: e.Code, Message: e.Message})
	return he.SetInternal(err)
}

// bindError surfaces time, day and date parse errors raised while decoding the body.
func bindError(err error) *echo.HTTPError {
	var e *Error
	if errors.As(err, &e) {
		return toHTTPError(e)
	}
	return toHTTPError(validationError("malformed request body"))
}

// requester builds the caller from the identity set by the auth middleware.
// The strongest role wins.
func requester(c echo.Context) (Requester, error) {
	ctx := c.Request().Context()
	var role Role
	for _, r := range auth.RolesFromContext(ctx) {
		switch Role(r) {
		case RoleAdmin:
			role = RoleAdmin
		case RoleDoctor:
			if role != RoleAdmin {
				role = RoleDoctor
			}
		case RolePatient:
			if role == "" {
				role = RolePatient
			}
		}
	}
	if role == "" {
		return Requester{}, ErrForbidden
	}
	uid, err := uuid.Parse(auth.UserIDFromContext(ctx))
	if err != nil && role != RoleAdmin {
		return Requester{}, ErrForbidden.WithMessage("token subject is not a user id")
	}
	return Requester{UserID: uid, Role: role}, nil
}

func uuidParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, validationError("invalid %s", name)
	}
	return id, nil
}

// -- Availability & schedule handlers --

func (h *Handler) GetAvailability(c echo.Context) error {
	doctorID, err := uuidParam(c, "doctorId")
	if err != nil {
		return toHTTPError(err)
	}
	date, err := ParseDate(c.QueryParam("date"))
	if err != nil {
		return toHTTPError(err)
	}
	slots, err := h.svc.GetAvailableSlots(c.Request().Context(), doctorID, date)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, availabilityResponse{Success: true, Date: date, AvailableSlots: slots})
}

func (h *Handler) GetSchedule(c echo.Context) error {
	doctorID, err := uuidParam(c, "doctorId")
	if err != nil {
		return toHTTPError(err)
	}
	tmpl, err := h.svc.GetTemplate(c.Request().Context(), doctorID)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, success(tmpl))
}

func (h *Handler) CreateDefaultSchedule(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return toHTTPError(err)
	}
	doctorID, err := uuidParam(c, "doctorId")
	if err != nil {
		return toHTTPError(err)
	}
	tmpl, created, err := h.svc.CreateDefaultTemplate(c.Request().Context(), doctorID, req)
	if err != nil {
		return toHTTPError(err)
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, success(tmpl))
}

func (h *Handler) UpsertSchedule(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return toHTTPError(err)
	}
	doctorID, err := uuidParam(c, "doctorId")
	if err != nil {
		return toHTTPError(err)
	}
	var in TemplateInput
	if err := c.Bind(&in); err != nil {
		return bindError(err)
	}
	tmpl, err := h.svc.UpsertTemplate(c.Request().Context(), doctorID, in, req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, success(tmpl))
}

func (h *Handler) ToggleDay(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return toHTTPError(err)
	}
	doctorID, err := uuidParam(c, "doctorId")
	if err != nil {
		return toHTTPError(err)
	}
	day, err := ParseDay(c.Param("day"))
	if err != nil {
		return toHTTPError(err)
	}
	var in DayToggle
	if err := c.Bind(&in); err != nil {
		return bindError(err)
	}
	ds, err := h.svc.ToggleDay(c.Request().Context(), doctorID, day, in, req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, success(ds))
}

// -- Appointment handlers --

func (h *Handler) CreateAppointment(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return toHTTPError(err)
	}
	var in BookingRequest
	if err := c.Bind(&in); err != nil {
		return bindError(err)
	}
	appt, err := h.svc.CreateBooking(c.Request().Context(), in, req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, success(appt))
}

func (h *Handler) GetAppointment(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return toHTTPError(err)
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return toHTTPError(err)
	}
	appt, err := h.svc.GetAppointment(c.Request().Context(), id, req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, success(appt))
}

func (h *Handler) ListAppointments(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return toHTTPError(err)
	}
	f, err := filterFromQuery(c)
	if err != nil {
		return toHTTPError(err)
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAppointments(c.Request().Context(), f, pg.Limit, pg.Offset, req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithNext(c.Request().URL))
}

func filterFromQuery(c echo.Context) (AppointmentFilter, error) {
	var f AppointmentFilter
	if v := c.QueryParam("doctorId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, validationError("invalid doctorId")
		}
		f.DoctorID = &id
	}
	if v := c.QueryParam("patientId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, validationError("invalid patientId")
		}
		f.PatientID = &id
	}
	if v := c.QueryParam("status"); v != "" {
		st, err := ParseStatus(v)
		if err != nil {
			return f, err
		}
		f.Status = &st
	}
	if v := c.QueryParam("from"); v != "" {
		d, err := ParseDate(v)
		if err != nil {
			return f, err
		}
		f.From = &d
	}
	if v := c.QueryParam("to"); v != "" {
		d, err := ParseDate(v)
		if err != nil {
			return f, err
		}
		f.To = &d
	}
	return f, nil
}

func (h *Handler) Reschedule(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return toHTTPError(err)
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return toHTTPError(err)
	}
	var in RescheduleRequest
	if err := c.Bind(&in); err != nil {
		return bindError(err)
	}
	appt, err := h.svc.Reschedule(c.Request().Context(), id, in, req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, success(appt))
}

type statusRequest struct {
	Status Status `json:"status"`
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return toHTTPError(err)
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return toHTTPError(err)
	}
	var in statusRequest
	if err := c.Bind(&in); err != nil {
		return bindError(err)
	}
	appt, err := h.svc.UpdateStatus(c.Request().Context(), id, in.Status, req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, success(appt))
}

type notesRequest struct {
	Notes string `json:"notes"`
}

func (h *Handler) UpdateNotes(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return toHTTPError(err)
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return toHTTPError(err)
	}
	var in notesRequest
	if err := c.Bind(&in); err != nil {
		return bindError(err)
	}
	appt, err := h.svc.UpdateNotes(c.Request().Context(), id, in.Notes, req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, success(appt))
}
