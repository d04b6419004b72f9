package queue

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicq/clinicq/internal/platform/apperr"
	"github.com/clinicq/clinicq/internal/platform/middleware"
	"github.com/clinicq/clinicq/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/schedules", h.CreateSchedule)
	api.GET("/schedules", h.ListSchedules)
	api.GET("/schedules/:id", h.GetSchedule)
	api.POST("/schedules/:id/arrival", h.DoctorArrived)
	api.POST("/schedules/:id/recalculate", h.Recalculate)

	api.POST("/bookings", h.Book)
	api.GET("/appointments/:id", h.GetAppointment)
	api.PUT("/appointments/:id/status", h.SetStatus)
	api.POST("/appointments/:id/no-show", h.MarkNoShow)
	api.GET("/appointments/:id/eta", h.GetETA)

	api.GET("/queue/progress", h.GetProgress)
}

// -- Schedule Handlers --

type createScheduleRequest struct {
	DoctorID                   uuid.UUID `json:"doctor_id"`
	ClinicID                   uuid.UUID `json:"clinic_id"`
	Date                       string    `json:"date"`
	StartTime                  string    `json:"start_time"`
	EndTime                    string    `json:"end_time"`
	MaxTokens                  *int      `json:"max_tokens"`
	AverageConsultationMinutes float64   `json:"average_consultation_minutes"`
}

func (h *Handler) CreateSchedule(c echo.Context) error {
	var req createScheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	date, err := parseDate(req.Date)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	start, err := parseClock(req.StartTime)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	end, err := parseClock(req.EndTime)
	if err != nil {
		return apperr.ToHTTP(err)
	}

	sched := &Schedule{
		DoctorID:                   req.DoctorID,
		ClinicID:                   req.ClinicID,
		Date:                       date,
		StartMinute:                start,
		EndMinute:                  end,
		MaxTokens:                  req.MaxTokens,
		AverageConsultationMinutes: req.AverageConsultationMinutes,
	}
	if actor := middleware.ActorFrom(c); actor != "" {
		sched.CreatedBy = &actor
	}
	if err := h.svc.CreateSchedule(c.Request().Context(), sched); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, sched)
}

func (h *Handler) GetSchedule(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	sched, err := h.svc.GetSchedule(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, sched)
}

func (h *Handler) ListSchedules(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f ScheduleFilter
	if v := c.QueryParam("doctor_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid doctor_id")
		}
		f.DoctorID = &id
	}
	if v := c.QueryParam("clinic_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid clinic_id")
		}
		f.ClinicID = &id
	}
	if v := c.QueryParam("date"); v != "" {
		d, err := parseDate(v)
		if err != nil {
			return apperr.ToHTTP(err)
		}
		f.Date = &d
	}
	if v := c.QueryParam("active"); v != "" {
		active := v == "true"
		f.Active = &active
	}

	items, total, err := h.svc.ListSchedules(c.Request().Context(), f, pg)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

type arrivalRequest struct {
	ArrivalTime *time.Time `json:"arrival_time"`
}

func (h *Handler) DoctorArrived(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req arrivalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var at time.Time
	if req.ArrivalTime != nil {
		at = *req.ArrivalTime
	}
	result, err := h.svc.OnDoctorArrival(c.Request().Context(), id, at)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) Recalculate(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	n, err := h.svc.RecalculateFromArrival(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"updated_appointments": n})
}

// -- Appointment Handlers --

type bookingRequest struct {
	PatientID       uuid.UUID `json:"patient_id"`
	DoctorID        uuid.UUID `json:"doctor_id"`
	ClinicID        uuid.UUID `json:"clinic_id"`
	Date            string    `json:"date"`
	ConsultationFee int64     `json:"consultation_fee"`
	PayFromWallet   bool      `json:"pay_from_wallet"`
	RefundEligible  *bool     `json:"refund_eligible"`
}

func (h *Handler) Book(c echo.Context) error {
	var req bookingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	date, err := parseDate(req.Date)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	appt, err := h.svc.Book(c.Request().Context(), BookingRequest{
		PatientID:       req.PatientID,
		DoctorID:        req.DoctorID,
		ClinicID:        req.ClinicID,
		Date:            date,
		ConsultationFee: req.ConsultationFee,
		PayFromWallet:   req.PayFromWallet,
		RefundEligible:  req.RefundEligible,
		ActorID:         middleware.ActorFrom(c),
	})
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, appt)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	appt, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, appt)
}

type statusRequest struct {
	Status string  `json:"status"`
	Notes  *string `json:"notes"`
	Reason string  `json:"reason"`
}

func (h *Handler) SetStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	appt, err := h.svc.SetStatus(c.Request().Context(), StatusChange{
		AppointmentID: id,
		Status:        req.Status,
		Notes:         req.Notes,
		Reason:        req.Reason,
		ActorID:       middleware.ActorFrom(c),
	})
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, appt)
}

type noShowRequest struct {
	Notes *string `json:"notes"`
}

func (h *Handler) MarkNoShow(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req noShowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	appt, err := h.svc.MarkNoShow(c.Request().Context(), id, middleware.ActorFrom(c), req.Notes)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) GetETA(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	eta, err := h.svc.AppointmentETA(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, eta)
}

func (h *Handler) GetProgress(c echo.Context) error {
	doctorID, err := uuid.Parse(c.QueryParam("doctor_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid doctor_id")
	}
	clinicID, err := uuid.Parse(c.QueryParam("clinic_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid clinic_id")
	}
	date, err := parseDate(c.QueryParam("date"))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	p, err := h.svc.TokenProgress(c.Request().Context(), doctorID, clinicID, date)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, p)
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, apperr.Validation("date is required")
	}
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, apperr.Validation("date must be YYYY-MM-DD, got %q", s)
	}
	return d, nil
}

// parseClock converts "HH:MM" into minutes after midnight. "24:00" closes a
// window at midnight.
func parseClock(s string) (int, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(s, "%d:%d", &hh, &mm); err != nil {
		return 0, apperr.Validation("time must be HH:MM, got %q", s)
	}
	if hh < 0 || hh > 24 || mm < 0 || mm > 59 || (hh == 24 && mm != 0) {
		return 0, apperr.Validation("time out of range: %q", s)
	}
	return hh*60 + mm, nil
}
