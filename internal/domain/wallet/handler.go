package wallet

import (
	"net/http"

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
	api.GET("/wallets/:patient_id", h.GetWallet)
	api.GET("/wallets/:patient_id/transactions", h.ListTransactions)
	api.POST("/wallets/:patient_id/transactions", h.CreateTransaction)
	api.GET("/wallets/:patient_id/audit", h.Audit)

	api.POST("/schedules/:id/cancel", h.CancelSchedule)
	api.POST("/schedules/:id/partial-cancel", h.PartialCancel)
	api.POST("/appointments/:id/refund", h.RefundAppointment)
}

// -- Wallet Handlers --

func (h *Handler) GetWallet(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	w, err := h.svc.GetWallet(c.Request().Context(), patientID)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, w)
}

func (h *Handler) ListTransactions(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListTransactions(c.Request().Context(), patientID, pg)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

type transactionRequest struct {
	Amount      int64  `json:"amount"`
	Type        string `json:"transaction_type"`
	Description string `json:"description"`
}

// manualTypes are the entries staff may post directly. Payments and refunds
// only come from bookings and cancellations.
var manualTypes = map[TxType]bool{
	TxAdminCredit: true,
	TxAdminDebit:  true,
	TxTopUp:       true,
}

func (h *Handler) CreateTransaction(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	var req transactionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	typ, err := ParseTxType(req.Type)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if !manualTypes[typ] {
		return apperr.ToHTTP(apperr.Validation("transaction_type %q cannot be posted directly", typ))
	}

	t, w, err := h.svc.ProcessTransaction(c.Request().Context(), TransactionRequest{
		PatientID:   patientID,
		Amount:      req.Amount,
		Type:        typ,
		Description: req.Description,
		ActorID:     middleware.ActorFrom(c),
	})
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"transaction": t,
		"wallet":      w,
	})
}

func (h *Handler) Audit(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	report, err := h.svc.AuditWallet(c.Request().Context(), patientID)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, report)
}

// -- Refund Handlers --

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelSchedule(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	summary, err := h.svc.ProcessScheduleCancellationRefunds(c.Request().Context(), id, req.Reason, middleware.ActorFrom(c))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, summary)
}

type partialCancelRequest struct {
	Reason                  string      `json:"reason"`
	CompletedAppointmentIDs []uuid.UUID `json:"completed_appointment_ids"`
}

func (h *Handler) PartialCancel(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req partialCancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	summary, err := h.svc.ProcessPartialRefund(c.Request().Context(), id, req.CompletedAppointmentIDs, req.Reason, middleware.ActorFrom(c))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, summary)
}

type refundRequest struct {
	Amount *int64 `json:"amount"`
	Reason string `json:"reason"`
}

func (h *Handler) RefundAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req refundRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ref, err := h.svc.RefundAppointment(c.Request().Context(), RefundRequest{
		AppointmentID: id,
		Amount:        req.Amount,
		Reason:        req.Reason,
		ActorID:       middleware.ActorFrom(c),
	})
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, ref)
}
