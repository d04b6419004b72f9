// Package apperr defines the error taxonomy shared by the queue and wallet
// engines. Every rejection carries a stable machine-readable code and a
// human-readable message; handlers map the kind to an HTTP status.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Kind groups error codes by how a caller should react to them.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindEligibility Kind = "eligibility"
	KindTransient   Kind = "transient"
	KindInternal    Kind = "internal"
)

// Stable reason codes.
const (
	CodeValidation             = "VALIDATION_ERROR"
	CodeInvalidStatus          = "INVALID_STATUS"
	CodeInvalidTransition      = "INVALID_TRANSITION"
	CodeNotFound               = "NOT_FOUND"
	CodeNoActiveSchedule       = "NO_ACTIVE_SCHEDULE"
	CodeCapacityExceeded       = "CAPACITY_EXCEEDED"
	CodeInsufficientBalance    = "INSUFFICIENT_BALANCE"
	CodeAlreadyRefunded        = "ALREADY_REFUNDED"
	CodeNotRefundEligible      = "NOT_REFUND_ELIGIBLE"
	CodeArrivalAlreadyRecorded = "ARRIVAL_ALREADY_RECORDED"
	CodeDuplicateToken         = "DUPLICATE_TOKEN"
	CodeStorageUnavailable     = "STORAGE_UNAVAILABLE"
	CodeInternal               = "INTERNAL_ERROR"
)

// Error is a typed application error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on code so callers can compare against the sentinel values below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound               = &Error{Kind: KindNotFound, Code: CodeNotFound}
	ErrNoActiveSchedule       = &Error{Kind: KindEligibility, Code: CodeNoActiveSchedule}
	ErrCapacityExceeded       = &Error{Kind: KindEligibility, Code: CodeCapacityExceeded}
	ErrInsufficientBalance    = &Error{Kind: KindEligibility, Code: CodeInsufficientBalance}
	ErrAlreadyRefunded        = &Error{Kind: KindConflict, Code: CodeAlreadyRefunded}
	ErrNotRefundEligible      = &Error{Kind: KindEligibility, Code: CodeNotRefundEligible}
	ErrInvalidStatus          = &Error{Kind: KindValidation, Code: CodeInvalidStatus}
	ErrInvalidTransition      = &Error{Kind: KindConflict, Code: CodeInvalidTransition}
	ErrArrivalAlreadyRecorded = &Error{Kind: KindConflict, Code: CodeArrivalAlreadyRecorded}
	ErrDuplicateToken         = &Error{Kind: KindConflict, Code: CodeDuplicateToken}
)

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(resource string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: resource + " not found"}
}

// New builds an error with an explicit kind and code.
func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Transient wraps a storage error that may succeed on retry.
func Transient(err error) *Error {
	return &Error{Kind: KindTransient, Code: CodeStorageUnavailable, Message: "storage temporarily unavailable", Err: err}
}

// HTTPStatus maps an error to the status code handlers should return.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindEligibility:
		if e.Code == CodeInsufficientBalance {
			return http.StatusUnprocessableEntity
		}
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Response is the JSON body returned for every rejected request.
type Response struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToResponse converts any error into the wire envelope. Unknown errors are
// reported as internal without leaking their text.
func ToResponse(err error) Response {
	var e *Error
	if !errors.As(err, &e) {
		return Response{Error: string(KindInternal), Code: CodeInternal, Message: "internal server error"}
	}
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	return Response{Error: string(e.Kind), Code: e.Code, Message: msg}
}

// ToHTTP converts err into an echo error carrying the wire envelope, so the
// default echo error handler renders it as JSON with the mapped status.
func ToHTTP(err error) *echo.HTTPError {
	he := echo.NewHTTPError(HTTPStatus(err), ToResponse(err))
	he.Internal = err
	return he
}
