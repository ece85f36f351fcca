package scheduling

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Kind groups error codes by how a caller should react to them.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindConflict
	KindNotFound
	KindForbidden
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindTransient:
		return "transient"
	}
	return "unknown"
}

// HTTPStatus is the response status used for errors of this kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

const (
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeInvalidTime         = "INVALID_TIME"
	CodeInvalidDay          = "INVALID_DAY"
	CodeInvalidDate         = "INVALID_DATE"
	CodeSlotNotFound        = "SLOT_NOT_FOUND"
	CodeSlotFull            = "SLOT_FULL"
	CodeDoctorUnavailable   = "DOCTOR_UNAVAILABLE"
	CodeDuplicateBooking    = "DUPLICATE_BOOKING"
	CodeBookingConflict     = "BOOKING_CONFLICT"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeDoctorNotFound      = "DOCTOR_NOT_FOUND"
	CodeTemplateNotFound    = "TEMPLATE_NOT_FOUND"
	CodeAppointmentNotFound = "APPOINTMENT_NOT_FOUND"
	CodeForbidden           = "FORBIDDEN"
	CodeStoreUnavailable    = "STORE_UNAVAILABLE"
)

// Error is the error type returned by every scheduling operation.
// Two errors match under errors.Is when their codes are equal.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error

	// retryable marks lock contention that the service may absorb with one retry.
	retryable bool
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithMessage returns a copy of e carrying a more specific message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	c := *e
	c.Message = fmt.Sprintf(format, args...)
	return &c
}

var (
	ErrSlotNotFound        = newError(KindConflict, CodeSlotNotFound, "requested time is not a slot of the doctor's schedule")
	ErrSlotFull            = newError(KindConflict, CodeSlotFull, "slot is fully booked")
	ErrDoctorUnavailable   = newError(KindConflict, CodeDoctorUnavailable, "doctor is not available on this date")
	ErrDuplicateBooking    = newError(KindConflict, CodeDuplicateBooking, "patient already holds this slot")
	ErrBookingConflict     = newError(KindConflict, CodeBookingConflict, "concurrent update, please retry")
	ErrInvalidTransition   = newError(KindConflict, CodeInvalidTransition, "status transition not allowed")
	ErrDoctorNotFound      = newError(KindNotFound, CodeDoctorNotFound, "doctor not found")
	ErrTemplateNotFound    = newError(KindNotFound, CodeTemplateNotFound, "schedule not found for doctor")
	ErrAppointmentNotFound = newError(KindNotFound, CodeAppointmentNotFound, "appointment not found")
	ErrForbidden           = newError(KindForbidden, CodeForbidden, "not allowed to act on this resource")
	ErrStoreUnavailable    = newError(KindTransient, CodeStoreUnavailable, "scheduling store unavailable")
)

func validationError(format string, args ...any) *Error {
	return newError(KindValidation, CodeValidationFailed, fmt.Sprintf(format, args...))
}

// AsError extracts the scheduling error from err. Unknown errors are
// reported as transient store failures.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindTransient, Code: CodeStoreUnavailable, Message: ErrStoreUnavailable.Message, Err: err}
}

func isRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.retryable
}

// classifyStoreError converts driver and context errors into scheduling errors.
func classifyStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTransient, Code: CodeStoreUnavailable, Message: op + " timed out", Err: err}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return &Error{Kind: KindConflict, Code: CodeBookingConflict, Message: ErrBookingConflict.Message, Err: err, retryable: true}
		case "23505":
			return &Error{Kind: KindConflict, Code: CodeDuplicateBooking, Message: ErrDuplicateBooking.Message, Err: err}
		}
	}
	return &Error{Kind: KindTransient, Code: CodeStoreUnavailable, Message: op + " failed", Err: err}
}
