package entity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Error classes. Every error surfaced by the services unwraps to exactly one of these.
var (
	ErrValidation              = errors.New("validation error")
	ErrNotFound                = errors.New("not found")
	ErrConflict                = errors.New("conflict")
	ErrForbidden               = errors.New("forbidden")
	ErrUnauthorized            = errors.New("unauthorized")
	ErrOutOfStock              = errors.New("out of stock")
	ErrInsufficientReservation = errors.New("insufficient reservation")
	ErrInvalidTransition       = errors.New("invalid transition")
	ErrAmountMismatch          = errors.New("amount mismatch")
	ErrUpstreamUnavailable     = errors.New("upstream unavailable")
	ErrInternal                = errors.New("internal error")
)

// Error is a classified failure with a stable, client-facing code.
type Error struct {
	Kind    error
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Kind }

func (e *Error) ErrorCode() string { return e.Code }

// NewError builds a classified error.
func NewError(kind error, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validationf is shorthand for a validation error with the generic code.
func Validationf(format string, args ...any) *Error {
	return NewError(ErrValidation, "validation_error", format, args...)
}

// Upstreamf classifies a dependency failure after retries.
func Upstreamf(format string, args ...any) *Error {
	return NewError(ErrUpstreamUnavailable, "upstream_unavailable", format, args...)
}

var (
	ErrOrderNotFound          = &Error{Kind: ErrNotFound, Code: "order_not_found", Message: "order not found"}
	ErrProductNotFound        = &Error{Kind: ErrNotFound, Code: "product_not_found", Message: "product not found"}
	ErrPaymentNotFound        = &Error{Kind: ErrNotFound, Code: "payment_not_found", Message: "payment not found"}
	ErrInventoryNotFound      = &Error{Kind: ErrNotFound, Code: "inventory_not_found", Message: "inventory record not found"}
	ErrOrderAccessDenied      = &Error{Kind: ErrForbidden, Code: "order_access_denied", Message: "access denied to this order"}
	ErrRoleRequired           = &Error{Kind: ErrForbidden, Code: "role_required", Message: "insufficient role for this operation"}
	ErrMissingPrincipal       = &Error{Kind: ErrUnauthorized, Code: "unauthenticated", Message: "authentication required"}
	ErrInvalidCancel          = &Error{Kind: ErrConflict, Code: "invalid_cancel", Message: "order cannot be cancelled in its current status"}
	ErrOrderAlreadyPaid       = &Error{Kind: ErrConflict, Code: "order_already_paid", Message: "order is already paid"}
	ErrOrderCancelled         = &Error{Kind: ErrConflict, Code: "order_cancelled", Message: "order is cancelled"}
	ErrOrderNotPayable        = &Error{Kind: ErrConflict, Code: "order_not_payable", Message: "order cannot be paid in its current status"}
	ErrIdempotencyConflict    = &Error{Kind: ErrConflict, Code: "idempotency_key_conflict", Message: "idempotency key already used for another order"}
	ErrPaymentPending         = &Error{Kind: ErrConflict, Code: "payment_pending", Message: "an earlier payment for this order is still pending at the gateway"}
	ErrReservationMismatch    = &Error{Kind: ErrConflict, Code: "reservation_mismatch", Message: "quantity does not match the order's reservation"}
	ErrReservationRevoked     = &Error{Kind: ErrConflict, Code: "reservation_revoked", Message: "reservation was revoked by a stock adjustment"}
	ErrReservationClosed      = &Error{Kind: ErrConflict, Code: "reservation_closed", Message: "reservation is no longer active"}
	ErrNothingReserved        = &Error{Kind: ErrInsufficientReservation, Code: "insufficient_reservation", Message: "not enough reserved units to release"}
	ErrNegativeStock          = &Error{Kind: ErrValidation, Code: "negative_stock", Message: "adjustment would make stock negative"}
	ErrEmptyOrder             = &Error{Kind: ErrValidation, Code: "empty_order", Message: "order must contain at least one item"}
	ErrInvalidQuantity        = &Error{Kind: ErrValidation, Code: "invalid_quantity", Message: "quantity must be greater than zero"}
	ErrMissingIdempotencyKey  = &Error{Kind: ErrValidation, Code: "missing_idempotency_key", Message: "idempotency_key is required"}
	ErrInvalidID              = &Error{Kind: ErrValidation, Code: "invalid_id", Message: "invalid identifier"}
	ErrUnknownStatus          = &Error{Kind: ErrValidation, Code: "unknown_status", Message: "unknown order status"}
	ErrCatalogUnavailable     = &Error{Kind: ErrUpstreamUnavailable, Code: "catalog_unavailable", Message: "inventory service is unavailable"}
	ErrGatewayUnavailable     = &Error{Kind: ErrUpstreamUnavailable, Code: "payment_gateway_unavailable", Message: "payment gateway is unavailable"}
)

// InsufficientStockError reports a reservation that exceeded availability.
type InsufficientStockError struct {
	ProductID string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s (available: %d, requested: %d)", e.ProductID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrOutOfStock }

func (e *InsufficientStockError) ErrorCode() string { return "insufficient_stock" }

// InvalidTransitionError reports a status change the state machine forbids.
type InvalidTransitionError struct {
	From    OrderStatus
	To      OrderStatus
	Allowed []OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	allowed := make([]string, 0, len(e.Allowed))
	for _, s := range e.Allowed {
		allowed = append(allowed, string(s))
	}
	if len(allowed) == 0 {
		return fmt.Sprintf("cannot transition from %s to %s: %s is terminal", e.From, e.To, e.From)
	}
	return fmt.Sprintf("cannot transition from %s to %s, allowed: %s", e.From, e.To, strings.Join(allowed, ", "))
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

func (e *InvalidTransitionError) ErrorCode() string { return "invalid_transition" }

// AmountMismatchError reports a payment amount that differs from the order total.
type AmountMismatchError struct {
	Expected decimal.Decimal
	Got      decimal.Decimal
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("payment amount %s does not match order total %s", e.Got.StringFixed(2), e.Expected.StringFixed(2))
}

func (e *AmountMismatchError) Unwrap() error { return ErrAmountMismatch }

func (e *AmountMismatchError) ErrorCode() string { return "amount_mismatch" }

type coded interface {
	ErrorCode() string
}

// CodeOf returns the stable code carried by err, or "internal_error".
func CodeOf(err error) string {
	var c coded
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	}
	return "internal_error"
}

// IsDomain reports whether err belongs to the closed taxonomy, i.e. it is safe to show to a caller.
func IsDomain(err error) bool {
	for _, kind := range []error{
		ErrValidation, ErrNotFound, ErrConflict, ErrForbidden, ErrUnauthorized, ErrOutOfStock,
		ErrInsufficientReservation, ErrInvalidTransition, ErrAmountMismatch, ErrUpstreamUnavailable,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
