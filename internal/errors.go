package roastguard

import "errors"

// Sentinel errors for the admission domain.
var (
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrUnknownReservation = errors.New("unknown reservation")
	ErrReservationSettled = errors.New("reservation already settled")
	ErrNothingPending     = errors.New("no pending reservation on counter")
	ErrInvalidPolicy      = errors.New("invalid quota policy")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not found")
	ErrBadRequest         = errors.New("bad request")
)
