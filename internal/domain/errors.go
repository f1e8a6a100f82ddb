package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrBadRequest          = errors.New("bad request")
	ErrQuotaExceeded       = errors.New("quota exceeded")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrConflict            = errors.New("conflict")
)
