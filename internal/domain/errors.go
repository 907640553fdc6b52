package domain

import "github.com/pkg/errors"

var (
	ErrValidation             = errors.New("validation failed")
	ErrPairingRequestFailed   = errors.New("pairing code request failed")
	ErrRegistrationIncomplete = errors.New("registration incomplete")
	ErrContactNotFound        = errors.New("contact not found on whatsapp")
	ErrInvalidTargetKind      = errors.New("target is not an individual user")
	ErrSubscribeFailed        = errors.New("presence subscription failed")
	ErrLogoutFailed           = errors.New("logout failed")
	ErrStoreUnavailable       = errors.New("store unavailable")
	ErrConflict               = errors.New("conflict")
	ErrNotFound               = errors.New("not found")
	ErrSessionInactive        = errors.New("session inactive")
)
