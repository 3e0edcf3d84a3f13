package gateapi

import "errors"

// Error kinds shared across the core actors. Callers branch with errors.Is;
// the ingress layer maps them onto HTTP status codes.
var (
	ErrNotFound           = errors.New("not found")
	ErrNotRegistered      = errors.New("server not registered")
	ErrNoAvailableServers = errors.New("no available servers")
	ErrServerUnavailable  = errors.New("server unavailable")
	ErrAtCapacity         = errors.New("server at capacity")
	ErrIllegalTransition  = errors.New("illegal task transition")
	ErrValidation         = errors.New("validation failed")
)
