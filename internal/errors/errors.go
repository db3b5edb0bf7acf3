package errors

import "errors"

// Transport errors. ErrNetwork is transient and retried by the next pass.
var (
	ErrNetwork     = errors.New("network error")
	ErrTimeout     = errors.New("request timed out")
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)

// Local persistence errors.
var (
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrStore            = errors.New("store error")
)

// Record errors.
var (
	ErrValidation        = errors.New("invalid record")
	ErrConflict          = errors.New("conflicting record")
	ErrUnknownCollection = errors.New("unknown collection")
)

// Lifecycle errors.
var (
	ErrOffline = errors.New("offline")
	ErrClosed  = errors.New("orchestrator closed")
)
