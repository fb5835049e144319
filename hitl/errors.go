package hitl

import "errors"

// Error kinds for the HITL Controller, per spec §7.
var (
	ErrExpired         = errors.New("hitl: approval request expired")
	ErrNotPending      = errors.New("hitl: request not found or already decided")
	ErrInvalidDecision = errors.New("hitl: decision must be approved or rejected")
)
