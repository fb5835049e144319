package verify

import "errors"

// Error kinds for the Verification Pipeline, per spec §7.
var (
	ErrVerificationStatic  = errors.New("verify: static screen rejected change set")
	ErrVerificationSandbox = errors.New("verify: sandbox trial failed")
	ErrVerificationGated   = errors.New("verify: change set gated, awaiting approval")
)
