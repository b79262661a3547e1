package types

import "errors"

var (
	ErrUnknownNode        = errors.New("unknown node")
	ErrUnknownPod         = errors.New("unknown pod")
	ErrNoEligibleNode     = errors.New("no eligible node")
	ErrRuntimeUnavailable = errors.New("runtime unavailable")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrDuplicateName      = errors.New("duplicate name")
	ErrNodeTerminal       = errors.New("node is permanently failed")
)
