package engine

import "errors"

var (
	ErrUnknownAsset     = errors.New("engine: unknown asset")
	ErrUnknownIntent    = errors.New("engine: intent not found")
	ErrIntentExists     = errors.New("engine: intent already exists")
	ErrIntentState      = errors.New("engine: invalid intent state transition")
	ErrIntentExpired    = errors.New("engine: intent deadline passed")
	ErrZeroAmount       = errors.New("engine: amount must be positive")
	ErrSameParty        = errors.New("engine: trader and counterparty must differ")
	ErrNotParty         = errors.New("engine: caller is not a party to the intent")
	ErrCancelNotAllowed = errors.New("engine: cancellation requires deadline expiry or mutual signature")
	ErrNonCompliant     = errors.New("engine: compliance check failed")
)
