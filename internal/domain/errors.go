package domain

import "errors"

var (
	ErrNotFound                 = errors.New("not found")
	ErrUnauthorizedCaller       = errors.New("unauthorized caller")
	ErrExpired                  = errors.New("option series expired")
	ErrNotExpired               = errors.New("option series not yet expired")
	ErrStalePrice               = errors.New("oracle price stale or invalid")
	ErrInsufficientBalance      = errors.New("insufficient balance")
	ErrWrongSettlementDirection = errors.New("wrong settlement direction")
	ErrNotLiquidatable          = errors.New("position not liquidatable")
	ErrUnknownEntity            = errors.New("unknown seat, asset, or position")
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrReentrantCall            = errors.New("reentrant call")
	ErrLockHeld                 = errors.New("lock already held")
)
