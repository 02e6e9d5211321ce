package lend

import "errors"

var (
	// ErrUninitialized is returned when an asset's market or interest
	// ladder has not been set up.
	ErrUninitialized = errors.New("asset not initialized")

	// ErrAlreadyInitialized is returned by one-time setup calls invoked
	// twice for the same asset.
	ErrAlreadyInitialized = errors.New("asset already initialized")

	// ErrUnauthorized is returned when the caller lacks the required role.
	ErrUnauthorized = errors.New("caller not authorized")

	// ErrInsufficientMargin rejects a trade that would leave a participant
	// below the initial margin requirement.
	ErrInsufficientMargin = errors.New("insufficient margin")

	// ErrNotLiquidatable rejects liquidation of a position whose margin
	// ratio is at or above the maintenance requirement at execution time.
	ErrNotLiquidatable = errors.New("position not liquidatable")

	// ErrInsufficientBalance guards withdrawal or repayment underflow.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrMalformedBatch rejects settlement input with mismatched or empty
	// parallel arrays.
	ErrMalformedBatch = errors.New("malformed trade batch")

	// ErrInvalidAmount rejects zero or negative amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrRateIndexOutOfRange is returned for reads past the rate ladder.
	ErrRateIndexOutOfRange = errors.New("rate index out of range")

	// ErrNoPrice is returned when the oracle has no price for an asset.
	ErrNoPrice = errors.New("no price for asset")
)
