package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrContextDone   = errors.New("context cancelled")
	ErrLockHeld      = errors.New("lock already held")

	// Rule lifecycle.
	ErrInvalidRule       = errors.New("invalid rule")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRuleExecuting     = errors.New("rule is executing")

	// Invoice lifecycle.
	ErrInvalidInvoice  = errors.New("invalid invoice")
	ErrInvoiceNotPaid  = errors.New("invoice is not paid")
	ErrAlreadySwept    = errors.New("invoice already swept")
	ErrNoTreasury      = errors.New("no treasury address configured for chain")
	ErrReserveTooLarge = errors.New("reserve exceeds expected amount")
	ErrAddressInUse    = errors.New("payment address has an open invoice")

	// Dispatch and normalization.
	ErrUnsupportedChain     = errors.New("unsupported chain")
	ErrUnmappedOperation    = errors.New("no mapping for chain operation")
	ErrMalformedResponse    = errors.New("malformed gateway response")
	ErrMissingIdempotency   = errors.New("write operation requires an idempotency key")
	ErrOperationInFlight    = errors.New("operation with this idempotency key is in flight")
	ErrInvalidAddress       = errors.New("invalid address")
	ErrGatewayNotConfigured = errors.New("gateway not configured")

	// Scheduler.
	ErrSchedulerRunning = errors.New("scheduler already running")
	ErrSchedulerStopped = errors.New("scheduler not running")
	ErrCycleInProgress  = errors.New("cycle already in progress")
)
