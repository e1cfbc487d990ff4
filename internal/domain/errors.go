package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error by what the caller should do about it.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindConflict        Kind = "conflict"
	KindNotFound        Kind = "not_found"
	KindPrecondition    Kind = "precondition"
	KindLedgerTransient Kind = "ledger_transient"
	KindLedgerPending   Kind = "ledger_pending"
	KindLedgerFatal     Kind = "ledger_fatal"
	KindInternal        Kind = "internal"
)

// Retryable reports whether repeating the same request may succeed.
func (k Kind) Retryable() bool {
	return k == KindLedgerTransient || k == KindLedgerPending
}

// kindError is a sentinel that carries its taxonomy class.
type kindError struct {
	kind Kind
	msg  string
}

func (e *kindError) Error() string { return e.msg }

func newKind(kind Kind, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

var (
	ErrNotFound          = newKind(KindNotFound, "not found")
	ErrValidation        = newKind(KindValidation, "validation failed")
	ErrUnauthorized      = newKind(KindValidation, "signature verification failed")
	ErrNothingToAllocate = newKind(KindValidation, "vault has no balance to allocate")

	ErrAlreadyExists    = newKind(KindConflict, "already exists")
	ErrAlreadyDeployed  = newKind(KindConflict, "market already deployed")
	ErrAlreadyScored    = newKind(KindConflict, "market already scored")
	ErrAlreadyAllocated = newKind(KindConflict, "market already allocated")
	ErrIdentityConflict = newKind(KindConflict, "on-chain identifier already bound to another market")
	ErrWriteOnce        = newKind(KindConflict, "write-once field already set")
	ErrVersionConflict  = newKind(KindConflict, "concurrent modification")
	ErrLockHeld         = newKind(KindConflict, "lock already held")

	ErrNotDeployed = newKind(KindPrecondition, "market not deployed")
	ErrNotScored   = newKind(KindPrecondition, "market not scored")
	ErrNeedsReview = newKind(KindPrecondition, "market requires operator review")
	ErrSettled     = newKind(KindPrecondition, "market already settled")
	ErrTxInFlight  = newKind(KindLedgerPending, "an earlier transaction for this market is still pending")

	ErrLedgerTransient = newKind(KindLedgerTransient, "ledger unavailable")
	ErrReceiptTimeout  = newKind(KindLedgerPending, "transaction submitted, receipt not yet observed")
	ErrTxDropped       = newKind(KindLedgerTransient, "transaction unknown to the ledger node")

	ErrLedgerFatal     = newKind(KindLedgerFatal, "ledger operation failed")
	ErrReverted        = newKind(KindLedgerFatal, "transaction reverted")
	ErrEventNotFound   = newKind(KindLedgerFatal, "expected event not found in receipt")
	ErrArtifactMissing = newKind(KindLedgerFatal, "contract artifact not configured")
)

// KindOf returns the taxonomy class of err, looking through wrapping. Errors
// that carry no class are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindInternal
}

func writeOnce(field string) error {
	return fmt.Errorf("%w: %s", ErrWriteOnce, field)
}
