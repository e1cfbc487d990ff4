package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sony/gobreaker"

	"github.com/alanyoungcy/oraclex/internal/domain"
)

// RevertError is a transaction or call that the ledger executed and
// rejected. TxHash is zero when the revert surfaced during gas estimation.
type RevertError struct {
	Method string
	Reason string
	TxHash common.Hash
}

func (e *RevertError) Error() string {
	if e.TxHash != (common.Hash{}) {
		return fmt.Sprintf("ledger: %s reverted in %s: %s", e.Method, e.TxHash.Hex(), e.Reason)
	}
	return fmt.Sprintf("ledger: %s reverted: %s", e.Method, e.Reason)
}

// Unwrap lets errors.Is match domain.ErrReverted.
func (e *RevertError) Unwrap() error { return domain.ErrReverted }

// AlreadySettled reports whether the reason names a lost settlement race.
// Both words must appear.
func (e *RevertError) AlreadySettled() bool {
	r := strings.ToLower(e.Reason)
	return strings.Contains(r, "already") && strings.Contains(r, "settled")
}

// AsRevert returns the RevertError wrapped in err, if any.
func AsRevert(err error) (*RevertError, bool) {
	var re *RevertError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

const revertPrefix = "execution reverted"

// classify turns an RPC error into a RevertError or a transient ledger
// error. It never returns nil for a non-nil err.
func classify(method string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsRevert(err); ok {
		return err
	}
	if errors.Is(err, domain.ErrLedgerTransient) {
		return err
	}

	var de rpc.DataError
	if errors.As(err, &de) {
		if reason, ok := revertReason(de.ErrorData()); ok {
			return &RevertError{Method: method, Reason: reason}
		}
	}
	if msg := err.Error(); strings.Contains(msg, revertPrefix) {
		reason := msg[strings.Index(msg, revertPrefix)+len(revertPrefix):]
		reason = strings.TrimSpace(strings.TrimPrefix(reason, ":"))
		if reason == "" {
			reason = "no reason"
		}
		return &RevertError{Method: method, Reason: reason}
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("ledger: %s: %w: circuit open: %v", method, domain.ErrLedgerTransient, err)
	}
	return fmt.Errorf("ledger: %s: %w: %v", method, domain.ErrLedgerTransient, err)
}

func revertReason(data any) (string, bool) {
	s, ok := data.(string)
	if !ok || s == "" {
		return "", false
	}
	raw, err := hexutil.Decode(s)
	if err != nil {
		return "", false
	}
	if reason, err := abi.UnpackRevert(raw); err == nil {
		return reason, true
	}
	return "custom error " + s, true
}
