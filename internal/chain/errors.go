package chain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInsufficientBalance indicates the custody wallet cannot cover the
// requested transfer. Expected and handleable, not an invariant violation:
// the chain is a shared resource.
var ErrInsufficientBalance = errors.New("chain: insufficient custody balance")

// ErrReceiptNotFound indicates the transaction is not yet mined.
var ErrReceiptNotFound = errors.New("chain: transaction receipt not available")

// RevertError marks a transaction that was mined but reverted. Terminal,
// never retried.
type RevertError struct {
	Hash string
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("chain: transaction %s reverted on-chain", e.Hash)
}

// DuplicateSubmissionError marks a transaction the network already knows
// about. Resubmission risks duplicate transfers, so callers must treat the
// original hash as in flight.
type DuplicateSubmissionError struct {
	Hash string
}

func (e *DuplicateSubmissionError) Error() string {
	return fmt.Sprintf("chain: transaction %s already submitted", e.Hash)
}

// classifySubmissionError maps raw RPC submission failures onto structured
// kinds. String matching against node error text is confined to this one
// function.
func classifySubmissionError(hash string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"),
		strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "replacement transaction underpriced"):
		return &DuplicateSubmissionError{Hash: hash}
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
	default:
		return fmt.Errorf("chain: submit transaction: %w", err)
	}
}
