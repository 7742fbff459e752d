package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNotFound is returned when the requested record does not exist on the ledger.
	ErrNotFound = errors.New("ledger: record not found")
	// ErrNetwork wraps transport and node failures.
	ErrNetwork = errors.New("ledger: network error")
	// ErrSubscriptionLost is reported when an event watch's connection drops.
	ErrSubscriptionLost = errors.New("ledger: subscription lost")
)

// ReadError describes a failed gateway read. Err wraps ErrNotFound or ErrNetwork.
type ReadError struct {
	Op  string
	Key string
	Err error
}

func (e *ReadError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("ledger: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ledger: %s(%s): %v", e.Op, e.Key, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

func notFound(op, key string) error {
	return &ReadError{Op: op, Key: key, Err: ErrNotFound}
}

func networkError(op, key string, err error) error {
	return &ReadError{Op: op, Key: key, Err: fmt.Errorf("%w: %v", ErrNetwork, err)}
}

// MutationRejectedError is returned when a mutating action is rejected before
// or during settlement. Error returns the underlying reason verbatim.
type MutationRejectedError struct {
	Action string
	Reason string
	TxHash common.Hash
	Err    error
}

func (e *MutationRejectedError) Error() string { return e.Reason }

func (e *MutationRejectedError) Unwrap() error { return e.Err }

// Rejected wraps err as a MutationRejectedError for action. Errors that are
// already rejections are returned unchanged.
func Rejected(action string, err error) error {
	if err == nil {
		return nil
	}
	var rejected *MutationRejectedError
	if errors.As(err, &rejected) {
		return err
	}
	return &MutationRejectedError{Action: action, Reason: strings.TrimSpace(err.Error()), Err: err}
}

// IsMutationRejected reports whether err is a rejected mutating action.
func IsMutationRejected(err error) bool {
	var rejected *MutationRejectedError
	return errors.As(err, &rejected)
}
