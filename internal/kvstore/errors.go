package kvstore

import "errors"

// Sentinel and typed errors returned by Store and Partition operations.
var (
	// ErrKeyAlreadyExists is returned by PutIfAbsent when the key is present.
	ErrKeyAlreadyExists = errors.New("kvstore: key already exists")

	// ErrCasMismatch is returned by CompareAndSwap when the stored value
	// does not match the expected old value.
	ErrCasMismatch = errors.New("kvstore: compare-and-swap mismatch")

	// ErrEmptyPrefix is returned by Query/ListKeys when called with an
	// empty prefix - scans must be confined to a non-empty namespace.
	ErrEmptyPrefix = errors.New("kvstore: prefix must not be empty")
)

// SerdeFailureError wraps a serialization/deserialization failure for a
// specific key. Callers serialize values to bytes outside the store (JSON
// is the convention used throughout this module); the store itself never
// inspects value bytes.
type SerdeFailureError struct {
	Key    string
	Reason error
}

func (e *SerdeFailureError) Error() string {
	return "kvstore: serde failure for key " + e.Key + ": " + e.Reason.Error()
}

func (e *SerdeFailureError) Unwrap() error { return e.Reason }

// TransactionFailedError is returned by CommitBatch when one of the
// accumulated operations fails; Index identifies which operation (0-based,
// in submission order) caused the rollback.
type TransactionFailedError struct {
	Index  int
	Op     string
	Reason error
}

func (e *TransactionFailedError) Error() string {
	return "kvstore: batch transaction failed at op " + e.Op + ": " + e.Reason.Error()
}

func (e *TransactionFailedError) Unwrap() error { return e.Reason }
