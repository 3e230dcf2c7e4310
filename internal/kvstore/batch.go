package kvstore

import (
	"fmt"
)

type opKind int

const (
	opUpdate opKind = iota
	opDelete
	opCas
)

type batchOp struct {
	kind        opKind
	key         string
	value       []byte
	expectedOld []byte
}

// Batch accumulates Update/Delete/Cas operations for atomic application via
// Store.CommitBatch. A batch that fails midway is rolled back in full; the
// returned error identifies the failing operation by its 0-based index.
type Batch struct {
	ops []batchOp
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Put queues an unconditional upsert.
func (b *Batch) Put(key string, value []byte) {
	b.ops = append(b.ops, batchOp{kind: opUpdate, key: key, value: value})
}

// Delete queues an unconditional delete.
func (b *Batch) Delete(key string) {
	b.ops = append(b.ops, batchOp{kind: opDelete, key: key})
}

// Cas queues a compare-and-swap; see Store.CompareAndSwap for semantics.
func (b *Batch) Cas(key string, expectedOld, newValue []byte) {
	b.ops = append(b.ops, batchOp{kind: opCas, key: key, value: newValue, expectedOld: expectedOld})
}

// Len reports the number of queued operations.
func (b *Batch) Len() int { return len(b.ops) }

// CommitBatch applies every queued operation inside a single SQL
// transaction. On the first failing operation, the whole transaction is
// rolled back and a *TransactionFailedError naming the failing index and
// operation kind is returned; nothing in the batch is persisted.
func (s *Store) CommitBatch(b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("kvstore: commit batch: begin: %w", err)
	}
	defer tx.Rollback()

	for i, op := range b.ops {
		var opErr error
		var opName string
		switch op.kind {
		case opUpdate:
			opName = "update"
			opErr = s.update(tx, op.key, op.value)
		case opDelete:
			opName = "delete"
			_, _, opErr = s.delete(tx, op.key)
		case opCas:
			opName = "cas"
			opErr = s.cas(tx, op.key, op.expectedOld, op.value)
		default:
			opName = "unknown"
			opErr = fmt.Errorf("kvstore: unknown batch op kind %d", op.kind)
		}
		if opErr != nil {
			return &TransactionFailedError{Index: i, Op: opName, Reason: opErr}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kvstore: commit batch: %w", err)
	}
	return nil
}
