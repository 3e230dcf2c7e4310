package kvstore

import "strings"

// Partition is a logical view over the store bound to a fixed key prefix.
// Every key passed in or out is transparently prefixed/unprefixed, giving a
// sub-wallet its own isolated key-space without a second physical store.
type Partition struct {
	store  *Store
	prefix string
}

// Partition returns a view of the store scoped to the given prefix. The
// prefix should end in a delimiter (e.g. ":") so sibling partitions cannot
// collide on a shared numeric suffix.
func (s *Store) Partition(prefix string) *Partition {
	return &Partition{store: s, prefix: prefix}
}

func (p *Partition) full(key string) string { return p.prefix + key }

func (p *Partition) Get(key string) ([]byte, bool, error) {
	return p.store.Get(p.full(key))
}

func (p *Partition) PutIfAbsent(key string, value []byte) error {
	return p.store.PutIfAbsent(p.full(key), value)
}

func (p *Partition) Update(key string, value []byte) error {
	return p.store.Update(p.full(key), value)
}

func (p *Partition) Delete(key string) ([]byte, bool, error) {
	return p.store.Delete(p.full(key))
}

func (p *Partition) CompareAndSwap(key string, expectedOld, newValue []byte) error {
	return p.store.CompareAndSwap(p.full(key), expectedOld, newValue)
}

// Query scans keys under this partition sharing localPrefix (relative to
// the partition's own prefix); returned entries have the partition prefix
// stripped back off.
func (p *Partition) Query(localPrefix string, direction Direction, limit int, startAfter string) ([]Entry, string, error) {
	var fullStartAfter string
	if startAfter != "" {
		fullStartAfter = p.full(startAfter)
	}
	entries, cursor, err := p.store.Query(p.full(localPrefix), direction, limit, fullStartAfter)
	if err != nil {
		return nil, "", err
	}
	for i := range entries {
		entries[i].Key = strings.TrimPrefix(entries[i].Key, p.prefix)
	}
	if cursor != "" {
		cursor = strings.TrimPrefix(cursor, p.prefix)
	}
	return entries, cursor, nil
}

func (p *Partition) ListKeys(localPrefix *string) ([]string, error) {
	var full *string
	if localPrefix != nil {
		joined := p.full(*localPrefix)
		full = &joined
	} else {
		joined := p.prefix
		full = &joined
	}
	keys, err := p.store.ListKeys(full)
	if err != nil {
		return nil, err
	}
	for i := range keys {
		keys[i] = strings.TrimPrefix(keys[i], p.prefix)
	}
	return keys, nil
}

// Batch returns a batch whose Put/Delete/Cas calls automatically apply this
// partition's prefix. Commit it with the owning Store's CommitBatch.
func (p *Partition) Batch() *PartitionBatch {
	return &PartitionBatch{partition: p, batch: NewBatch()}
}

// PartitionBatch is a Batch scoped to a Partition's key prefix.
type PartitionBatch struct {
	partition *Partition
	batch     *Batch
}

func (pb *PartitionBatch) Put(key string, value []byte) {
	pb.batch.Put(pb.partition.full(key), value)
}

func (pb *PartitionBatch) Delete(key string) {
	pb.batch.Delete(pb.partition.full(key))
}

func (pb *PartitionBatch) Cas(key string, expectedOld, newValue []byte) {
	pb.batch.Cas(pb.partition.full(key), expectedOld, newValue)
}

func (pb *PartitionBatch) Len() int { return pb.batch.Len() }

// Commit applies the batch via the partition's owning store.
func (pb *PartitionBatch) Commit() error {
	return pb.partition.store.CommitBatch(pb.batch)
}
