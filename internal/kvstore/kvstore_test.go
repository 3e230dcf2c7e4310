package kvstore

import (
	"errors"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(&Config{DataDir: ":memory:"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, found, err := s.Get("nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatal("expected not found")
	}
}

func TestPutIfAbsent(t *testing.T) {
	s := newTestStore(t)
	if err := s.PutIfAbsent("k1", []byte("v1")); err != nil {
		t.Fatalf("PutIfAbsent: %v", err)
	}
	v, found, err := s.Get("k1")
	if err != nil || !found || string(v) != "v1" {
		t.Fatalf("Get after put: v=%q found=%v err=%v", v, found, err)
	}

	err = s.PutIfAbsent("k1", []byte("v2"))
	if !errors.Is(err, ErrKeyAlreadyExists) {
		t.Fatalf("expected ErrKeyAlreadyExists, got %v", err)
	}
	v, _, _ = s.Get("k1")
	if string(v) != "v1" {
		t.Fatalf("value should be unchanged, got %q", v)
	}
}

func TestUpdate(t *testing.T) {
	s := newTestStore(t)
	if err := s.Update("k1", []byte("v1")); err != nil {
		t.Fatalf("Update insert: %v", err)
	}
	if err := s.Update("k1", []byte("v2")); err != nil {
		t.Fatalf("Update overwrite: %v", err)
	}
	v, found, _ := s.Get("k1")
	if !found || string(v) != "v2" {
		t.Fatalf("expected v2, got %q found=%v", v, found)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	_, existed, err := s.Delete("missing")
	if err != nil || existed {
		t.Fatalf("delete missing: existed=%v err=%v", existed, err)
	}

	s.Update("k1", []byte("v1"))
	v, existed, err := s.Delete("k1")
	if err != nil || !existed || string(v) != "v1" {
		t.Fatalf("delete k1: v=%q existed=%v err=%v", v, existed, err)
	}
	_, found, _ := s.Get("k1")
	if found {
		t.Fatal("k1 should be gone")
	}
}

func TestCompareAndSwap(t *testing.T) {
	s := newTestStore(t)

	if err := s.CompareAndSwap("k1", nil, []byte("v1")); err != nil {
		t.Fatalf("cas insert: %v", err)
	}
	v, _, _ := s.Get("k1")
	if string(v) != "v1" {
		t.Fatalf("expected v1, got %q", v)
	}

	err := s.CompareAndSwap("k1", []byte("wrong"), []byte("v2"))
	if !errors.Is(err, ErrCasMismatch) {
		t.Fatalf("expected ErrCasMismatch, got %v", err)
	}

	if err := s.CompareAndSwap("k1", []byte("v1"), []byte("v2")); err != nil {
		t.Fatalf("cas update: %v", err)
	}
	v, _, _ = s.Get("k1")
	if string(v) != "v2" {
		t.Fatalf("expected v2, got %q", v)
	}

	if err := s.CompareAndSwap("k1", []byte("v2"), nil); err != nil {
		t.Fatalf("cas delete: %v", err)
	}
	_, found, _ := s.Get("k1")
	if found {
		t.Fatal("k1 should be deleted")
	}

	err = s.CompareAndSwap("k2", []byte("anything"), []byte("v"))
	if !errors.Is(err, ErrCasMismatch) {
		t.Fatalf("expected ErrCasMismatch for absent key with non-nil expected, got %v", err)
	}
}

func seedKeys(t *testing.T, s *Store, keys []string) {
	t.Helper()
	for _, k := range keys {
		if err := s.Update(k, []byte(k)); err != nil {
			t.Fatalf("seed %q: %v", k, err)
		}
	}
}

func TestQueryForward(t *testing.T) {
	s := newTestStore(t)
	seedKeys(t, s, []string{"a:1", "a:2", "a:3", "b:1"})

	entries, cursor, err := s.Query("a:", Forward, 10, "")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if cursor != "" {
		t.Fatalf("expected no cursor, got %q", cursor)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d: %v", len(entries), entries)
	}
	want := []string{"a:1", "a:2", "a:3"}
	for i, e := range entries {
		if e.Key != want[i] {
			t.Fatalf("entry %d: got %q want %q", i, e.Key, want[i])
		}
	}
}

func TestQueryForwardPaged(t *testing.T) {
	s := newTestStore(t)
	seedKeys(t, s, []string{"a:1", "a:2", "a:3"})

	entries, cursor, err := s.Query("a:", Forward, 2, "")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 2 || entries[0].Key != "a:1" || entries[1].Key != "a:2" {
		t.Fatalf("unexpected page 1: %v", entries)
	}
	if cursor != "a:3" {
		t.Fatalf("expected cursor a:3, got %q", cursor)
	}

	entries, cursor, err = s.Query("a:", Forward, 2, cursor)
	if err != nil {
		t.Fatalf("Query page 2: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "a:3" {
		t.Fatalf("unexpected page 2: %v", entries)
	}
	if cursor != "" {
		t.Fatalf("expected no cursor after exhaustion, got %q", cursor)
	}
}

func TestQueryReverse(t *testing.T) {
	s := newTestStore(t)
	seedKeys(t, s, []string{"a:1", "a:2", "a:3", "b:1"})

	entries, cursor, err := s.Query("a:", Reverse, 10, "")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if cursor != "" {
		t.Fatalf("expected no cursor, got %q", cursor)
	}
	want := []string{"a:3", "a:2", "a:1"}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d: %v", len(entries), entries)
	}
	for i, e := range entries {
		if e.Key != want[i] {
			t.Fatalf("entry %d: got %q want %q", i, e.Key, want[i])
		}
	}
}

func TestQueryEmptyPrefix(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Query("", Forward, 10, "")
	if !errors.Is(err, ErrEmptyPrefix) {
		t.Fatalf("expected ErrEmptyPrefix, got %v", err)
	}
}

func TestListKeys(t *testing.T) {
	s := newTestStore(t)
	seedKeys(t, s, []string{"a:1", "a:2", "b:1"})

	prefix := "a:"
	keys, err := s.ListKeys(&prefix)
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}

	all, err := s.ListKeys(nil)
	if err != nil {
		t.Fatalf("ListKeys(nil): %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 keys, got %v", all)
	}
}

func TestCommitBatchAtomicRollback(t *testing.T) {
	s := newTestStore(t)
	s.Update("k1", []byte("v1"))

	b := NewBatch()
	b.Put("k2", []byte("v2"))
	b.Cas("k1", []byte("wrong-expected"), []byte("v1-new"))

	err := s.CommitBatch(b)
	var txErr *TransactionFailedError
	if !errors.As(err, &txErr) {
		t.Fatalf("expected *TransactionFailedError, got %v", err)
	}
	if txErr.Index != 1 || txErr.Op != "cas" {
		t.Fatalf("unexpected failure details: %+v", txErr)
	}

	_, found, _ := s.Get("k2")
	if found {
		t.Fatal("batch should have rolled back k2 insert")
	}
	v, _, _ := s.Get("k1")
	if string(v) != "v1" {
		t.Fatalf("k1 should be unchanged, got %q", v)
	}
}

func TestCommitBatchSuccess(t *testing.T) {
	s := newTestStore(t)
	s.Update("k1", []byte("v1"))

	b := NewBatch()
	b.Put("k2", []byte("v2"))
	b.Cas("k1", []byte("v1"), []byte("v1-new"))
	b.Delete("k2")
	b.Put("k3", []byte("v3"))

	if err := s.CommitBatch(b); err != nil {
		t.Fatalf("CommitBatch: %v", err)
	}

	v, _, _ := s.Get("k1")
	if string(v) != "v1-new" {
		t.Fatalf("expected k1=v1-new, got %q", v)
	}
	_, found, _ := s.Get("k2")
	if found {
		t.Fatal("k2 should have been deleted within the batch")
	}
	v, _, _ = s.Get("k3")
	if string(v) != "v3" {
		t.Fatalf("expected k3=v3, got %q", v)
	}
}

func TestPartitionIsolatesKeys(t *testing.T) {
	s := newTestStore(t)
	p1 := s.Partition("sw:1:")
	p2 := s.Partition("sw:2:")

	if err := p1.Update("addr", []byte("p1-addr")); err != nil {
		t.Fatalf("p1.Update: %v", err)
	}
	if err := p2.Update("addr", []byte("p2-addr")); err != nil {
		t.Fatalf("p2.Update: %v", err)
	}

	v, found, err := p1.Get("addr")
	if err != nil || !found || string(v) != "p1-addr" {
		t.Fatalf("p1.Get: v=%q found=%v err=%v", v, found, err)
	}
	v, found, err = p2.Get("addr")
	if err != nil || !found || string(v) != "p2-addr" {
		t.Fatalf("p2.Get: v=%q found=%v err=%v", v, found, err)
	}

	// Raw store keys carry the partition prefix.
	rawKeys, err := s.ListKeys(nil)
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(rawKeys) != 2 {
		t.Fatalf("expected 2 raw keys, got %v", rawKeys)
	}
}

func TestPartitionQueryStripsPrefix(t *testing.T) {
	s := newTestStore(t)
	p := s.Partition("sw:1:")

	p.Update("utxo:1", []byte("a"))
	p.Update("utxo:2", []byte("b"))

	entries, cursor, err := p.Query("utxo:", Forward, 10, "")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if cursor != "" {
		t.Fatalf("expected no cursor, got %q", cursor)
	}
	if len(entries) != 2 || entries[0].Key != "utxo:1" || entries[1].Key != "utxo:2" {
		t.Fatalf("unexpected entries: %v", entries)
	}
}

func TestPartitionBatchCommit(t *testing.T) {
	s := newTestStore(t)
	p := s.Partition("sw:1:")

	pb := p.Batch()
	pb.Put("a", []byte("1"))
	pb.Put("b", []byte("2"))
	if err := pb.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	v, found, _ := p.Get("a")
	if !found || string(v) != "1" {
		t.Fatalf("expected a=1, got %q found=%v", v, found)
	}
}

func TestPrefixUpperBound(t *testing.T) {
	cases := []struct {
		prefix    string
		wantUpper string
		wantOK    bool
	}{
		{"a", "b", true},
		{"sw:1:", "sw:1;", true},
		{string([]byte{0xFF}), "", false},
		{string([]byte{0x01, 0xFF}), string([]byte{0x02}), true},
	}
	for _, c := range cases {
		upper, ok := prefixUpperBound(c.prefix)
		if ok != c.wantOK || upper != c.wantUpper {
			t.Errorf("prefixUpperBound(%q) = (%q, %v), want (%q, %v)", c.prefix, upper, ok, c.wantUpper, c.wantOK)
		}
	}
}
