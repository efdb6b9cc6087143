package cache

import (
	"context"
	"errors"
	"testing"

	"perpkeeper/gateway"
	"perpkeeper/solana"
)

type fakeFetcher struct {
	calls   int
	handler func(keys []solana.PublicKey) ([]*gateway.AccountInfo, uint64, error)
}

func (f *fakeFetcher) GetMultipleAccounts(ctx context.Context, keys []solana.PublicKey) ([]*gateway.AccountInfo, uint64, error) {
	f.calls++
	return f.handler(keys)
}

func testKey(b byte) solana.PublicKey {
	var pk solana.PublicKey
	pk[0] = b
	return pk
}

func TestUpdateSlotGuard(t *testing.T) {
	s := New(&fakeFetcher{}, Config{})
	key := testKey(1).String()

	if !s.Update(key, []byte{1}, 10) {
		t.Fatal("first update rejected")
	}
	if s.Update(key, []byte{2}, 9) {
		t.Fatal("older slot overwrote newer snapshot")
	}
	snap, ok := s.Get(key)
	if !ok || snap.Slot != 10 || snap.Data[0] != 1 {
		t.Fatalf("snapshot = %+v, want slot 10 data [1]", snap)
	}

	// same slot refreshes in place
	if !s.Update(key, []byte{3}, 10) {
		t.Fatal("same-slot update rejected")
	}
	snap, _ = s.Get(key)
	if snap.Data[0] != 3 {
		t.Fatalf("same-slot update not applied: %+v", snap)
	}
}

func TestProbeMarksCorrupt(t *testing.T) {
	s := New(&fakeFetcher{}, Config{})
	key := testKey(2)
	s.Track(key, func(data []byte) error {
		if len(data) < 4 {
			return errors.New("truncated")
		}
		return nil
	})

	s.Update(key.String(), []byte{1, 2}, 5)
	snap, ok := s.Get(key.String())
	if !ok || !snap.Corrupt || snap.Reason != "truncated" {
		t.Fatalf("snapshot = %+v, want corrupt with reason", snap)
	}

	// a healthy image at a newer slot clears the mark
	s.Update(key.String(), []byte{1, 2, 3, 4}, 6)
	snap, _ = s.Get(key.String())
	if snap.Corrupt {
		t.Fatalf("snapshot still corrupt after valid update: %+v", snap)
	}
}

func TestInvalidateRevokesFreshness(t *testing.T) {
	s := New(&fakeFetcher{}, Config{})
	key := testKey(3).String()
	s.Update(key, []byte{1}, 20)

	if _, ok := s.SnapshotAge(key); !ok {
		t.Fatal("expected age for fresh snapshot")
	}

	s.Invalidate()
	if _, ok := s.SnapshotAge(key); ok {
		t.Fatal("invalidated snapshot still reports an age")
	}
	snap, ok := s.Get(key)
	if !ok || snap.Slot != 20 {
		t.Fatalf("invalidate dropped data: %+v", snap)
	}

	// a refetch at the same slot restores freshness
	if !s.Update(key, []byte{1}, 20) {
		t.Fatal("same-slot update rejected after invalidate")
	}
	if _, ok := s.SnapshotAge(key); !ok {
		t.Fatal("expected age after refetch")
	}
}

func TestRefreshChunksAndMarksMissing(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.handler = func(keys []solana.PublicKey) ([]*gateway.AccountInfo, uint64, error) {
		infos := make([]*gateway.AccountInfo, len(keys))
		for i, k := range keys {
			if k == testKey(6) {
				continue // account missing
			}
			infos[i] = &gateway.AccountInfo{Data: []byte{k[0]}, Slot: 50}
		}
		return infos, 50, nil
	}

	s := New(fetcher, Config{FetchChunk: 2})
	for _, b := range []byte{4, 5, 6} {
		s.Track(testKey(b), nil)
	}

	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if fetcher.calls != 2 {
		t.Fatalf("fetcher calls = %d, want 2 chunks", fetcher.calls)
	}

	for _, b := range []byte{4, 5} {
		snap, ok := s.Get(testKey(b).String())
		if !ok || snap.Corrupt || snap.Slot != 50 {
			t.Fatalf("snapshot for %d = %+v", b, snap)
		}
	}
	snap, ok := s.Get(testKey(6).String())
	if !ok || !snap.Corrupt || snap.Reason != "account missing" {
		t.Fatalf("missing account snapshot = %+v, want corrupt", snap)
	}
}

func TestKeysPreserveRegistrationOrder(t *testing.T) {
	s := New(&fakeFetcher{}, Config{})
	for _, b := range []byte{9, 7, 8} {
		s.Track(testKey(b), nil)
	}
	s.Track(testKey(7), nil) // re-track must not duplicate

	keys := s.Keys()
	want := []string{testKey(9).String(), testKey(7).String(), testKey(8).String()}
	if len(keys) != 3 {
		t.Fatalf("keys = %v, want 3 entries", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys[%d] = %s, want %s", i, keys[i], want[i])
		}
	}
}
