package store

import (
	"path/filepath"
	"sync"
	"testing"
)

func TestStoreMapIsIdempotent(t *testing.T) {
	s, err := New("cachename", 4, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	key := "edge-07.example.com"
	first := s.Map(&key)
	second := s.Map(&key)
	if *first != *second {
		t.Fatalf("Map returned different tokens for the same key: %q vs %q", *first, *second)
	}
	want := "cachename-"
	if len(*first) != len(want)+4 || (*first)[:len(want)] != want {
		t.Fatalf("token = %q, want %q prefix and 4 hex nibbles", *first, want)
	}
}

func TestStoreMapNilKey(t *testing.T) {
	s, err := New("host", 8, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tok := s.Map(nil); tok != nil {
		t.Fatalf("Map(nil) = %v, want nil", tok)
	}
	if n := s.Len(); n != 0 {
		t.Fatalf("Len() = %d after nil-key Map, want 0", n)
	}
}

func TestStoreMapConcurrentFirstSight(t *testing.T) {
	s, err := New("uid", 12, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	key := "user-shared"

	const n = 64
	results := make([]string, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			results[i] = *s.Map(&key)
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Fatalf("concurrent Map for the same key minted different tokens: %q vs %q", results[0], results[i])
		}
	}
	if got := s.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "popname.csv")

	s, err := New("popname", 4, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	keys := []string{"lax3", "jfk2", "lhr5"}
	want := make(map[string]string, len(keys))
	for _, k := range keys {
		k := k
		tok := s.Map(&k)
		want[k] = *tok
	}
	if err := s.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := New("popname", 4, "")
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	if err := reloaded.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := reloaded.Len(); got != len(want) {
		t.Fatalf("Len() after Load = %d, want %d", got, len(want))
	}
	for k, tok := range want {
		k := k
		if got := reloaded.Map(&k); *got != tok {
			t.Errorf("key %q: got token %q after reload, want %q", k, *got, tok)
		}
	}
}

func TestStoreLoadMissingFileIsNotError(t *testing.T) {
	s, err := New("sid", 12, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Load(filepath.Join(t.TempDir(), "missing.csv")); err != nil {
		t.Fatalf("Load on missing file should be a no-op, got: %v", err)
	}
}

func TestStoreWALReplaySkipsRemintingOnLoad(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "assetnumber.wal")

	s, err := New("assetnumber", 8, walPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	key := "asset-9001"
	tok := *s.Map(&key)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	recovered, err := New("assetnumber", 8, "")
	if err != nil {
		t.Fatalf("New (recovered): %v", err)
	}
	if err := recovered.ReplayWAL(walPath); err != nil {
		t.Fatalf("ReplayWAL: %v", err)
	}
	if got := *recovered.Map(&key); got != tok {
		t.Fatalf("recovered token = %q, want %q (should not re-mint)", got, tok)
	}
}
