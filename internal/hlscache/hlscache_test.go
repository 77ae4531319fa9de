package hlscache

import "testing"

func TestPutGetRoundTrip(t *testing.T) {
	c := New()
	defer c.Close()
	c.Put("tok1", HlsEntry{TargetURL: "http://upstream/chunk1.ts", ProviderName: "p", VirtualID: 5})
	got, ok := c.Get("tok1")
	if !ok {
		t.Fatalf("expected hit")
	}
	if got.TargetURL != "http://upstream/chunk1.ts" || got.VirtualID != 5 {
		t.Fatalf("unexpected entry: %+v", got)
	}
}

func TestGetMissingReturnsFalse(t *testing.T) {
	c := New()
	defer c.Close()
	if _, ok := c.Get("nope"); ok {
		t.Fatalf("expected miss")
	}
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	c := New()
	defer c.Close()
	c.Put("tok1", HlsEntry{TargetURL: "http://x/1.ts"})
	// Force immediate expiry by back-dating the entry directly.
	c.mu.Lock()
	e := c.entries["tok1"]
	e.expiresAt = e.expiresAt.Add(-2 * EntryTTL)
	c.entries["tok1"] = e
	c.mu.Unlock()

	c.sweep()
	if _, ok := c.Get("tok1"); ok {
		t.Fatalf("expected expired entry to be gone after sweep")
	}
	if c.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after sweep", c.Len())
	}
}

func TestLenCountsLiveEntries(t *testing.T) {
	c := New()
	defer c.Close()
	c.Put("a", HlsEntry{})
	c.Put("b", HlsEntry{})
	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}
}
