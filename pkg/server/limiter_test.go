package server

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestGatekeeper(t *testing.T, cfg ServerConfig) (*Gatekeeper, *Registry) {
	t.Helper()
	r := NewRegistry(filepath.Join(t.TempDir(), "snap.json"))
	store := newTestStore(t, cfg)
	return NewGatekeeper(r, store, cfg), r
}

func cancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func TestComplaintProgression(t *testing.T) {
	cfg := testConfig(t)
	g, r := newTestGatekeeper(t, cfg)

	_, alicePeer := mustJoin(t, r, "alice", "pw")
	_, bobPeer := mustJoin(t, r, "bob", "pw")
	r.CreateOrGet("carol", "pw")
	r.CreateOrGet("dave", "pw")

	ctx := context.Background()

	if err := g.AddComplaint(ctx, "bob", "alice"); err != nil {
		t.Fatalf("First complaint failed: %v", err)
	}
	alicePeer.waitFor(t, "Someone complained about you. Total complaints: 1.")

	if err := g.AddComplaint(ctx, "carol", "alice"); err != nil {
		t.Fatalf("Second complaint failed: %v", err)
	}
	alicePeer.waitFor(t, "Total complaints: 2.")

	st, _ := r.Lookup("alice")
	if banned, _, _ := st.BanState(); banned {
		t.Fatal("Two complaints must not ban")
	}

	// The third distinct reporter bans. The reporter's goroutine then
	// drives the ban wait; a cancelled context backs out of the wait
	// without touching the ban state.
	if err := g.AddComplaint(cancelledContext(), "dave", "alice"); err == nil {
		t.Fatal("Expected the cancelled ban wait to surface an error")
	}
	alicePeer.waitFor(t, "You've been complained about for 3 time.")
	alicePeer.waitFor(t, "You are banned. Wait another")

	banned, start, _ := st.BanState()
	if !banned {
		t.Error("Third complaint should set the ban flag")
	}
	if start == 0 {
		t.Error("Ban should record its start timestamp")
	}
	bobPeer.quiet(t, "complained")
}

func TestComplaintDuplicateReporterIgnored(t *testing.T) {
	cfg := testConfig(t)
	g, r := newTestGatekeeper(t, cfg)
	r.CreateOrGet("alice", "pw")
	r.CreateOrGet("bob", "pw")

	ctx := context.Background()
	if err := g.AddComplaint(ctx, "bob", "alice"); err != nil {
		t.Fatal(err)
	}
	if err := g.AddComplaint(ctx, "bob", "alice"); err != nil {
		t.Fatal(err)
	}

	st, _ := r.Lookup("alice")
	if got := st.ComplaintCount(); got != 1 {
		t.Errorf("ComplaintCount = %d, want 1 (same reporter counted once)", got)
	}
}

func TestComplaintUnknownTarget(t *testing.T) {
	cfg := testConfig(t)
	g, r := newTestGatekeeper(t, cfg)
	_, peer := mustJoin(t, r, "bob", "pw")

	if err := g.AddComplaint(context.Background(), "bob", "nobody"); err != nil {
		t.Fatalf("Unknown target should not error, got %v", err)
	}
	peer.waitFor(t, "Ban error: check username")
}

func TestBanWaitCancelKeepsState(t *testing.T) {
	cfg := testConfig(t)
	g, r := newTestGatekeeper(t, cfg)
	r.CreateOrGet("alice", "pw")
	st, _ := r.Lookup("alice")
	setBanState(st, true, nowUnix(), 0)

	waited, err := g.CheckAndMaybeBlock(cancelledContext(), "alice")
	if !waited || err == nil {
		t.Fatalf("Cancelled ban wait should report waited with an error, got %v, %v", waited, err)
	}

	banned, start, finish := st.BanState()
	if !banned || start == 0 {
		t.Error("Cancelled wait must leave the ban state untouched")
	}
	if finish == 0 {
		t.Error("Remaining-window check should have recorded the finish timestamp")
	}
}

func TestExpiredBanClearsWithoutWaiting(t *testing.T) {
	cfg := testConfig(t)
	g, r := newTestGatekeeper(t, cfg)
	r.CreateOrGet("alice", "pw")
	st, _ := r.Lookup("alice")
	st.mu.Lock()
	st.complaints["bob"] = struct{}{}
	st.complaints["carol"] = struct{}{}
	st.complaints["dave"] = struct{}{}
	st.mu.Unlock()
	setBanState(st, true, nowUnix()-float64(cfg.BanTime)-10, 0)

	start := time.Now()
	waited, err := g.CheckAndMaybeBlock(context.Background(), "alice")
	if err != nil {
		t.Fatalf("CheckAndMaybeBlock failed: %v", err)
	}
	if waited {
		t.Error("Expired ban should clear without a wait")
	}
	if time.Since(start) > time.Second {
		t.Error("Expired ban check should return promptly")
	}

	banned, s, f := st.BanState()
	if banned || s != 0 || f != 0 {
		t.Errorf("Ban state should be fully reset, got %v, %v, %v", banned, s, f)
	}
	if st.ComplaintCount() != 0 {
		t.Error("Unblocking should clear the complaint set")
	}
}

func TestBanWaitShortWindow(t *testing.T) {
	cfg := testConfig(t)
	g, r := newTestGatekeeper(t, cfg)
	_, peer := mustJoin(t, r, "alice", "pw")
	st, _ := r.Lookup("alice")
	// 200ms left on the ban window.
	setBanState(st, true, nowUnix()-float64(cfg.BanTime)+0.2, 0)

	waited, err := g.CheckAndMaybeBlock(context.Background(), "alice")
	if err != nil {
		t.Fatalf("CheckAndMaybeBlock failed: %v", err)
	}
	if !waited {
		t.Error("A live ban window should force a wait")
	}

	peer.waitFor(t, "You are banned. Wait another 00:00:00")
	peer.waitFor(t, "You can write messages again")
	if banned, _, _ := st.BanState(); banned {
		t.Error("Ban should be cleared after the wait")
	}
}

func TestRateLimitElapsedWindow(t *testing.T) {
	cfg := testConfig(t)
	cfg.LimitMessage = 3
	g, r := newTestGatekeeper(t, cfg)
	r.CreateOrGet("alice", "pw")
	st, _ := r.Lookup("alice")

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		if err := g.store.AppendAt(base.Add(time.Duration(i)*time.Second), "alice", "msg", ""); err != nil {
			t.Fatal(err)
		}
	}
	setCounter(st, 3)

	waited, err := g.CheckAndMaybeBlock(context.Background(), "alice")
	if err != nil {
		t.Fatalf("CheckAndMaybeBlock failed: %v", err)
	}
	if waited {
		t.Error("An already-elapsed rate window should not wait")
	}
	if got := st.CounterMessage(); got != 0 {
		t.Errorf("Counter should reset to 0, got %d", got)
	}
}

func TestRateLimitWaitsOutTheWindow(t *testing.T) {
	cfg := testConfig(t)
	cfg.LimitMessage = 3
	g, r := newTestGatekeeper(t, cfg)
	_, peer := mustJoin(t, r, "alice", "pw")
	st, _ := r.Lookup("alice")

	// The anchor is the 3rd most recent message; the window ends
	// LimitMessage seconds after it, so this leaves roughly 200ms.
	anchor := time.Now().Add(-2800 * time.Millisecond)
	for i := 0; i < 3; i++ {
		if err := g.store.AppendAt(anchor.Add(time.Duration(i)*time.Second), "alice", "msg", ""); err != nil {
			t.Fatal(err)
		}
	}
	setCounter(st, 3)

	waited, err := g.CheckAndMaybeBlock(context.Background(), "alice")
	if err != nil {
		t.Fatalf("CheckAndMaybeBlock failed: %v", err)
	}
	if !waited {
		t.Error("A live rate window should force a wait")
	}
	peer.waitFor(t, "You have reached the message limit. Wait another 00:00:00")
	peer.waitFor(t, "You can write messages again")
	if got := st.CounterMessage(); got != 0 {
		t.Errorf("Counter should reset to 0 after the wait, got %d", got)
	}
}

func TestRateLimitCancelKeepsCounter(t *testing.T) {
	cfg := testConfig(t)
	cfg.LimitMessage = 3
	g, r := newTestGatekeeper(t, cfg)
	r.CreateOrGet("alice", "pw")
	st, _ := r.Lookup("alice")

	now := time.Now()
	for i := 0; i < 3; i++ {
		if err := g.store.AppendAt(now, "alice", "msg", ""); err != nil {
			t.Fatal(err)
		}
	}
	setCounter(st, 3)

	waited, err := g.CheckAndMaybeBlock(cancelledContext(), "alice")
	if !waited || err == nil {
		t.Fatalf("Cancelled rate wait should report waited with an error, got %v, %v", waited, err)
	}
	if got := st.CounterMessage(); got != 3 {
		t.Errorf("Cancelled wait must leave the counter untouched, got %d", got)
	}
}

func TestWindowAnchorSkipsLeaveRecords(t *testing.T) {
	cfg := testConfig(t)
	cfg.LimitMessage = 2
	g, r := newTestGatekeeper(t, cfg)
	r.CreateOrGet("alice", "pw")

	base := time.Now().Add(-time.Minute)
	stamps := []struct {
		offset time.Duration
		sender string
		text   string
	}{
		{0, "alice", "first"},
		{time.Second, "bob", "from bob"},
		{2 * time.Second, "alice", "/exit alice wants to leave the chat"},
		{3 * time.Second, "alice", "second"},
		{4 * time.Second, "alice", "third"},
	}
	for _, s := range stamps {
		if err := g.store.AppendAt(base.Add(s.offset), s.sender, s.text, ""); err != nil {
			t.Fatal(err)
		}
	}

	// With a limit of 2, the anchor is alice's 2nd most recent message.
	// Bob's message and alice's leave record do not count, so the anchor
	// is "second" at base+3s.
	anchor, err := g.windowAnchor("alice")
	if err != nil {
		t.Fatalf("windowAnchor failed: %v", err)
	}
	want := float64(base.Add(3*time.Second).UnixNano()) / 1e9
	if diff := anchor - want; diff > 0.01 || diff < -0.01 {
		t.Errorf("Anchor = %v, want about %v", anchor, want)
	}
}

func TestWindowAnchorTooFewMessages(t *testing.T) {
	cfg := testConfig(t)
	cfg.LimitMessage = 5
	g, r := newTestGatekeeper(t, cfg)
	r.CreateOrGet("alice", "pw")

	if err := g.store.Append("alice", "only one", ""); err != nil {
		t.Fatal(err)
	}

	anchor, err := g.windowAnchor("alice")
	if err != nil {
		t.Fatalf("windowAnchor failed: %v", err)
	}
	if anchor != 0 {
		t.Errorf("Anchor with too few messages should be 0, got %v", anchor)
	}
}
