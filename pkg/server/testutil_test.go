package server

import (
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parleychat/parley/pkg/chatlog"
)

// testConfig returns a config with short windows suitable for tests.
func testConfig(t *testing.T) ServerConfig {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Port = 0
	cfg.HTTPPort = 0
	cfg.BackupFile = filepath.Join(dir, "backup.csv")
	cfg.SnapshotFile = filepath.Join(dir, "user-stats.json")
	cfg.RestoreFile = filepath.Join(dir, "user-stat.json")
	cfg.BackupLastMessage = 20
	cfg.LifetimeMessage = 3600
	cfg.LimitMessage = 20
	cfg.LimitTime = 3600
	cfg.BanTime = 3600
	return cfg
}

func newTestStore(t *testing.T, cfg ServerConfig) *chatlog.Store {
	t.Helper()
	store, err := chatlog.Open(cfg.BackupFile)
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	return store
}

// testPeer is the client end of an in-memory connection. A background
// goroutine drains everything the server writes so server-side writes
// never block, and tests assert on the accumulated output.
type testPeer struct {
	conn net.Conn

	mu   sync.Mutex
	buf  strings.Builder
	msgs []string
}

// newTestConn returns a server-side Conn backed by net.Pipe and the
// draining peer on the client end.
func newTestConn(t *testing.T) (*Conn, *testPeer) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	conn := newConn(serverSide)
	peer := &testPeer{conn: clientSide}
	go peer.readLoop()

	t.Cleanup(func() {
		conn.Close()
		clientSide.Close()
	})
	return conn, peer
}

func (p *testPeer) readLoop() {
	buf := make([]byte, maxChunk)
	for {
		n, err := p.conn.Read(buf)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.buf.Write(buf[:n])
		p.msgs = append(p.msgs, string(buf[:n]))
		p.mu.Unlock()
	}
}

// send writes one chunk to the server side.
func (p *testPeer) send(t *testing.T, text string) {
	t.Helper()
	if _, err := p.conn.Write([]byte(text)); err != nil {
		t.Fatalf("Failed to write %q: %v", text, err)
	}
}

// output returns everything received so far.
func (p *testPeer) output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.String()
}

// messages returns the received chunks so far.
func (p *testPeer) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.msgs))
	copy(out, p.msgs)
	return out
}

// waitFor blocks until substr shows up in the received output.
func (p *testPeer) waitFor(t *testing.T, substr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(p.output(), substr) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %q, got %q", substr, p.output())
}

// quiet asserts that substr never shows up within a short window.
func (p *testPeer) quiet(t *testing.T, substr string) {
	t.Helper()
	time.Sleep(50 * time.Millisecond)
	if strings.Contains(p.output(), substr) {
		t.Fatalf("Unexpected output %q in %q", substr, p.output())
	}
}

// mustJoin registers an identity and attaches a fresh connection for it.
func mustJoin(t *testing.T, r *Registry, username, password string) (*Conn, *testPeer) {
	t.Helper()
	conn, peer := newTestConn(t)
	r.CreateOrGet(username, password)
	if err := r.Attach(username, conn); err != nil {
		t.Fatalf("Failed to attach %s: %v", username, err)
	}
	return conn, peer
}

// setBanState overwrites an identity's ban timestamps, for tests that place
// the ban window in the past or near future.
func setBanState(st *UserStats, ban bool, start, finish float64) {
	st.mu.Lock()
	st.ban = ban
	st.startTimeout = start
	st.finishTimeout = finish
	st.mu.Unlock()
}

// setCounter overwrites an identity's rate counter.
func setCounter(st *UserStats, n int) {
	st.mu.Lock()
	st.counterMessage = n
	st.mu.Unlock()
}
