package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
)

// UserStats holds the moderation state for one identity. The state outlives
// connections: it is created on first login and kept for the process
// lifetime (or restored from a snapshot).
//
// Locking discipline: mu guards field access and is never held across a
// suspension point; op serializes whole logical operations (ban-check-and-
// wait, rate-check-and-wait) so a concurrent goroutine acting on the same
// identity cannot observe a half-applied transition.
type UserStats struct {
	mu sync.Mutex
	op sync.Mutex

	counterMessage int
	ban            bool
	startTimeout   float64 // unix seconds, 0 = unset
	finishTimeout  float64
	complaints     map[string]struct{}
	password       string
	writers        []*Conn // guarded by the owning Registry, not mu
}

// PasswordMatches compares the stored password verbatim. Plaintext by
// design; credential security is out of scope.
func (st *UserStats) PasswordMatches(password string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.password == password
}

// CounterMessage returns the messages sent in the current rate window.
func (st *UserStats) CounterMessage() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.counterMessage
}

// IncrementCounter bumps the rate-window message counter.
func (st *UserStats) IncrementCounter() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.counterMessage++
}

// ComplaintCount returns the number of distinct reporters on file.
func (st *UserStats) ComplaintCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.complaints)
}

// BanState returns the ban flag and the start/finish timeout stamps.
func (st *UserStats) BanState() (banned bool, start, finish float64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.ban, st.startTimeout, st.finishTimeout
}

// Registry is the in-memory session directory: identity -> moderation state,
// identity -> live connection handles, and the reverse handle -> identity
// map. All membership mutations go through the registry mutex so a handle
// is attached to exactly one identity at a time.
type Registry struct {
	mu           sync.RWMutex
	users        map[string]*UserStats
	conns        map[string]*Conn  // handle ID -> live connection
	byConn       map[string]string // handle ID -> identity
	snapshotPath string
	metrics      *Metrics
}

// NewRegistry creates an empty registry. snapshotPath is where the full
// user-stats map is persisted when the last live connection detaches.
func NewRegistry(snapshotPath string) *Registry {
	return &Registry{
		users:        make(map[string]*UserStats),
		conns:        make(map[string]*Conn),
		byConn:       make(map[string]string),
		snapshotPath: snapshotPath,
	}
}

// SetMetrics attaches metrics to the registry.
func (r *Registry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// Lookup returns the stats for an identity.
func (r *Registry) Lookup(username string) (*UserStats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.users[username]
	return st, ok
}

// CreateOrGet returns the stats for an identity, creating a fresh entry
// with the supplied password when the identity is new.
func (r *Registry) CreateOrGet(username, password string) (st *UserStats, isNew bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.users[username]
	if ok {
		return st, false
	}

	st = &UserStats{
		complaints: make(map[string]struct{}),
		password:   password,
	}
	r.users[username] = st

	if r.metrics != nil {
		r.metrics.RecordKnownUsers(len(r.users))
	}
	return st, true
}

// Attach registers a connection as a live writer for an identity.
func (r *Registry) Attach(username string, conn *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.users[username]
	if !ok {
		return fmt.Errorf("attach %q: %w", username, ErrUnknownIdentity)
	}
	if _, dup := r.byConn[conn.ID()]; dup {
		return fmt.Errorf("attach %q: handle already bound", username)
	}

	st.writers = append(st.writers, conn)
	r.conns[conn.ID()] = conn
	r.byConn[conn.ID()] = username

	if r.metrics != nil {
		r.metrics.RecordActiveConnections(len(r.conns))
	}
	return nil
}

// Detach removes a connection from its identity's writer set and from the
// reverse map. Unknown handles are a no-op (the handle never authenticated,
// or was already detached). When the last live connection anywhere goes
// away, the full state is snapshotted to durable storage.
func (r *Registry) Detach(conn *Conn) {
	r.mu.Lock()

	username, ok := r.byConn[conn.ID()]
	if !ok {
		r.mu.Unlock()
		return
	}

	delete(r.byConn, conn.ID())
	delete(r.conns, conn.ID())

	st := r.users[username]
	for i, w := range st.writers {
		if w.ID() == conn.ID() {
			st.writers = append(st.writers[:i], st.writers[i+1:]...)
			break
		}
	}

	remaining := len(r.conns)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordActiveConnections(remaining)
	}

	if remaining == 0 {
		if err := r.SaveSnapshot(); err != nil {
			log.Printf("Failed to write user-stats snapshot: %v", err)
		}
	}
}

// UsernameOf resolves a connection handle back to its identity.
func (r *Registry) UsernameOf(conn *Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	username, ok := r.byConn[conn.ID()]
	return username, ok
}

// LiveConnections returns a snapshot of the identity's live writers.
func (r *Registry) LiveConnections(username string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.users[username]
	if !ok {
		return nil
	}
	out := make([]*Conn, len(st.writers))
	copy(out, st.writers)
	return out
}

// AllConnections returns a snapshot of every live connection.
func (r *Registry) AllConnections() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// IsSoleConnection reports whether the identity has exactly one live
// writer. Used to decide whether a departure is announced versus a silent
// device drop.
func (r *Registry) IsSoleConnection(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.users[username]
	return ok && len(st.writers) == 1
}

// UserCount returns the number of known identities (online or not).
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// ConnectionCount returns the number of live connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// NotifyUser writes text to every live connection of an identity. Write
// failures are per-connection and do not stop the fan-out.
func (r *Registry) NotifyUser(username, text string) {
	for _, c := range r.LiveConnections(username) {
		if err := c.WriteString(text); err != nil {
			debugLog.Printf("conn %s: notify failed: %v", c.ID(), err)
		}
	}
}

// CloseAll closes every live connection and clears the membership maps.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.conns {
		c.Close()
	}
	for _, st := range r.users {
		st.writers = nil
	}
	r.conns = make(map[string]*Conn)
	r.byConn = make(map[string]string)
}

// persistedStats is the on-disk snapshot form of UserStats. Field names
// match the historical snapshot format; live writers are never persisted.
type persistedStats struct {
	CounterMessage int      `json:"counter_message"`
	Ban            bool     `json:"ban"`
	Complaints     []string `json:"complains"`
	StartTimeout   *float64 `json:"start_timeout"`
	FinishTimeout  *float64 `json:"finish_timeout"`
	Password       string   `json:"password"`
}

// SaveSnapshot writes the full user-stats map to the snapshot file.
func (r *Registry) SaveSnapshot() error {
	r.mu.RLock()
	out := make(map[string]persistedStats, len(r.users))
	for username, st := range r.users {
		st.mu.Lock()
		p := persistedStats{
			CounterMessage: st.counterMessage,
			Ban:            st.ban,
			Complaints:     make([]string, 0, len(st.complaints)),
			Password:       st.password,
		}
		for reporter := range st.complaints {
			p.Complaints = append(p.Complaints, reporter)
		}
		if st.startTimeout != 0 {
			v := st.startTimeout
			p.StartTimeout = &v
		}
		if st.finishTimeout != 0 {
			v := st.finishTimeout
			p.FinishTimeout = &v
		}
		st.mu.Unlock()
		out[username] = p
	}
	r.mu.RUnlock()

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := os.WriteFile(r.snapshotPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// RestoreSnapshot loads user stats from path. A missing or empty file is
// not an error; the registry just starts cold.
func (r *Registry) RestoreSnapshot(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) || (err == nil && info.Size() == 0) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat snapshot: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	var in map[string]persistedStats
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("failed to parse snapshot: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for username, p := range in {
		st := &UserStats{
			counterMessage: p.CounterMessage,
			ban:            p.Ban,
			complaints:     make(map[string]struct{}, len(p.Complaints)),
			password:       p.Password,
		}
		for _, reporter := range p.Complaints {
			st.complaints[reporter] = struct{}{}
		}
		if p.StartTimeout != nil {
			st.startTimeout = *p.StartTimeout
		}
		if p.FinishTimeout != nil {
			st.finishTimeout = *p.FinishTimeout
		}
		r.users[username] = st
	}

	if r.metrics != nil {
		r.metrics.RecordKnownUsers(len(r.users))
	}
	return nil
}
