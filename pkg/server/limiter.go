package server

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/parleychat/parley/pkg/chatlog"
)

// Gatekeeper enforces per-identity throttling: the peer-complaint ban and
// the message-rate limit. It is consulted before every chat-affecting
// command; a banned identity takes precedence over a rate-limited one.
type Gatekeeper struct {
	registry *Registry
	store    *chatlog.Store
	config   ServerConfig
	metrics  *Metrics
}

// NewGatekeeper creates a gatekeeper over the given registry and log.
func NewGatekeeper(registry *Registry, store *chatlog.Store, config ServerConfig) *Gatekeeper {
	return &Gatekeeper{
		registry: registry,
		store:    store,
		config:   config,
	}
}

// SetMetrics attaches metrics to the gatekeeper.
func (g *Gatekeeper) SetMetrics(metrics *Metrics) {
	g.metrics = metrics
}

// CheckAndMaybeBlock runs the ban/rate state machine for an identity and
// suspends the calling goroutine until the identity may act again. It
// reports whether a wait occurred; callers dispatch the pending command
// only on false. The whole check-wait-reset sequence holds the identity's
// operation lock, so concurrent checks for the same identity serialize and
// never see a half-reset state. A cancelled wait returns the context error
// with the ban/rate fields untouched.
func (g *Gatekeeper) CheckAndMaybeBlock(ctx context.Context, username string) (bool, error) {
	st, ok := g.registry.Lookup(username)
	if !ok {
		return false, fmt.Errorf("throttle check %q: %w", username, ErrUnknownIdentity)
	}

	st.op.Lock()
	defer st.op.Unlock()

	waited := false

	st.mu.Lock()
	banned, start := st.ban, st.startTimeout
	st.mu.Unlock()

	if banned {
		finish := start + float64(g.config.BanTime)
		if wait := finish - nowUnix(); wait > 0 {
			st.mu.Lock()
			st.finishTimeout = finish
			st.mu.Unlock()

			g.registry.NotifyUser(username, fmt.Sprintf("You are banned. Wait another %s", formatHMS(wait)))
			if g.metrics != nil {
				g.metrics.RecordThrottleWait("ban")
			}
			if err := sleepFor(ctx, wait); err != nil {
				return true, err
			}
			waited = true
		}

		// Unblocking resets ban state exactly once, even when the window
		// elapsed before the check ran.
		st.mu.Lock()
		st.ban = false
		st.startTimeout = 0
		st.finishTimeout = 0
		st.complaints = make(map[string]struct{})
		st.mu.Unlock()
	} else if st.CounterMessage() == g.config.LimitMessage {
		anchor, err := g.windowAnchor(username)
		if err != nil {
			return false, err
		}

		// The elapsed threshold uses LimitMessage, not LimitTime. This
		// matches the deployed behavior and is kept as-is.
		if wait := anchor + float64(g.config.LimitMessage) - nowUnix(); anchor != 0 && wait > 0 {
			g.registry.NotifyUser(username, fmt.Sprintf("You have reached the message limit. Wait another %s", formatHMS(wait)))
			if g.metrics != nil {
				g.metrics.RecordThrottleWait("rate")
			}
			if err := sleepFor(ctx, wait); err != nil {
				return true, err
			}
			waited = true
		}

		st.mu.Lock()
		st.counterMessage = 0
		st.mu.Unlock()
	}

	if waited {
		g.registry.NotifyUser(username, "You can write messages again")
		log.Printf("%s can write messages again", username)
	}
	return waited, nil
}

// windowAnchor scans the log newest-to-oldest for the identity's
// LimitMessage-th most recent message, skipping its own leave records.
// Returns 0 when the log holds fewer qualifying messages than the limit.
func (g *Gatekeeper) windowAnchor(username string) (float64, error) {
	records, err := g.store.ReadAll()
	if err != nil {
		return 0, fmt.Errorf("failed to scan log for rate window: %w", err)
	}

	count := 0
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Sender != username || strings.HasPrefix(rec.Text, cmdExit) {
			continue
		}
		count++
		if count == g.config.LimitMessage {
			return rec.Timestamp, nil
		}
	}
	return 0, nil
}

// AddComplaint files a complaint from reporter against target. Unknown
// targets produce an inline error to the reporter. A repeated complaint
// from the same reporter is ignored. The third distinct reporter triggers
// the ban, and the reporter's goroutine immediately drives the ban wait so
// the target's own pending operations observe the block.
func (g *Gatekeeper) AddComplaint(ctx context.Context, reporter, target string) error {
	tst, ok := g.registry.Lookup(target)
	if !ok {
		g.registry.NotifyUser(reporter, "Ban error: check username")
		return nil
	}

	tst.mu.Lock()
	if _, dup := tst.complaints[reporter]; dup {
		tst.mu.Unlock()
		return nil
	}
	tst.complaints[reporter] = struct{}{}
	count := len(tst.complaints)
	if count >= 3 {
		tst.ban = true
		tst.startTimeout = nowUnix()
	}
	tst.mu.Unlock()

	if g.metrics != nil {
		g.metrics.RecordComplaint()
	}

	if count < 3 {
		g.registry.NotifyUser(target, fmt.Sprintf("Someone complained about you. Total complaints: %d.", count))
		return nil
	}

	g.registry.NotifyUser(target, "You've been complained about for 3 time.")
	if g.metrics != nil {
		g.metrics.RecordBan()
	}

	_, err := g.CheckAndMaybeBlock(ctx, target)
	return err
}
