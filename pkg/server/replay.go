package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/parleychat/parley/pkg/chatlog"
)

// Replayer emits catch-up history to a connection that just authenticated.
// New identities get a capped window of recent public history; returning
// identities get everything they missed since their last departure.
type Replayer struct {
	registry *Registry
	store    *chatlog.Store
	config   ServerConfig
}

// NewReplayer creates a replayer over the given registry and log.
func NewReplayer(registry *Registry, store *chatlog.Store, config ServerConfig) *Replayer {
	return &Replayer{
		registry: registry,
		store:    store,
		config:   config,
	}
}

// Replay sends the appropriate backlog to conn. isNew selects the policy.
func (rp *Replayer) Replay(conn *Conn, username string, isNew bool) error {
	records, err := rp.store.ReadAll()
	if err != nil {
		return fmt.Errorf("failed to read log for replay: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	if isNew {
		debugLog.Printf("new user %s: replaying recent public history", username)
		return rp.replayForNew(conn, records)
	}
	return rp.replayForReturning(conn, username, records)
}

// replayForNew walks the log newest-to-oldest collecting up to
// BackupLastMessage+1 fresh public records, then emits them oldest-first as
// "<sender>: <text>".
func (rp *Replayer) replayForNew(conn *Conn, records []chatlog.Record) error {
	now := time.Now()
	lifetime := time.Duration(rp.config.LifetimeMessage) * time.Second

	var out []string
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Age(now) > lifetime {
			continue
		}
		if len(out) > rp.config.BackupLastMessage {
			break
		}
		if rec.General() {
			out = append(out, fmt.Sprintf("%s: %s", rec.Sender, rec.Text))
		}
	}

	for i := len(out) - 1; i >= 0; i-- {
		// Newline-terminated so back-to-back replay lines never run
		// together in one client read.
		if err := conn.WriteString(out[i] + "\n"); err != nil {
			return err
		}
	}
	return nil
}

// replayForReturning finds the identity's last leave record and emits every
// record after it, tagged for the returning user's viewpoint. Skipped
// silently when other devices of the identity are already connected, to
// avoid a duplicate replay.
func (rp *Replayer) replayForReturning(conn *Conn, username string, records []chatlog.Record) error {
	if !rp.registry.IsSoleConnection(username) {
		debugLog.Printf("returning user %s already in the chat, replay cancelled", username)
		return nil
	}
	debugLog.Printf("returning user %s: replaying missed messages", username)

	lastLeave := -1
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Sender == username && strings.HasPrefix(rec.Text, cmdExit) {
			lastLeave = i
			break
		}
	}

	for _, rec := range records[lastLeave+1:] {
		var text string
		switch {
		case rec.Sender == username && rec.General():
			text = fmt.Sprintf("you:\t%s", rec.Text)
		case rec.General():
			text = fmt.Sprintf("%s:\t%s", rec.Sender, rec.Text)
		case rec.Recipient == username:
			text = fmt.Sprintf(">> %s:\t%s", rec.Sender, rec.Text)
		case rec.Sender == username:
			text = fmt.Sprintf("you >> %s:\t%s", rec.Recipient, rec.Text)
		default:
			// Private traffic between two other parties is not shown.
			continue
		}
		if err := conn.WriteString(text + "\n"); err != nil {
			return err
		}
	}
	return nil
}
