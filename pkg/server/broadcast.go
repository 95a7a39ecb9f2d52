package server

import (
	"fmt"
	"strings"

	"github.com/parleychat/parley/pkg/chatlog"
)

// Broadcaster formats and fans out general and private messages to the
// appropriate live connections, recording them in the chat log.
type Broadcaster struct {
	registry *Registry
	store    *chatlog.Store
	metrics  *Metrics
}

// NewBroadcaster creates a broadcaster over the given registry and log.
func NewBroadcaster(registry *Registry, store *chatlog.Store) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		store:    store,
	}
}

// SetMetrics attaches metrics to the broadcaster.
func (b *Broadcaster) SetMetrics(metrics *Metrics) {
	b.metrics = metrics
}

// SendGeneral records a general-chat message and delivers it to every live
// connection. Recipients other than the sender see "<sender>:\t<text>"; the
// sender's other devices see "you:\t<text>"; the originating connection
// gets no echo. Blank text is recorded but not delivered.
func (b *Broadcaster) SendGeneral(origin *Conn, sender, text string) error {
	if err := b.store.Append(sender, text, ""); err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	delivered := 0
	for _, conn := range b.registry.AllConnections() {
		username, ok := b.registry.UsernameOf(conn)
		if !ok {
			continue
		}
		switch {
		case username != sender:
			b.deliver(conn, fmt.Sprintf("%s:\t%s", sender, text))
			delivered++
		case conn.ID() != origin.ID():
			b.deliver(conn, fmt.Sprintf("you:\t%s", text))
			delivered++
		}
	}

	if b.metrics != nil {
		b.metrics.RecordBroadcast(delivered)
	}
	return nil
}

// SendPrivate parses a "/private <recipient> <message>" command and
// delivers the message to every live connection of the recipient. Errors
// (bad syntax, unknown recipient, recipient == sender) go inline to the
// sender's connections only and write nothing to the log.
func (b *Broadcaster) SendPrivate(origin *Conn, raw string) error {
	sender, ok := b.registry.UsernameOf(origin)
	if !ok {
		return fmt.Errorf("private send: %w", ErrUnknownConnection)
	}

	parts := strings.SplitN(raw, " ", 3)
	if len(parts) < 3 || strings.TrimSpace(parts[2]) == "" {
		b.registry.NotifyUser(sender, "Incorrect syntax for private message.\nTemplate: /private <username> <message>\n")
		return nil
	}
	recipient, text := parts[1], parts[2]

	if _, known := b.registry.Lookup(recipient); !known {
		b.registry.NotifyUser(sender, fmt.Sprintf("No such user - %q\n", recipient))
		return nil
	}
	if recipient == sender {
		b.registry.NotifyUser(sender, "No point in sending it to yourself\n")
		return nil
	}

	// One log record per delivered copy: a recipient with several devices
	// gets the message logged once per device. Kept as-is.
	for _, conn := range b.registry.LiveConnections(recipient) {
		b.deliver(conn, fmt.Sprintf(">> %s:\t%s", sender, text))
		if err := b.store.Append(sender, text, recipient); err != nil {
			return err
		}
	}

	if b.metrics != nil {
		b.metrics.RecordPrivateMessage()
	}
	return nil
}

// SendBye announces an identity's departure to every connection belonging
// to someone else.
func (b *Broadcaster) SendBye(username string) {
	text := fmt.Sprintf("User %s has left the chat", username)
	for _, conn := range b.registry.AllConnections() {
		owner, ok := b.registry.UsernameOf(conn)
		if !ok || owner == username {
			continue
		}
		b.deliver(conn, text)
	}
}

func (b *Broadcaster) deliver(conn *Conn, text string) {
	if err := conn.WriteString(text); err != nil {
		debugLog.Printf("conn %s: deliver failed: %v", conn.ID(), err)
	}
}
