package server

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/parleychat/parley/pkg/chatlog"
)

// Authenticator runs the login/password exchange over a fresh connection.
// New identities register with the supplied password and never fail;
// returning identities fail hard on the first wrong password, with no
// retry. This asymmetry is long-standing behavior and is kept.
type Authenticator struct {
	registry *Registry
	store    *chatlog.Store
	config   ServerConfig
}

// NewAuthenticator creates an authenticator over the given registry and log.
func NewAuthenticator(registry *Registry, store *chatlog.Store, config ServerConfig) *Authenticator {
	return &Authenticator{
		registry: registry,
		store:    store,
		config:   config,
	}
}

// Authenticate prompts for credentials and, on success, attaches the
// connection to its identity and prunes expired log records. The caller
// must treat any error as a failed session and close the connection.
func (a *Authenticator) Authenticate(conn *Conn) (username string, isNew bool, err error) {
	username, password, err := a.promptCredentials(conn)
	if err != nil {
		return "", false, err
	}

	st, isNew := a.registry.CreateOrGet(username, password)
	if !st.PasswordMatches(password) {
		conn.WriteString("Wrong password. Try again.\n")
		return "", false, fmt.Errorf("user %q: %w", username, ErrAuthFailed)
	}

	// Stale records are pruned once per successful login, not on a timer.
	if err := a.store.Prune(time.Duration(a.config.LifetimeMessage) * time.Second); err != nil {
		return "", false, err
	}

	if err := conn.WriteString(fmt.Sprintf("\nWelcome to chat, %s!\n", username)); err != nil {
		return "", false, err
	}
	if err := a.registry.Attach(username, conn); err != nil {
		return "", false, err
	}
	return username, isNew, nil
}

// promptCredentials asks for a login until a well-formed one arrives (one
// word, no whitespace), then asks for a password once.
func (a *Authenticator) promptCredentials(conn *Conn) (login, password string, err error) {
	for {
		if err := conn.WriteString("Enter login: "); err != nil {
			return "", "", err
		}
		login, err = conn.ReadChunk()
		if err != nil {
			return "", "", err
		}
		if login != "" && !strings.ContainsFunc(login, unicode.IsSpace) {
			break
		}
		if err := conn.WriteString("login must consist of one word\n"); err != nil {
			return "", "", err
		}
	}

	if err := conn.WriteString("Enter password: "); err != nil {
		return "", "", err
	}
	password, err = conn.ReadChunk()
	if err != nil {
		return "", "", err
	}
	return login, password, nil
}
