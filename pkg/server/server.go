package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleychat/parley/pkg/chatlog"
)

// Chat commands, matched case-sensitively against a whole read chunk
// (or its prefix for the argument-taking ones).
const (
	cmdRules   = "/rules"
	cmdStatus  = "/status"
	cmdExit    = "/exit"
	cmdBan     = "/ban"
	cmdPrivate = "/private"

	// disconnectToken is written to a client to request client-side
	// termination before the server closes the connection.
	disconnectToken = "/end"
)

const rulesText = "Be polite to other chat participants, otherwise,\n" +
	"after three complaints, you will be banned for 4 hours.\n" +
	"\nSome commands:\n" +
	"*\t/rules -- show these chat rules\n" +
	"*\t/status -- show info about the chat\n" +
	"*\t/private <username> <message> -- send private message\n" +
	"*\t/ban <username> -- complain about some user\n" +
	"*\t/exit -- log out of the chat\n\n" +
	"You can send a maximum of 20 messages " +
	"to a public or private chat in one hour\n"

// Server accepts inbound connections, drives one handler goroutine per
// connection, and owns the registry, chat log and dispatch components.
type Server struct {
	config   ServerConfig
	registry *Registry
	store    *chatlog.Store
	gate     *Gatekeeper
	caster   *Broadcaster
	replayer *Replayer
	auth     *Authenticator
	metrics  *Metrics

	listener   net.Listener
	httpServer *http.Server

	ctx       context.Context
	cancel    context.CancelFunc
	shutdown  chan struct{}
	wg        sync.WaitGroup
	startTime time.Time
}

// NewServer creates a server instance: it opens (or creates) the backup
// log, restores a user-stats snapshot when one is present, and wires the
// dispatch components. Startup failures here are fatal to the process.
func NewServer(config ServerConfig) (*Server, error) {
	store, err := chatlog.Open(config.BackupFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup log: %w", err)
	}

	registry := NewRegistry(config.SnapshotFile)
	if err := registry.RestoreSnapshot(config.RestoreFile); err != nil {
		return nil, fmt.Errorf("failed to restore user stats: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:    config,
		registry:  registry,
		store:     store,
		gate:      NewGatekeeper(registry, store, config),
		caster:    NewBroadcaster(registry, store),
		replayer:  NewReplayer(registry, store, config),
		auth:      NewAuthenticator(registry, store, config),
		ctx:       ctx,
		cancel:    cancel,
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
	}, nil
}

// SetMetrics attaches metrics to the server and its components.
func (s *Server) SetMetrics(metrics *Metrics) {
	s.metrics = metrics
	s.registry.SetMetrics(metrics)
	s.gate.SetMetrics(metrics)
	s.caster.SetMetrics(metrics)
}

// Registry exposes the session registry, mainly for status inspection.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Addr returns the address the TCP listener is bound to, or nil before
// Start. Useful when the configured port is 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start begins listening for TCP connections and, when an HTTP port is
// configured, serves /metrics, /health and the /ws transport.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("TCP server listening on %s", addr)

	if s.config.HTTPPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/health", s.HealthHandler)
		mux.HandleFunc("/ws", s.HandleWebSocket)

		httpAddr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.HTTPPort))
		s.httpServer = &http.Server{Addr: httpAddr, Handler: mux}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			log.Printf("HTTP server listening on %s", httpAddr)
			if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("HTTP server error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop gracefully stops the server: the accept loop ends, pending waits are
// cancelled, live connections are closed, and all handler goroutines drain.
func (s *Server) Stop() error {
	close(s.shutdown)
	s.cancel()

	// The listener stays set so concurrent Addr and Accept callers never
	// observe a nil field; closing it is what ends the accept loop.
	if s.listener != nil {
		s.listener.Close()
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			debugLog.Printf("HTTP shutdown: %v", err)
		}
	}

	// Closing the connections unblocks any handler stuck in a read.
	s.registry.CloseAll()
	s.wg.Wait()
	return nil
}

// acceptLoop accepts incoming connections until shutdown.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(nc)
		}()
	}
}

// serveConn drives one client connection: authenticate, replay missed
// history, then loop on incoming chunks until an exit condition.
func (s *Server) serveConn(nc net.Conn) {
	if tcpConn, ok := nc.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	conn := newConn(nc)
	defer conn.Close()
	// Detach is a no-op when the handle never authenticated or already
	// left through the exit path.
	defer s.registry.Detach(conn)

	if s.metrics != nil {
		s.metrics.RecordConnection()
	}

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	addr := conn.RemoteAddr()
	username, isNew, err := s.auth.Authenticate(conn)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordAuthFailure()
		}
		log.Printf("Client <%s> error while authorization: %v", addr, err)
		return
	}

	log.Printf("Start serving %s (conn %s)", username, conn.ID())

	if err := s.replayer.Replay(conn, username, isNew); err != nil {
		log.Printf("Replay for %s failed: %v", username, err)
	}

	s.liveLoop(ctx, conn, username)
}

// liveLoop handles incoming chunks for an authenticated connection. Every
// chat-affecting command first passes the gatekeeper; commands that arrive
// while the identity is blocked are dropped after the wait. Reads run on
// their own goroutine so a dropped connection cancels a pending gatekeeper
// wait instead of sleeping out the window against a dead socket.
func (s *Server) liveLoop(ctx context.Context, conn *Conn, username string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs := make(chan string)
	go func() {
		defer cancel()
		for {
			msg, err := conn.ReadChunk()
			if err != nil {
				debugLog.Printf("conn %s (%s) read ended: %v", conn.ID(), username, err)
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var msg string
		select {
		case msg = <-msgs:
		case <-ctx.Done():
			return
		}
		debugLog.Printf("%s: %s", username, msg)

		switch msg {
		case cmdExit:
			s.leave(conn, username)
			return
		case cmdStatus:
			s.writeStatus(conn, username)
			continue
		case cmdRules:
			if err := conn.WriteString(rulesText); err != nil {
				return
			}
			continue
		}

		blocked, err := s.gate.CheckAndMaybeBlock(ctx, username)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("User %s lost the connection while waiting: %v", username, err)
			return
		}
		if blocked {
			// The triggering message is dropped; the client was told
			// when it may send again.
			continue
		}

		switch {
		case strings.HasPrefix(msg, cmdBan):
			s.fileComplaint(ctx, username, msg)
		case strings.HasPrefix(msg, cmdPrivate):
			if err := s.caster.SendPrivate(conn, msg); err != nil {
				log.Printf("Private send from %s failed: %v", username, err)
			}
		default:
			if err := s.caster.SendGeneral(conn, username, msg); err != nil {
				log.Printf("Broadcast from %s failed: %v", username, err)
			}
		}

		if st, ok := s.registry.Lookup(username); ok {
			st.IncrementCounter()
		}
	}
}

// fileComplaint parses "/ban <user>" and hands it to the gatekeeper.
func (s *Server) fileComplaint(ctx context.Context, reporter, raw string) {
	fields := strings.Fields(raw)
	if len(fields) < 2 {
		s.registry.NotifyUser(reporter, "Ban error: check username")
		return
	}
	if err := s.gate.AddComplaint(ctx, reporter, fields[1]); err != nil && ctx.Err() == nil {
		log.Printf("Complaint from %s failed: %v", reporter, err)
	}
}

// leave detaches the connection. If it was the identity's last live
// connection the departure is announced and a leave record anchors the
// next reconnect replay; a silent device drop announces nothing.
func (s *Server) leave(conn *Conn, username string) {
	if err := conn.WriteString(disconnectToken); err != nil {
		debugLog.Printf("client %s out already: %v", username, err)
	}

	if s.registry.IsSoleConnection(username) {
		log.Printf("%s wants to leave the chat", username)
		s.caster.SendBye(username)
		if err := s.store.Append(username, cmdExit, ""); err != nil {
			log.Printf("Failed to record departure of %s: %v", username, err)
		}
	}

	s.registry.Detach(conn)
}

// writeStatus sends the chat status block to one connection.
func (s *Server) writeStatus(conn *Conn, username string) {
	st, ok := s.registry.Lookup(username)
	if !ok {
		return
	}
	banned, _, finish := st.BanState()

	var sb strings.Builder
	sb.WriteString("======= CHAT INFO: ========\n")
	fmt.Fprintf(&sb, "*\tHOST\t= %s\n", s.config.Host)
	fmt.Fprintf(&sb, "*\tPORT\t= %d\n", s.config.Port)
	fmt.Fprintf(&sb, "*\tUSERS ONLINE:\t %d\n", s.registry.UserCount())
	fmt.Fprintf(&sb, "*\tCONNECTIONS:\t%d\n", s.registry.ConnectionCount())
	sb.WriteString("======= ABOUT YOU: ========\n")
	fmt.Fprintf(&sb, "*\tHOW MANY CLIENTS\t= %d\n", len(s.registry.LiveConnections(username)))
	fmt.Fprintf(&sb, "*\tCOUNTER MESSAGE\t= %d\n", st.CounterMessage())
	fmt.Fprintf(&sb, "*\tAMOUNT OF COMPLAINTS\t= %d\n", st.ComplaintCount())
	if banned || finish != 0 {
		fmt.Fprintf(&sb, "*\tBANNED FOR\t%s\n", formatHMS(finish-nowUnix()))
	}

	if err := conn.WriteString(sb.String()); err != nil {
		debugLog.Printf("conn %s: status write failed: %v", conn.ID(), err)
	}
}
