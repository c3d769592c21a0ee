// Package gateway is the WebSocket edge of the tasklink messaging
// subsystem. It authenticates connections, parses inbound event envelopes,
// publishes them to NATS for the pipeline worker, and forwards each user's
// fan-out subject back down their socket. One registry of live connections
// is kept per gateway process, keyed by user id.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/tasklink/messaging/internal/metrics"
	"github.com/tasklink/messaging/internal/protocol"
	"github.com/tasklink/messaging/internal/ratelimit"
)

// Authenticator resolves a connect token to a user id. Implementations
// typically verify a signed session token against the main application's
// auth service.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID string, err error)
}

// Bus is the NATS surface the gateway uses; see messaging.NATSClient.
type Bus interface {
	PublishMessageCreated(data []byte) error
	PublishMessageRead(data []byte) error
	PublishUserEvent(userID string, data []byte) error
	SubscribeUserEvents(userID string, handler func(data []byte)) error
	UnsubscribeUserEvents(userID string) error
}

// Presence is the ephemeral-state surface the gateway writes; see
// presence.Store.
type Presence interface {
	SetTyping(ctx context.Context, jobID, userID string, isTyping bool) error
	SetOnline(ctx context.Context, userID string, online bool) error
	AddJobMembers(ctx context.Context, jobID string, userIDs ...string) error
	JobMembers(ctx context.Context, jobID string) ([]string, error)
}

// RateLimiter throttles per-identifier actions; see ratelimit.Limiter.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// ServerConfig holds tunable parameters for the gateway server.
type ServerConfig struct {
	ListenAddr        string        // address to listen on, e.g. ":8080"
	MaxConnections    int           // hard cap on total connections
	WriteTimeout      time.Duration // timeout for WebSocket write operations
	HeartbeatInterval time.Duration // how often to ping clients
	HeartbeatTimeout  time.Duration // extra grace after the interval before eviction
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:        ":8080",
		MaxConnections:    100000,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
	}
}

// Server upgrades HTTP requests to WebSocket connections, runs one reader
// goroutine per connection, and bridges envelopes between clients and NATS.
type Server struct {
	config     ServerConfig
	conns      *ConnectionManager
	auth       Authenticator
	bus        Bus
	presence   Presence
	limiter    RateLimiter
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a Server with the given configuration and collaborators.
func NewServer(config ServerConfig, auth Authenticator, bus Bus, presence Presence, limiter RateLimiter) *Server {
	return &Server{
		config:   config,
		conns:    NewConnectionManager(),
		auth:     auth,
		bus:      bus,
		presence: presence,
		limiter:  limiter,
		done:     make(chan struct{}),
	}
}

// Start configures the HTTP server, starts the heartbeat monitor, and blocks
// on http.Server.ListenAndServe.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.heartbeatLoop()

	log.Printf("gateway: server listening on %s (max_conns=%d)",
		s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the token query parameter, upgrades the HTTP
// request to a WebSocket connection, registers it, subscribes the user's
// fan-out subject, and starts the reader goroutine.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	if allowed, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect); !allowed {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	userID, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		log.Printf("gateway: auth failed from %s: %v", ip, err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("gateway: upgrade failed for user %s: %v", userID, err)
		return
	}

	c := &Connection{
		UserID:    userID,
		Conn:      conn,
		CreatedAt: time.Now(),
		LastSeen:  time.Now(),
	}

	// A reconnecting user replaces their old connection; its reader loop
	// exits on the close and skips teardown because the registry entry no
	// longer points at it.
	if prev := s.conns.Add(c); prev != nil {
		log.Printf("gateway: replacing connection user=%s", userID)
		prev.Close()
	} else {
		metrics.ConnectionsTotal.Inc()
	}

	_ = s.bus.UnsubscribeUserEvents(userID)
	if err := s.bus.SubscribeUserEvents(userID, func(data []byte) {
		s.forward(userID, data)
	}); err != nil {
		log.Printf("gateway: subscribe user events user=%s: %v", userID, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := s.presence.SetOnline(ctx, userID, true); err != nil {
		log.Printf("gateway: presence online user=%s: %v", userID, err)
	}
	cancel()

	log.Printf("gateway: new connection user=%s (total=%d)", userID, s.conns.Count())

	go s.readLoop(c)
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime. Used by the load balancer.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// forward writes a fan-out event down the user's socket. A missing
// connection is normal (the user disconnected between publish and delivery)
// and is silently dropped; the pipeline's push notification covers them.
func (s *Server) forward(userID string, data []byte) {
	c := s.conns.Get(userID)
	if c == nil {
		return
	}
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := c.WriteMessage(data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	if err != nil {
		log.Printf("gateway: forward failed user=%s: %v", userID, err)
		s.removeConnection(c)
	}
}

// readLoop reads frames from one connection until it fails, handling
// control frames inline and dispatching data frames. Dead connections are
// unblocked by the heartbeat monitor closing them.
func (s *Server) readLoop(c *Connection) {
	for {
		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			s.removeConnection(c)
			return
		}

		// Any frame proves the connection is alive.
		c.LastSeen = time.Now()

		if header.OpCode.IsControl() {
			if header.OpCode == ws.OpClose {
				s.removeConnection(c)
				return
			}
			if header.OpCode == ws.OpPing {
				_, _ = io.Copy(io.Discard, reader)
				s.writePong(c)
				continue
			}
			// Pong: liveness already recorded.
			_, _ = io.Copy(io.Discard, reader)
			continue
		}

		data := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, data); err != nil {
				s.removeConnection(c)
				return
			}
		}
		if len(data) == 0 {
			continue
		}

		s.dispatch(c, data)
	}
}

func (s *Server) writePong(c *Connection) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.WriteFrame(c.Conn, ws.NewPongFrame(nil))
}

// dispatch routes one inbound envelope. The sender identity on every
// payload is stamped from the authenticated connection, never trusted from
// the client. Malformed or unsupported frames are logged and dropped.
func (s *Server) dispatch(c *Connection, data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		log.Printf("gateway: dispatch parse error user=%s: %v", c.UserID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	switch env.Type {
	case protocol.TypeMessage:
		s.handleMessage(ctx, c, env)
	case protocol.TypeTyping:
		s.handleTyping(ctx, c, env)
	case protocol.TypeReadReceipt:
		s.handleReadReceipt(c, env)
	default:
		// user_status is server-originated only.
		log.Printf("gateway: unsupported inbound type=%q user=%s", env.Type, c.UserID)
	}
}

// handleMessage publishes a chat message for pipeline processing and
// records both parties as participants of the job's conversation (the
// membership set that typing fan-out reads).
func (s *Server) handleMessage(ctx context.Context, c *Connection, env *protocol.Envelope) {
	if allowed, _ := s.limiter.Allow(ctx, c.UserID, ratelimit.RuleMessage); !allowed {
		log.Printf("gateway: message rate limited user=%s", c.UserID)
		return
	}

	ev, err := env.DecodeMessage()
	if err != nil {
		log.Printf("gateway: decode message user=%s: %v", c.UserID, err)
		return
	}
	if ev.ReceiverID == "" || ev.ReceiverID == c.UserID {
		log.Printf("gateway: message with bad receiver user=%s receiver=%q", c.UserID, ev.ReceiverID)
		return
	}
	ev.SenderID = c.UserID

	out, err := protocol.NewEvent(protocol.TypeMessage, ev)
	if err != nil {
		log.Printf("gateway: encode message user=%s: %v", c.UserID, err)
		return
	}
	if err := s.bus.PublishMessageCreated(out); err != nil {
		log.Printf("gateway: publish message user=%s: %v", c.UserID, err)
		return
	}

	if ev.JobID != "" {
		if err := s.presence.AddJobMembers(ctx, ev.JobID, ev.SenderID, ev.ReceiverID); err != nil {
			log.Printf("gateway: job members job=%s: %v", ev.JobID, err)
		}
	}
	if err := s.presence.SetOnline(ctx, c.UserID, true); err != nil {
		log.Printf("gateway: presence bump user=%s: %v", c.UserID, err)
	}
}

// handleTyping records the typing indicator and relays it to the job's
// other participants. Best-effort end to end: failures are logged and the
// indicator is simply not shown.
func (s *Server) handleTyping(ctx context.Context, c *Connection, env *protocol.Envelope) {
	if allowed, _ := s.limiter.Allow(ctx, c.UserID, ratelimit.RuleTyping); !allowed {
		return
	}

	ev, err := env.DecodeTyping()
	if err != nil {
		log.Printf("gateway: decode typing user=%s: %v", c.UserID, err)
		return
	}
	if ev.JobID == "" {
		return
	}
	ev.UserID = c.UserID

	if err := s.presence.SetTyping(ctx, ev.JobID, ev.UserID, ev.IsTyping); err != nil {
		log.Printf("gateway: set typing user=%s job=%s: %v", c.UserID, ev.JobID, err)
	}

	members, err := s.presence.JobMembers(ctx, ev.JobID)
	if err != nil {
		log.Printf("gateway: typing members job=%s: %v", ev.JobID, err)
		return
	}
	out, err := protocol.NewEvent(protocol.TypeTyping, ev)
	if err != nil {
		log.Printf("gateway: encode typing user=%s: %v", c.UserID, err)
		return
	}
	for _, member := range members {
		if member == c.UserID {
			continue
		}
		if err := s.bus.PublishUserEvent(member, out); err != nil {
			log.Printf("gateway: typing fan-out job=%s user=%s: %v", ev.JobID, member, err)
		}
	}
}

// handleReadReceipt stamps the reader identity and publishes the receipt
// for pipeline processing.
func (s *Server) handleReadReceipt(c *Connection, env *protocol.Envelope) {
	ev, err := env.DecodeReadReceipt()
	if err != nil {
		log.Printf("gateway: decode read receipt user=%s: %v", c.UserID, err)
		return
	}
	if ev.MessageID == "" {
		return
	}
	ev.ReadBy = c.UserID

	out, err := protocol.NewEvent(protocol.TypeReadReceipt, ev)
	if err != nil {
		log.Printf("gateway: encode read receipt user=%s: %v", c.UserID, err)
		return
	}
	if err := s.bus.PublishMessageRead(out); err != nil {
		log.Printf("gateway: publish read receipt user=%s: %v", c.UserID, err)
	}
}

// removeConnection tears down a connection: registry removal, fan-out
// unsubscribe, presence offline, metrics. Safe to call from both the reader
// loop and the heartbeat monitor; only the goroutine that actually removes
// the registry entry runs the teardown.
func (s *Server) removeConnection(c *Connection) {
	if !s.conns.Remove(c) {
		return
	}

	metrics.ConnectionsTotal.Dec()

	if err := s.bus.UnsubscribeUserEvents(c.UserID); err != nil {
		log.Printf("gateway: unsubscribe user=%s: %v", c.UserID, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.presence.SetOnline(ctx, c.UserID, false); err != nil {
		log.Printf("gateway: presence offline user=%s: %v", c.UserID, err)
	}

	log.Printf("gateway: connection closed user=%s (total=%d)", c.UserID, s.conns.Count())
}

// heartbeatLoop periodically pings all connections and evicts those with no
// frame activity within the interval plus grace period.
func (s *Server) heartbeatLoop() {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			deadline := s.config.HeartbeatInterval + s.config.HeartbeatTimeout
			now := time.Now()
			for _, c := range s.conns.All() {
				if now.Sub(c.LastSeen) > deadline {
					log.Printf("gateway: heartbeat timeout user=%s last_activity=%s ago",
						c.UserID, now.Sub(c.LastSeen).Round(time.Second))
					s.removeConnection(c)
					continue
				}
				if err := c.WritePing(); err != nil {
					log.Printf("gateway: heartbeat ping failed user=%s: %v", c.UserID, err)
					s.removeConnection(c)
				}
			}
		}
	}
}

// Shutdown performs a graceful shutdown: stop accepting new connections,
// stop the heartbeat, and close all active connections.
func (s *Server) Shutdown() error {
	log.Println("gateway: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("gateway: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		s.removeConnection(c)
	}

	log.Printf("gateway: server stopped, all connections closed")
	return nil
}
