// Package networking adapts gorilla websocket connections to the ingestion Conn contract.
package networking

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"owg/server/internal/ingest"
	"owg/server/internal/logging"
)

const (
	defaultWriteWait    = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultReadLimit    = 1 << 20
)

// ErrConnClosed is returned by Send and Receive once the socket has gone away.
var ErrConnClosed = errors.New("websocket connection closed")

// Attacher runs one connection to completion.
type Attacher interface {
	Serve(ctx context.Context, conn ingest.Conn) error
}

// Option customises a Server.
type Option func(*Server)

// WithAllowedOrigins restricts upgrades to the given Origin headers. Empty allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.allowed = make(map[string]struct{}, len(origins))
		for _, origin := range origins {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				s.allowed[strings.ToLower(trimmed)] = struct{}{}
			}
		}
	}
}

// WithMaxClients caps concurrent sessions. Zero disables the limit.
func WithMaxClients(n int) Option {
	return func(s *Server) {
		if n >= 0 {
			s.maxClients = n
		}
	}
}

// WithReadLimit bounds the size of an inbound frame.
func WithReadLimit(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.readLimit = n
		}
	}
}

// WithPingInterval sets the keepalive cadence; a peer silent for two intervals is dropped.
func WithPingInterval(interval time.Duration) Option {
	return func(s *Server) {
		if interval > 0 {
			s.pingInterval = interval
		}
	}
}

// WithTrafficMeter records per connection throughput.
func WithTrafficMeter(meter *TrafficMeter) Option {
	return func(s *Server) {
		s.meter = meter
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.log = logger
		}
	}
}

// Server upgrades HTTP requests and hands every socket to the attacher.
type Server struct {
	attacher     Attacher
	upgrader     websocket.Upgrader
	allowed      map[string]struct{}
	maxClients   int
	readLimit    int64
	pingInterval time.Duration
	writeWait    time.Duration
	meter        *TrafficMeter
	log          *logging.Logger

	active atomic.Int64
	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	closed bool
}

// NewServer builds a websocket server for attacher.
func NewServer(attacher Attacher, opts ...Option) *Server {
	s := &Server{
		attacher:     attacher,
		readLimit:    defaultReadLimit,
		pingInterval: defaultPingInterval,
		writeWait:    defaultWriteWait,
		log:          logging.L(),
		conns:        make(map[*wsConn]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.log = s.log.With(logging.String("component", "websocket"))
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.allowed) == 0 {
		return true
	}
	origin := strings.ToLower(strings.TrimSpace(r.Header.Get("Origin")))
	if origin == "" {
		return false
	}
	_, ok := s.allowed[origin]
	return ok
}

// Active reports the number of attached sessions.
func (s *Server) Active() int64 {
	if s == nil {
		return 0
	}
	return s.active.Load()
}

// reserveSlot claims one of the client slots, failing once maxClients are taken.
func (s *Server) reserveSlot() bool {
	for {
		current := s.active.Load()
		if s.maxClients > 0 && current >= int64(s.maxClients) {
			return false
		}
		if s.active.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// ServeHTTP upgrades the request and blocks until the session ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.attacher == nil {
		http.Error(w, "websocket transport unavailable", http.StatusServiceUnavailable)
		return
	}
	//1.- Reserve a slot before upgrading so the client receives a plain HTTP status.
	if !s.reserveSlot() {
		s.log.Warn("rejecting connection: client limit reached", logging.Int("max_clients", s.maxClients))
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}
	if !s.checkOrigin(r) {
		s.active.Add(-1)
		s.log.Warn("rejecting connection: origin not allowed", logging.String("origin", r.Header.Get("Origin")))
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.active.Add(-1)
		s.log.Warn("websocket upgrade failed", logging.Error(err))
		return
	}

	conn := s.track(socket)
	if conn == nil {
		s.active.Add(-1)
		_ = socket.Close()
		return
	}
	defer func() {
		s.active.Add(-1)
		s.untrack(conn)
		s.meter.Forget(conn.id)
	}()

	//2.- The attacher owns the session; the socket is torn down once it returns.
	logger := s.log.With(logging.String("conn_id", conn.id), logging.String("remote_addr", r.RemoteAddr))
	logger.Info("client connected")
	if err := s.attacher.Serve(r.Context(), conn); err != nil && !isExpectedClose(err) {
		logger.Warn("session ended with error", logging.Error(err))
	}
	conn.close(websocket.CloseNormalClosure, "")
	logger.Info("client disconnected")
}

// Close terminates every open session.
func (s *Server) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.closed = true
	conns := make([]*wsConn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		conn.close(websocket.CloseGoingAway, "server shutting down")
	}
}

func (s *Server) track(socket *websocket.Conn) *wsConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	conn := newWSConn(socket, uuid.NewString(), s.readLimit, s.pingInterval, s.writeWait, s.meter)
	s.conns[conn] = struct{}{}
	return conn
}

func (s *Server) untrack(conn *wsConn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func isExpectedClose(err error) bool {
	if errors.Is(err, ErrConnClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

type inbound struct {
	payload []byte
	err     error
}

// wsConn is an ingest.Conn backed by a gorilla socket. A single reader goroutine feeds
// Receive so that a cancelled context unblocks the session without closing the socket.
type wsConn struct {
	id        string
	socket    *websocket.Conn
	writeWait time.Duration
	meter     *TrafficMeter

	writeMu  sync.Mutex
	incoming chan inbound
	done     chan struct{}
	once     sync.Once
}

func newWSConn(socket *websocket.Conn, id string, readLimit int64, pingInterval, writeWait time.Duration, meter *TrafficMeter) *wsConn {
	c := &wsConn{
		id:        id,
		socket:    socket,
		writeWait: writeWait,
		meter:     meter,
		incoming:  make(chan inbound),
		done:      make(chan struct{}),
	}
	pongWait := 2 * pingInterval
	socket.SetReadLimit(readLimit)
	_ = socket.SetReadDeadline(time.Now().Add(pongWait))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.readPump()
	go c.pingPump(pingInterval)
	return c
}

func (c *wsConn) ID() string { return c.id }

// Send writes one text frame.
func (c *wsConn) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.socket.SetWriteDeadline(time.Now().Add(c.writeWait))
	if err := c.socket.WriteMessage(websocket.TextMessage, payload); err != nil {
		return err
	}
	c.meter.RecordOut(c.id, len(payload))
	return nil
}

// Receive returns the next inbound frame.
func (c *wsConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrConnClosed
	case msg := <-c.incoming:
		return msg.payload, msg.err
	}
}

func (c *wsConn) readPump() {
	for {
		_, payload, err := c.socket.ReadMessage()
		if err == nil {
			c.meter.RecordIn(c.id, len(payload))
		}
		select {
		case c.incoming <- inbound{payload: payload, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *wsConn) pingPump(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			//1.- WriteControl may run concurrently with WriteMessage.
			if err := c.socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		_ = c.socket.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		_ = c.socket.Close()
	})
}
