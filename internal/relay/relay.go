// Package relay implements a development signaling relay.
//
// Clients connect over websocket and Join a room. The relay keeps the room
// membership, broadcasts the member list whenever it changes and forwards
// Offer, Answer and IceCandidate messages to their to_peer in the same room.
// It never looks inside SDP or candidate payloads.
package relay

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/peercall/internal/observe"
	"github.com/MrWong99/peercall/internal/signaling"
)

const (
	defaultQueueSize = 256
	writeTimeout     = 5 * time.Second
	readLimit        = 2 * signaling.MaxSDPBytes
)

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the server logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithQueueSize sets the per-client outbound queue length. A client whose
// queue is full loses messages rather than stalling the room.
func WithQueueSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithOriginPatterns allows browser clients from the given host patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) {
		s.origins = patterns
	}
}

// Server is an [http.Handler] serving the relay websocket endpoint.
type Server struct {
	logger    *slog.Logger
	metrics   *observe.Metrics
	queueSize int
	origins   []string

	mu      sync.Mutex
	rooms   map[string]map[string]*client
	clients map[*client]struct{}
	wg      sync.WaitGroup
}

// New creates a relay with no rooms.
func New(opts ...Option) *Server {
	s := &Server{
		logger:    slog.Default(),
		queueSize: defaultQueueSize,
		rooms:     make(map[string]map[string]*client),
		clients:   make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	remote string

	// room and peer are guarded by Server.mu.
	room, peer string
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		observe.Logger(r.Context(), s.logger).Warn("relay: websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		conn:   conn,
		send:   make(chan []byte, s.queueSize),
		ctx:    ctx,
		cancel: cancel,
		remote: r.RemoteAddr,
	}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.wg.Add(1)
	defer s.wg.Done()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(c)
	}()

	s.readPump(c)

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	s.leave(c)
	cancel()
	<-writerDone
	_ = conn.CloseNow()
}

// Close disconnects every client and waits for their handlers to return.
func (s *Server) Close() {
	s.mu.Lock()
	for c := range s.clients {
		c.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Peers returns the members of room, sorted.
func (s *Server) Peers(room string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peersLocked(room)
}

func (s *Server) peersLocked(room string) []string {
	members := s.rooms[room]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (s *Server) readPump(c *client) {
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			s.logger.Debug("relay: client disconnected", "remote", c.remote, "err", err)
			return
		}
		if typ != websocket.MessageText {
			s.metrics.RecordSignalingDrop(c.ctx, "binary")
			continue
		}
		m, err := signaling.Decode(data)
		if err != nil {
			s.logger.Warn("relay: dropping malformed message", "remote", c.remote, "err", err)
			s.metrics.RecordSignalingDrop(c.ctx, "malformed")
			continue
		}
		s.metrics.RecordSignalingMessage(c.ctx, "in", string(m.Type))
		s.handle(c, m)
	}
}

func (s *Server) writePump(c *client) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.Debug("relay: write failed", "remote", c.remote, "err", err)
				c.cancel()
				return
			}
		}
	}
}

func (s *Server) handle(c *client, m signaling.Message) {
	switch m.Type {
	case signaling.KindJoin:
		s.join(c, m.RoomID, m.PeerID)
	case signaling.KindLeave:
		s.leave(c)
	case signaling.KindRequestPeerList:
		s.mu.Lock()
		room := m.RoomID
		if room == "" {
			room = c.room
		}
		peers := s.peersLocked(room)
		s.mu.Unlock()
		s.enqueue(c, signaling.PeerList(peers))
	case signaling.KindOffer, signaling.KindAnswer, signaling.KindIceCandidate:
		s.forward(c, m)
	default:
		s.logger.Debug("relay: ignoring message", "kind", m.Type, "remote", c.remote)
	}
}

func (s *Server) join(c *client, room, peer string) {
	s.mu.Lock()
	if other := s.rooms[room][peer]; other != nil && other != c {
		s.mu.Unlock()
		s.logger.Warn("relay: peer id already in room", "room", room, "peer", peer, "remote", c.remote)
		return
	}
	old := s.removeLocked(c)
	members := s.rooms[room]
	if members == nil {
		members = make(map[string]*client)
		s.rooms[room] = members
	}
	members[peer] = c
	c.room, c.peer = room, peer
	s.mu.Unlock()

	s.metrics.RelayPeers.Add(context.Background(), 1)
	s.logger.Info("relay: peer joined", "room", room, "peer", peer)
	if old != "" && old != room {
		s.broadcastList(old)
	}
	s.broadcastList(room)
}

func (s *Server) leave(c *client) {
	s.mu.Lock()
	peer := c.peer
	room := s.removeLocked(c)
	s.mu.Unlock()
	if room == "" {
		return
	}
	s.logger.Info("relay: peer left", "room", room, "peer", peer)
	s.broadcastList(room)
}

// removeLocked takes c out of its room and returns that room, or "".
func (s *Server) removeLocked(c *client) string {
	room := c.room
	if room == "" {
		return ""
	}
	members := s.rooms[room]
	if members[c.peer] == c {
		delete(members, c.peer)
		s.metrics.RelayPeers.Add(context.Background(), -1)
	}
	if len(members) == 0 {
		delete(s.rooms, room)
	}
	c.room, c.peer = "", ""
	return room
}

func (s *Server) forward(c *client, m signaling.Message) {
	s.mu.Lock()
	room, peer := c.room, c.peer
	var target *client
	if room != "" {
		target = s.rooms[room][m.To]
	}
	s.mu.Unlock()

	switch {
	case peer == "":
		s.logger.Warn("relay: message before join", "kind", m.Type, "remote", c.remote)
		s.metrics.RecordSignalingDrop(c.ctx, "not_joined")
	case m.From != peer:
		s.logger.Warn("relay: sender mismatch", "kind", m.Type, "from", m.From, "peer", peer)
		s.metrics.RecordSignalingDrop(c.ctx, "spoofed")
	case m.RoomID != "" && m.RoomID != room:
		s.logger.Warn("relay: message for another room", "kind", m.Type, "room", m.RoomID, "peer", peer)
		s.metrics.RecordSignalingDrop(c.ctx, "wrong_room")
	case target == nil:
		s.logger.Debug("relay: target not in room", "kind", m.Type, "to", m.To, "room", room)
		s.metrics.RecordSignalingDrop(c.ctx, "unknown_peer")
	default:
		s.enqueue(target, m)
	}
}

func (s *Server) broadcastList(room string) {
	s.mu.Lock()
	peers := s.peersLocked(room)
	targets := make([]*client, 0, len(peers))
	for _, c := range s.rooms[room] {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	msg := signaling.PeerList(peers)
	for _, c := range targets {
		s.enqueue(c, msg)
	}
}

func (s *Server) enqueue(c *client, m signaling.Message) {
	data, err := signaling.Encode(m)
	if err != nil {
		s.logger.Warn("relay: cannot encode message", "kind", m.Type, "err", err)
		return
	}
	select {
	case c.send <- data:
		s.metrics.RecordSignalingMessage(c.ctx, "out", string(m.Type))
	default:
		s.logger.Warn("relay: client queue full, dropping", "kind", m.Type, "remote", c.remote)
		s.metrics.RecordSignalingDrop(c.ctx, "queue_full")
	}
}
