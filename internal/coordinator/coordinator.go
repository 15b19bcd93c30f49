// Package coordinator routes UI intents and relay messages to per-peer call
// sessions and reports what happens to them.
//
// Each remote peer gets at most one session. All work for a session runs on
// that session's mailbox goroutine in arrival order, so the negotiation
// machine never sees two messages at once; different peers proceed
// concurrently. When a session's negotiation reaches Connected the shared
// media bridge is bound to it, and the binding is torn down before the
// session is forgotten.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/peercall/internal/bridge"
	"github.com/MrWong99/peercall/internal/negotiate"
	"github.com/MrWong99/peercall/internal/observe"
	"github.com/MrWong99/peercall/internal/registry"
	"github.com/MrWong99/peercall/internal/rtc"
	"github.com/MrWong99/peercall/internal/signaling"
)

// DefaultNegotiationTimeout bounds how long a session may take to connect.
const DefaultNegotiationTimeout = 30 * time.Second

// ErrNotJoined is returned by intents that need a room before one was joined.
var ErrNotJoined = errors.New("coordinator: no room joined")

// UI receives the events the coordinator publishes. Methods are called from
// coordinator goroutines and must not block.
type UI interface {
	PeerListUpdated(peers []string)
	CallStateChanged(peer string, state negotiate.State, err error)
	Warning(peer string, err error)
}

// Transport is the relay link.
type Transport interface {
	Send(ctx context.Context, m signaling.Message) error
	Receive(ctx context.Context) iter.Seq[signaling.Message]
	Err() error
}

// Peer is a peer connection that both negotiates and carries media.
type Peer interface {
	negotiate.PeerConnection
	bridge.Network
}

// PeerFactory creates the peer connection for a new session.
type PeerFactory func(remote string, ev rtc.Events) (Peer, error)

// RTCPeers returns a [PeerFactory] backed by api.
func RTCPeers(api *rtc.API) PeerFactory {
	return func(remote string, ev rtc.Events) (Peer, error) {
		p, err := api.NewPeer(remote, ev)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Config holds the collaborators of a [Coordinator].
type Config struct {
	Registry  *registry.Registry
	Transport Transport
	NewPeer   PeerFactory
	UI        UI

	// Bridge carries audio for connected sessions. A nil Bridge negotiates
	// calls without media.
	Bridge *bridge.Bridge

	// NegotiationTimeout defaults to DefaultNegotiationTimeout.
	NegotiationTimeout time.Duration

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Coordinator owns the session table. All exported methods are safe for
// concurrent use.
type Coordinator struct {
	registry  *registry.Registry
	transport Transport
	newPeer   PeerFactory
	ui        UI
	bridge    *bridge.Bridge
	logger    *slog.Logger
	metrics   *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	timeout  time.Duration
	closing  bool
}

// New creates a Coordinator. Call [Coordinator.Run] to start routing relay
// messages.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if cfg.UI == nil {
		cfg.UI = nopUI{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		registry:  cfg.Registry,
		transport: cfg.Transport,
		newPeer:   cfg.NewPeer,
		ui:        cfg.UI,
		bridge:    cfg.Bridge,
		logger:    cfg.Logger.With("local", cfg.Registry.LocalID()),
		metrics:   cfg.Metrics,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*session),
		timeout:   cfg.NegotiationTimeout,
	}
	if c.bridge != nil {
		c.bridge.OnWarning(c.ui.Warning)
	}
	return c
}

// LocalID returns this client's PeerId.
func (c *Coordinator) LocalID() string { return c.registry.LocalID() }

// Peers returns the last reported peer list.
func (c *Coordinator) Peers() []string { return c.registry.Peers() }

// SetNegotiationTimeout changes the timeout applied to sessions created
// afterwards.
func (c *Coordinator) SetNegotiationTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// Sessions returns the remote PeerIds with a live session, sorted.
func (c *Coordinator) Sessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sessions))
	for peer := range c.sessions {
		out = append(out, peer)
	}
	slices.Sort(out)
	return out
}

// CallState returns the negotiation state of the session with peer.
func (c *Coordinator) CallState(peer string) (negotiate.State, bool) {
	c.mu.Lock()
	s := c.sessions[peer]
	c.mu.Unlock()
	if s == nil {
		return negotiate.Idle, false
	}
	return s.machine.State(), true
}

// ─── Intents ─────────────────────────────────────────────────────────────────

// Join announces this client in room.
func (c *Coordinator) Join(ctx context.Context, room string) error {
	c.registry.SetRoom(room)
	if err := c.transport.Send(ctx, signaling.Join(room, c.registry.LocalID())); err != nil {
		return fmt.Errorf("coordinator: join %s: %w", room, err)
	}
	return nil
}

// RequestPeerList asks the relay for the members of the joined room.
func (c *Coordinator) RequestPeerList(ctx context.Context) error {
	if err := c.transport.Send(ctx, signaling.RequestPeerList(c.registry.Room())); err != nil {
		return fmt.Errorf("coordinator: request peer list: %w", err)
	}
	return nil
}

// InitiateCall places a call to peer in room. An empty room means the joined
// room. Calling a peer that already has a session is logged and ignored.
func (c *Coordinator) InitiateCall(ctx context.Context, peer, room string) error {
	if room == "" {
		room = c.registry.Room()
	}
	if room == "" {
		return ErrNotJoined
	}
	if err := signaling.InitiateCall(peer, room).Validate(); err != nil {
		return fmt.Errorf("coordinator: call %q: %w", peer, err)
	}
	if peer == c.registry.LocalID() {
		return fmt.Errorf("coordinator: call %q: cannot call self", peer)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.route(peer, room, true, (*session).initiate)
}

// HangUp closes the session with peer gracefully. Hanging up a peer without
// a session does nothing.
func (c *Coordinator) HangUp(peer string) {
	c.mu.Lock()
	s := c.sessions[peer]
	c.mu.Unlock()
	if s == nil {
		return
	}
	if s.post(s.hangUp) {
		<-s.done
	}
}

// Shutdown hangs up every session and tells the relay this client is
// leaving. The transport stays open so the caller can flush it.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	c.closing = true
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		if s.post(s.hangUp) {
			<-s.done
		}
	}
	if room := c.registry.Room(); room != "" {
		if err := c.transport.Send(ctx, signaling.Leave(room, c.registry.LocalID())); err != nil {
			c.logger.Debug("coordinator: leave not sent", "err", err)
		}
	}
	c.cancel()
}

// ─── Relay messages ──────────────────────────────────────────────────────────

// Run routes inbound relay messages until the transport closes or ctx is
// cancelled. When the relay link is lost every session fails with an error
// wrapping [signaling.ErrTransportClosed]. Run returns nil after
// [Coordinator.Shutdown] and the transport's error otherwise.
func (c *Coordinator) Run(ctx context.Context) error {
	for m := range c.transport.Receive(ctx) {
		c.dispatch(m)
	}

	err := c.transport.Err()
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		err = signaling.ErrTransportClosed
	}

	c.mu.Lock()
	closing := c.closing
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()
	if closing {
		return nil
	}

	c.logger.Warn("coordinator: relay link lost", "err", err, "sessions", len(sessions))
	for _, s := range sessions {
		if s.post(func() { s.fail(err) }) {
			<-s.done
		}
	}
	return err
}

func (c *Coordinator) dispatch(m signaling.Message) {
	local := c.registry.LocalID()
	switch m.Type {
	case signaling.KindPeerList:
		peers, changed := c.registry.SetPeers(m.Peers)
		c.logger.Debug("coordinator: peer list", "peers", len(peers), "changed", changed)
		c.ui.PeerListUpdated(peers)

	case signaling.KindOffer, signaling.KindAnswer, signaling.KindIceCandidate:
		if m.To != local || m.From == local {
			c.logger.Debug("coordinator: ignoring message for another peer", "kind", m.Type, "to", m.To)
			return
		}
		room := m.RoomID
		if room == "" {
			room = c.registry.Room()
		}
		var err error
		switch m.Type {
		case signaling.KindOffer:
			sdp := m.SDP
			err = c.route(m.From, room, true, func(s *session) { s.handleOffer(sdp) })
		case signaling.KindAnswer:
			sdp := m.SDP
			err = c.route(m.From, room, false, func(s *session) { s.handleAnswer(sdp) })
		default:
			cand := m.Candidate
			err = c.route(m.From, room, false, func(s *session) { s.handleCandidate(cand) })
		}
		if err != nil {
			c.logger.Warn("coordinator: cannot route message", "kind", m.Type, "peer", m.From, "err", err)
		}

	default:
		c.logger.Debug("coordinator: ignoring message", "kind", m.Type)
	}
}

// route queues fn on the session with peer. With create set a missing
// session is created; otherwise the work is dropped.
func (c *Coordinator) route(peer, room string, create bool, fn func(*session)) error {
	// A session can finish between lookup and post; retry once against the
	// table it left behind.
	for range 2 {
		s, err := c.lookup(peer, room, create)
		if err != nil {
			return err
		}
		if s == nil {
			c.logger.Debug("coordinator: no session, dropping", "peer", peer)
			return nil
		}
		if s.post(func() { fn(s) }) {
			return nil
		}
	}
	return fmt.Errorf("coordinator: session with %s is closing", peer)
}

func (c *Coordinator) lookup(peer, room string, create bool) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.sessions[peer]; s != nil {
		return s, nil
	}
	if !create {
		return nil, nil
	}
	if c.closing {
		return nil, errors.New("coordinator: shutting down")
	}
	s, err := c.newSession(peer, room)
	if err != nil {
		return nil, err
	}
	c.sessions[peer] = s
	return s, nil
}

// forget removes s from the table if it is still the session for its peer.
func (c *Coordinator) forget(s *session) {
	c.mu.Lock()
	if c.sessions[s.peer] == s {
		delete(c.sessions, s.peer)
	}
	c.mu.Unlock()
}

type nopUI struct{}

func (nopUI) PeerListUpdated([]string)                        {}
func (nopUI) CallStateChanged(string, negotiate.State, error) {}
func (nopUI) Warning(string, error)                           {}
