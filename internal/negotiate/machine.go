// Package negotiate implements the per-peer offer/answer state machine.
//
// A [Machine] drives one [PeerConnection] through the exchange of session
// descriptions and connectivity candidates. It is safe for concurrent use,
// but callers are expected to serialize the messages of one peer so that
// they are applied in arrival order.
//
// Glare (both sides offering at once) is resolved without coordination: the
// peer whose PeerId sorts lower keeps its offer, the other rolls its own
// offer back and answers.
package negotiate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/peercall/internal/observe"
	"github.com/MrWong99/peercall/internal/signaling"
)

// maxPendingCandidates bounds the candidates held before the remote
// description arrives. The oldest are dropped beyond it.
const maxPendingCandidates = 128

// SDPType tags a session description.
type SDPType int

const (
	SDPOffer SDPType = iota
	SDPAnswer
)

func (t SDPType) String() string {
	if t == SDPAnswer {
		return "answer"
	}
	return "offer"
}

// PeerConnection is the part of a WebRTC peer connection the machine needs.
// CreateOffer and CreateAnswer also apply the description locally.
type PeerConnection interface {
	CreateOffer() (string, error)
	CreateAnswer() (string, error)
	SetRemoteDescription(typ SDPType, sdp string) error
	Rollback() error
	AddICECandidate(candidate string) error
	Close() error
}

// Config holds the identity and collaborators of one [Machine].
type Config struct {
	LocalID  string
	RemoteID string
	Room     string
	Conn     PeerConnection

	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Metrics defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics
}

// Machine is the negotiation state machine for one remote peer.
type Machine struct {
	local, remote, room string
	pc                  PeerConnection
	logger              *slog.Logger
	metrics             *observe.Metrics
	started             time.Time

	mu            sync.Mutex
	state         State
	offerer       bool
	remoteApplied bool
	pending       []string
	remoteOffer   string
	remoteAnswer  string
	err           error
	pcClosed      bool
	listeners     []func(Transition)

	// emitMu keeps listener calls in transition order.
	emitMu sync.Mutex
	outbox []Transition
}

// New returns a Machine in [Idle].
func New(cfg Config) *Machine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Machine{
		local:   cfg.LocalID,
		remote:  cfg.RemoteID,
		room:    cfg.Room,
		pc:      cfg.Conn,
		logger:  logger.With("peer", cfg.RemoteID, "room", cfg.Room),
		metrics: metrics,
		started: time.Now(),
	}
}

// OnTransition registers fn to be called after every state change, in order.
// fn may read the machine but must not drive it.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the failure cause once the machine is [Failed].
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Remote returns the remote PeerId.
func (m *Machine) Remote() string { return m.remote }

// Role reports "offerer" or "answerer" for the current round.
func (m *Machine) Role() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offerer {
		return "offerer"
	}
	return "answerer"
}

// Initiate creates and applies a local offer and returns it for delivery.
// It is only valid from [Idle].
func (m *Machine) Initiate() (signaling.Message, error) {
	m.mu.Lock()
	if m.state != Idle {
		st := m.state
		m.mu.Unlock()
		return signaling.Message{}, fmt.Errorf("%w: state is %s", ErrAlreadyNegotiating, st)
	}
	sdp, err := m.pc.CreateOffer()
	if err != nil {
		m.failLocked(fmt.Errorf("create offer: %w", err))
		return signaling.Message{}, m.errAndEmit()
	}
	m.offerer = true
	tr := m.setLocked(OfferSent)
	m.emit(tr)
	return signaling.Offer(m.room, sdp, m.local, m.remote), nil
}

// HandleOffer applies a remote offer and returns the answer to send back.
// A nil message with a nil error means the offer was ignored: either it is a
// duplicate or this side won glare.
func (m *Machine) HandleOffer(sdp string) (*signaling.Message, error) {
	m.mu.Lock()
	switch m.state {
	case Idle:
	case OfferSent:
		if m.local < m.remote {
			m.mu.Unlock()
			m.logger.Info("negotiate: glare, keeping local offer")
			return nil, nil
		}
		m.logger.Info("negotiate: glare, rolling back local offer")
		if err := m.pc.Rollback(); err != nil {
			m.failLocked(fmt.Errorf("rollback: %w", err))
			return nil, m.errAndEmit()
		}
		m.offerer = false
	case OfferReceived, Answered, Connected:
		if sdp == m.remoteOffer {
			m.mu.Unlock()
			m.logger.Warn("negotiate: ignoring duplicate offer")
			return nil, nil
		}
		if m.state != Connected {
			st := m.state
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: offer while %s", ErrInvalidTransition, st)
		}
		return m.renegotiateLocked(sdp)
	default:
		st := m.state
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: offer while %s", ErrInvalidTransition, st)
	}

	if err := m.pc.SetRemoteDescription(SDPOffer, sdp); err != nil {
		m.failLocked(fmt.Errorf("apply remote offer: %w", err))
		return nil, m.errAndEmit()
	}
	m.remoteOffer = sdp
	m.remoteApplied = true
	received := m.setLocked(OfferReceived)
	m.flushLocked()

	answer, err := m.pc.CreateAnswer()
	if err != nil {
		m.failLocked(fmt.Errorf("create answer: %w", err))
		failed := m.setLocked(Failed)
		ferr := m.err
		m.emit(received, failed)
		return nil, ferr
	}
	answered := m.setLocked(Answered)
	m.emit(received, answered)

	msg := signaling.Answer(m.room, answer, m.local, m.remote)
	return &msg, nil
}

// renegotiateLocked answers a new offer on an established connection. The
// state stays Connected. Called with mu held; releases it.
func (m *Machine) renegotiateLocked(sdp string) (*signaling.Message, error) {
	m.logger.Info("negotiate: renegotiating")
	if err := m.pc.SetRemoteDescription(SDPOffer, sdp); err != nil {
		m.failLocked(fmt.Errorf("apply renegotiation offer: %w", err))
		return nil, m.errAndEmit()
	}
	m.remoteOffer = sdp
	m.offerer = false
	answer, err := m.pc.CreateAnswer()
	if err != nil {
		m.failLocked(fmt.Errorf("create renegotiation answer: %w", err))
		return nil, m.errAndEmit()
	}
	m.mu.Unlock()
	msg := signaling.Answer(m.room, answer, m.local, m.remote)
	return &msg, nil
}

// HandleAnswer applies the remote answer to the local offer. It is only valid
// from [OfferSent]; a repeated answer is ignored.
func (m *Machine) HandleAnswer(sdp string) error {
	m.mu.Lock()
	switch {
	case m.state == OfferSent:
	case (m.state == Answered || m.state == Connected) && sdp == m.remoteAnswer:
		m.mu.Unlock()
		m.logger.Warn("negotiate: ignoring duplicate answer")
		return nil
	default:
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: answer while %s", ErrInvalidTransition, st)
	}

	if err := m.pc.SetRemoteDescription(SDPAnswer, sdp); err != nil {
		m.failLocked(fmt.Errorf("apply remote answer: %w", err))
		return m.errAndEmit()
	}
	m.remoteAnswer = sdp
	m.remoteApplied = true
	m.flushLocked()
	tr := m.setLocked(Answered)
	m.emit(tr)
	return nil
}

// HandleCandidate applies a remote connectivity candidate, or holds it until
// the remote description is applied. Candidates are applied in arrival order.
func (m *Machine) HandleCandidate(candidate string) error {
	m.mu.Lock()
	if m.state == Idle || m.state.Terminal() {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: candidate while %s", ErrInvalidTransition, st)
	}
	if !m.remoteApplied {
		if len(m.pending) == maxPendingCandidates {
			m.pending = m.pending[1:]
			m.logger.Warn("negotiate: candidate buffer full, dropping oldest")
		}
		m.pending = append(m.pending, candidate)
		m.mu.Unlock()
		return nil
	}
	err := m.pc.AddICECandidate(candidate)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("negotiate: add candidate: %w", err)
	}
	return nil
}

// MarkConnected records that the peer connection reports an established
// path. It moves [Answered] to [Connected] and is a no-op otherwise.
func (m *Machine) MarkConnected() {
	m.mu.Lock()
	if m.state != Answered {
		st := m.state
		m.mu.Unlock()
		if st != Connected {
			m.logger.Debug("negotiate: connected report ignored", "state", st)
		}
		return
	}
	role := "answerer"
	if m.offerer {
		role = "offerer"
	}
	tr := m.setLocked(Connected)
	m.emit(tr)
	m.metrics.RecordNegotiation(context.Background(), time.Since(m.started), role)
}

// Fail moves the machine to [Failed] and releases the peer connection. It is
// a no-op once the machine is terminal. The recorded error wraps
// [ErrNegotiationFailed] and reason.
func (m *Machine) Fail(reason error) {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return
	}
	m.failLocked(reason)
	_ = m.errAndEmit()
}

// Close tears the session down gracefully and moves to [Closed]. Closing a
// terminal machine does nothing.
func (m *Machine) Close() error {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return nil
	}
	tr := m.setLocked(Closed)
	err := m.closePCLocked()
	m.emit(tr)
	if err != nil {
		return fmt.Errorf("negotiate: close: %w", err)
	}
	return nil
}

// ─── internals ───────────────────────────────────────────────────────────────

// setLocked changes state and returns the transition to emit.
func (m *Machine) setLocked(to State) Transition {
	tr := Transition{Peer: m.remote, From: m.state, To: to}
	m.state = to
	if to == Failed {
		tr.Err = m.err
	}
	m.logger.Debug("negotiate: transition", "from", tr.From, "state", to)
	m.metrics.RecordCallState(context.Background(), to.String())
	return tr
}

// failLocked records reason and moves to Failed. Called with mu held; the
// caller must follow up with errAndEmit.
func (m *Machine) failLocked(reason error) {
	if !errors.Is(reason, ErrNegotiationFailed) {
		reason = fmt.Errorf("%w: %w", ErrNegotiationFailed, reason)
	}
	m.err = reason
	m.pending = nil
	_ = m.closePCLocked()
	m.logger.Warn("negotiate: failed", "err", reason)
}

// errAndEmit emits the Failed transition recorded by failLocked, releases mu
// and returns the failure.
func (m *Machine) errAndEmit() error {
	tr := m.setLocked(Failed)
	err := m.err
	m.emit(tr)
	return err
}

func (m *Machine) closePCLocked() error {
	if m.pcClosed {
		return nil
	}
	m.pcClosed = true
	return m.pc.Close()
}

// flushLocked applies buffered candidates in arrival order.
func (m *Machine) flushLocked() {
	for _, c := range m.pending {
		if err := m.pc.AddICECandidate(c); err != nil {
			m.logger.Warn("negotiate: buffered candidate rejected", "err", err)
		}
	}
	m.pending = nil
}

// emit queues trs, releases mu and delivers everything queued so far to
// listeners. Lock order is emitMu before mu, so listeners may read the
// machine.
func (m *Machine) emit(trs ...Transition) {
	m.outbox = append(m.outbox, trs...)
	m.mu.Unlock()

	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	m.mu.Lock()
	batch := m.outbox
	m.outbox = nil
	ls := append([]func(Transition){}, m.listeners...)
	m.mu.Unlock()
	for _, tr := range batch {
		for _, fn := range ls {
			fn(tr)
		}
	}
}
