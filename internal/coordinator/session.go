package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/peercall/internal/bridge"
	"github.com/MrWong99/peercall/internal/negotiate"
	"github.com/MrWong99/peercall/internal/observe"
	"github.com/MrWong99/peercall/internal/rtc"
	"github.com/MrWong99/peercall/internal/signaling"
	"github.com/MrWong99/peercall/pkg/audio"
)

// mailbox is an unbounded FIFO of work for one session. Posting never
// blocks, so pion callbacks can feed it directly.
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

// post queues fn and reports whether the mailbox still accepts work.
func (mb *mailbox) post(fn func()) bool {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return false
	}
	mb.queue = append(mb.queue, fn)
	mb.mu.Unlock()
	select {
	case mb.notify <- struct{}{}:
	default:
	}
	return true
}

// close stops accepting work and discards anything still queued.
func (mb *mailbox) close() {
	mb.mu.Lock()
	mb.closed = true
	mb.queue = nil
	mb.mu.Unlock()
	select {
	case mb.notify <- struct{}{}:
	default:
	}
}

// next blocks for the next item. It returns false once the mailbox is closed.
func (mb *mailbox) next() (func(), bool) {
	for {
		mb.mu.Lock()
		if mb.closed {
			mb.mu.Unlock()
			return nil, false
		}
		if len(mb.queue) > 0 {
			fn := mb.queue[0]
			mb.queue[0] = nil
			mb.queue = mb.queue[1:]
			mb.mu.Unlock()
			return fn, true
		}
		mb.mu.Unlock()
		<-mb.notify
	}
}

// session is one PeerSession: a negotiation machine, its peer connection and
// the media binding while connected. Every field below mb is owned by the
// mailbox goroutine.
type session struct {
	c       *Coordinator
	peer    string
	room    string
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	mb      *mailbox
	done    chan struct{}
	machine *negotiate.Machine
	conn    Peer

	binding  *bridge.Binding
	timer    *time.Timer
	released bool
}

func (c *Coordinator) newSession(peer, room string) (*session, error) {
	ctx, cancel := context.WithCancel(c.ctx)
	s := &session{
		c:      c,
		peer:   peer,
		room:   room,
		logger: c.logger.With("peer", peer, "room", room),
		ctx:    ctx,
		cancel: cancel,
		mb:     newMailbox(),
		done:   make(chan struct{}),
	}
	conn, err := c.newPeer(peer, rtc.Events{
		Candidate: func(cand string) { s.post(func() { s.sendCandidate(cand) }) },
		Connected: func() { s.post(s.connected) },
		Failed:    func(err error) { s.post(func() { s.machine.Fail(err) }) },
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("coordinator: new peer %s: %w", peer, err)
	}
	s.conn = conn
	s.machine = negotiate.New(negotiate.Config{
		LocalID:  c.registry.LocalID(),
		RemoteID: peer,
		Room:     room,
		Conn:     conn,
		Logger:   c.logger,
		Metrics:  c.metrics,
	})
	s.machine.OnTransition(s.onTransition)
	s.timer = time.AfterFunc(c.timeout, func() { s.post(s.timedOut) })

	c.metrics.ActiveSessions.Add(ctx, 1)
	go s.run()
	return s, nil
}

func (s *session) post(fn func()) bool { return s.mb.post(fn) }

func (s *session) run() {
	defer close(s.done)
	for {
		fn, ok := s.mb.next()
		if !ok {
			return
		}
		fn()
	}
}

// ─── Mailbox work ────────────────────────────────────────────────────────────

func (s *session) initiate() {
	ctx, span := observe.StartPeerSpan(s.ctx, "negotiate.initiate", s.peer, s.room)
	defer span.End()
	log := observe.Logger(ctx, s.logger)
	offer, err := s.machine.Initiate()
	if err != nil {
		if errors.Is(err, negotiate.ErrAlreadyNegotiating) {
			log.Info("coordinator: call already in progress", "state", s.machine.State())
			return
		}
		span.RecordError(err)
		log.Warn("coordinator: cannot create offer", "err", err)
		return
	}
	log.Debug("coordinator: sending offer")
	s.send(ctx, offer)
}

func (s *session) handleOffer(sdp string) {
	ctx, span := observe.StartPeerSpan(s.ctx, "negotiate.offer", s.peer, s.room)
	defer span.End()
	log := observe.Logger(ctx, s.logger)
	answer, err := s.machine.HandleOffer(sdp)
	if err != nil {
		span.RecordError(err)
		s.logIgnored(log, "offer", err)
		return
	}
	if answer == nil {
		log.Debug("coordinator: offer ignored", "state", s.machine.State())
		return
	}
	log.Debug("coordinator: sending answer")
	s.send(ctx, *answer)
}

func (s *session) handleAnswer(sdp string) {
	ctx, span := observe.StartPeerSpan(s.ctx, "negotiate.answer", s.peer, s.room)
	defer span.End()
	if err := s.machine.HandleAnswer(sdp); err != nil {
		span.RecordError(err)
		s.logIgnored(observe.Logger(ctx, s.logger), "answer", err)
	}
}

func (s *session) handleCandidate(cand string) {
	if err := s.machine.HandleCandidate(cand); err != nil {
		s.logIgnored(s.logger, "candidate", err)
	}
}

func (s *session) sendCandidate(cand string) {
	if s.machine.State().Terminal() {
		return
	}
	s.send(s.ctx, signaling.IceCandidate(s.room, cand, s.c.registry.LocalID(), s.peer))
}

func (s *session) connected() {
	s.machine.MarkConnected()
}

func (s *session) timedOut() {
	st := s.machine.State()
	if st == negotiate.Connected || st.Terminal() {
		return
	}
	s.machine.Fail(fmt.Errorf("not connected after %s", s.c.timeout))
}

func (s *session) hangUp() {
	if err := s.machine.Close(); err != nil {
		s.logger.Debug("coordinator: close peer connection", "err", err)
	}
}

func (s *session) fail(err error) {
	s.machine.Fail(err)
}

func (s *session) logIgnored(log *slog.Logger, what string, err error) {
	switch {
	case errors.Is(err, negotiate.ErrInvalidTransition), errors.Is(err, negotiate.ErrAlreadyNegotiating):
		log.Warn("coordinator: ignoring "+what, "state", s.machine.State(), "err", err)
	default:
		log.Warn("coordinator: "+what+" failed", "err", err)
	}
}

// send forwards m through the transport. A closed transport fails the
// session; an unencodable message is dropped.
func (s *session) send(ctx context.Context, m signaling.Message) {
	err := s.c.transport.Send(ctx, m)
	if err == nil {
		return
	}
	var serr *signaling.SerializationError
	switch {
	case errors.As(err, &serr):
		s.logger.Warn("coordinator: dropping unencodable message", "kind", m.Type, "err", err)
	case errors.Is(err, signaling.ErrTransportClosed):
		s.machine.Fail(err)
	default:
		s.logger.Debug("coordinator: message not sent", "kind", m.Type, "err", err)
	}
}

// ─── Transitions ─────────────────────────────────────────────────────────────

// onTransition runs on the mailbox goroutine, inside the machine call that
// caused the change. The UI hears about Connected once audio is bound and
// about a terminal state once the session is torn down.
func (s *session) onTransition(tr negotiate.Transition) {
	s.logger.Info("coordinator: call state", "from", tr.From, "state", tr.To)
	switch {
	case tr.To == negotiate.Connected:
		s.timer.Stop()
		s.activate()
	case tr.To.Terminal():
		s.release()
	}
	s.c.ui.CallStateChanged(s.peer, tr.To, tr.Err)
}

func (s *session) activate() {
	br := s.c.bridge
	if br == nil {
		return
	}
	bd, err := br.Activate(s.peer, s.conn)
	if err != nil {
		s.logger.Warn("coordinator: audio not connected", "err", err)
		if errors.Is(err, audio.ErrFormatMismatch) {
			s.post(func() { s.fail(err) })
			return
		}
		s.c.ui.Warning(s.peer, err)
		return
	}
	s.binding = bd
}

// release tears the session down once its machine is terminal. The binding
// is gone before release returns.
func (s *session) release() {
	if s.released {
		return
	}
	s.released = true
	s.timer.Stop()
	if s.binding != nil {
		s.binding.Deactivate()
		s.binding = nil
	}
	s.c.forget(s)
	s.cancel()
	s.mb.close()
	s.c.metrics.ActiveSessions.Add(context.Background(), -1)
}
