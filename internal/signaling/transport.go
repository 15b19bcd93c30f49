package signaling

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/peercall/internal/observe"
)

// readLimit bounds a single inbound frame. It leaves headroom over the
// largest valid SDP for the JSON envelope.
const readLimit = 2 * MaxSDPBytes

const (
	defaultQueueSize    = 64
	defaultWriteTimeout = 5 * time.Second
	drainTimeout        = 2 * time.Second
)

// Option configures a [Transport].
type Option func(*Transport)

// WithLogger sets the logger used for dropped and malformed messages.
// Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Transport) {
		if m != nil {
			t.metrics = m
		}
	}
}

// WithQueueSize sets how many outbound messages may wait for the writer.
// Values below 1 are ignored.
func WithQueueSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.queueSize = n
		}
	}
}

// WithWriteTimeout bounds a single websocket write. A write that exceeds it
// closes the transport.
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.writeTimeout = d
		}
	}
}

type outbound struct {
	ctx  context.Context
	data []byte
	kind Kind
}

// Transport is a full-duplex link to the signaling relay.
//
// Outbound messages pass through a queue drained by a single writer goroutine,
// so concurrent Send calls are safe and never interleave frames. A message
// whose context is cancelled before the writer reaches it is dropped. Once
// the link fails, the transport is permanently closed: every later Send
// returns an error wrapping [ErrTransportClosed].
type Transport struct {
	conn         *websocket.Conn
	logger       *slog.Logger
	metrics      *observe.Metrics
	queueSize    int
	writeTimeout time.Duration

	out        chan outbound
	closed     chan struct{}
	writerDone chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc

	mu       sync.Mutex
	err      error
	graceful bool

	closeOnce sync.Once
	receiving atomic.Bool
}

// Dial connects to the relay at url and returns a ready [Transport].
func Dial(ctx context.Context, url string, opts ...Option) (*Transport, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("signaling: dial %s: %w", url, err)
	}
	return New(conn, opts...), nil
}

// New wraps an established websocket connection. The transport takes
// ownership of conn.
func New(conn *websocket.Conn, opts ...Option) *Transport {
	t := &Transport{
		conn:         conn,
		logger:       slog.Default(),
		queueSize:    defaultQueueSize,
		writeTimeout: defaultWriteTimeout,
		closed:       make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	conn.SetReadLimit(readLimit)
	t.out = make(chan outbound, t.queueSize)
	t.ctx, t.cancel = context.WithCancel(context.Background())
	go t.writeLoop()
	return t
}

// Send validates and queues m for delivery. It returns a
// [*SerializationError] if m cannot be encoded and an error wrapping
// [ErrTransportClosed] once the link is down. Cancelling ctx after Send
// returns drops m if it has not been written yet.
func (t *Transport) Send(ctx context.Context, m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	select {
	case <-t.closed:
		return t.Err()
	default:
	}
	select {
	case t.out <- outbound{ctx: ctx, data: data, kind: m.Type}:
		return nil
	case <-t.closed:
		return t.Err()
	case <-ctx.Done():
		t.metrics.RecordSignalingDrop(ctx, "cancelled")
		return ctx.Err()
	}
}

// Receive returns the stream of inbound messages. Malformed frames are logged
// and skipped. The stream ends when the link fails, when the transport is
// closed, or when ctx is cancelled; cancelling ctx also closes the transport.
//
// The stream can only be consumed once. Later calls return an empty stream.
func (t *Transport) Receive(ctx context.Context) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		if !t.receiving.CompareAndSwap(false, true) {
			t.logger.Warn("signaling: receive stream already consumed")
			return
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(t.ctx, cancel)
		defer stop()

		for {
			typ, data, err := t.conn.Read(ctx)
			if err != nil {
				t.fail(fmt.Errorf("%w: read: %w", ErrTransportClosed, err))
				return
			}
			if typ != websocket.MessageText {
				t.logger.Warn("signaling: ignoring binary frame", "bytes", len(data))
				t.metrics.RecordSignalingDrop(ctx, "binary")
				continue
			}
			m, err := Decode(data)
			if err != nil {
				t.logger.Warn("signaling: dropping malformed message", "err", err)
				t.metrics.RecordSignalingDrop(ctx, "malformed")
				continue
			}
			t.metrics.RecordSignalingMessage(ctx, "in", string(m.Type))
			if !yield(m) {
				return
			}
		}
	}
}

// Err returns the reason the transport closed, or nil while it is open.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed once the transport is closed for any reason.
func (t *Transport) Done() <-chan struct{} { return t.closed }

// Close flushes queued messages for a short while, then closes the link with
// a normal closure. Safe to call more than once.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.graceful = true
	t.mu.Unlock()
	t.shutdown(ErrTransportClosed)
	<-t.writerDone

	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close(websocket.StatusNormalClosure, "bye")
		t.cancel()
	})
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// fail records err and tears the link down without a close handshake.
func (t *Transport) fail(err error) {
	if !t.shutdown(err) {
		return
	}
	t.logger.Warn("signaling: transport closed", "err", err)
	t.closeOnce.Do(func() {
		t.cancel()
		_ = t.conn.CloseNow()
	})
}

// shutdown marks the transport closed with err. It reports whether this call
// performed the transition.
func (t *Transport) shutdown(err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return false
	}
	t.err = err
	close(t.closed)
	return true
}

func (t *Transport) writeLoop() {
	defer close(t.writerDone)
	for {
		select {
		case ob := <-t.out:
			if err := t.write(ob, t.writeTimeout); err != nil {
				t.fail(fmt.Errorf("%w: write: %w", ErrTransportClosed, err))
				return
			}
		case <-t.closed:
			t.mu.Lock()
			graceful := t.graceful
			t.mu.Unlock()
			if graceful {
				t.drain()
			}
			return
		}
	}
}

// drain writes whatever is still queued, bounded by drainTimeout overall.
func (t *Transport) drain() {
	deadline := time.Now().Add(drainTimeout)
	for {
		select {
		case ob := <-t.out:
			left := time.Until(deadline)
			if left <= 0 {
				t.metrics.RecordSignalingDrop(context.Background(), "closed")
				continue
			}
			if err := t.write(ob, left); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (t *Transport) write(ob outbound, timeout time.Duration) error {
	if ob.ctx.Err() != nil {
		t.logger.Debug("signaling: dropping cancelled message", "kind", ob.kind)
		t.metrics.RecordSignalingDrop(context.Background(), "cancelled")
		return nil
	}
	ctx, cancel := context.WithTimeout(t.ctx, timeout)
	defer cancel()
	if err := t.conn.Write(ctx, websocket.MessageText, ob.data); err != nil {
		return err
	}
	t.metrics.RecordSignalingMessage(ctx, "out", string(ob.kind))
	return nil
}
