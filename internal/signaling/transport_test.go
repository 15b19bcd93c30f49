package signaling_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/peercall/internal/signaling"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startRelay launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startRelay(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *signaling.Transport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	tr, err := signaling.Dial(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// readFrame reads one text frame from conn and decodes it.
func readFrame(t *testing.T, conn *websocket.Conn) signaling.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("server read: %v", err)
		return signaling.Message{}
	}
	m, err := signaling.Decode(data)
	if err != nil {
		t.Errorf("server decode: %v", err)
	}
	return m
}

func writeRaw(conn *websocket.Conn, typ websocket.MessageType, data string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return conn.Write(ctx, typ, []byte(data))
}

// collect drains Receive into a channel.
func collect(ctx context.Context, tr *signaling.Transport) <-chan signaling.Message {
	ch := make(chan signaling.Message, 16)
	go func() {
		defer close(ch)
		for m := range tr.Receive(ctx) {
			ch <- m
		}
	}()
	return ch
}

func next(t *testing.T, ch <-chan signaling.Message) signaling.Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			t.Fatal("receive stream ended early")
		}
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return signaling.Message{}
}

// ─── Send ────────────────────────────────────────────────────────────────────

func TestSend_PreservesOrder(t *testing.T) {
	t.Parallel()

	got := make(chan signaling.Message, 8)
	srv := startRelay(t, func(conn *websocket.Conn) {
		for range 3 {
			got <- readFrame(t, conn)
		}
	})
	tr := dial(t, srv)
	ctx := context.Background()

	msgs := []signaling.Message{
		signaling.Join("room", "alice"),
		signaling.Offer("room", "v=0", "alice", "bob"),
		signaling.IceCandidate("room", `{"candidate":"c"}`, "alice", "bob"),
	}
	for _, m := range msgs {
		if err := tr.Send(ctx, m); err != nil {
			t.Fatalf("Send(%s): %v", m.Type, err)
		}
	}
	for i, want := range msgs {
		select {
		case m := <-got:
			if m.Type != want.Type {
				t.Errorf("message %d type = %s, want %s", i, m.Type, want.Type)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestSend_CancelledContextDropsMessage(t *testing.T) {
	t.Parallel()

	got := make(chan signaling.Message, 2)
	srv := startRelay(t, func(conn *websocket.Conn) {
		got <- readFrame(t, conn)
	})
	tr := dial(t, srv)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_ = tr.Send(cancelled, signaling.Offer("room", "stale", "alice", "bob"))
	if err := tr.Send(context.Background(), signaling.RequestPeerList("room")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case m := <-got:
		if m.Type != signaling.KindRequestPeerList {
			t.Errorf("first delivered message = %s, want RequestPeerList", m.Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out")
	}
}

func TestSend_InvalidMessage(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, func(conn *websocket.Conn) {
		_, _, _ = conn.Read(context.Background())
	})
	tr := dial(t, srv)

	err := tr.Send(context.Background(), signaling.Message{Type: signaling.KindOffer})
	var se *signaling.SerializationError
	if !errors.As(err, &se) {
		t.Fatalf("Send err = %v, want *SerializationError", err)
	}
	if tr.Err() != nil {
		t.Errorf("transport closed after serialization error: %v", tr.Err())
	}
}

func TestSend_AfterClose(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, func(conn *websocket.Conn) {
		_, _, _ = conn.Read(context.Background())
	})
	tr := dial(t, srv)
	_ = tr.Close()

	err := tr.Send(context.Background(), signaling.RequestPeerList(""))
	if !errors.Is(err, signaling.ErrTransportClosed) {
		t.Fatalf("Send after Close = %v, want ErrTransportClosed", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestClose_FlushesQueuedMessages(t *testing.T) {
	t.Parallel()

	got := make(chan signaling.Message, 1)
	srv := startRelay(t, func(conn *websocket.Conn) {
		got <- readFrame(t, conn)
		_, _, _ = conn.Read(context.Background())
	})
	tr := dial(t, srv)

	if err := tr.Send(context.Background(), signaling.Leave("room", "alice")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_ = tr.Close()

	select {
	case m := <-got:
		if m.Type != signaling.KindLeave {
			t.Errorf("delivered %s, want Leave", m.Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("queued message was not flushed")
	}
}

// ─── Receive ─────────────────────────────────────────────────────────────────

func TestReceive_SkipsMalformedFrames(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, func(conn *websocket.Conn) {
		_ = writeRaw(conn, websocket.MessageText, `not json`)
		_ = writeRaw(conn, websocket.MessageText, `{"type":"Offer"}`)
		_ = writeRaw(conn, websocket.MessageBinary, `{"type":"PeerList","peers":["x"]}`)
		_ = writeRaw(conn, websocket.MessageText, `{"type":"PeerList","peers":["alice","bob"]}`)
		_, _, _ = conn.Read(context.Background())
	})
	tr := dial(t, srv)

	ch := collect(context.Background(), tr)
	m := next(t, ch)
	if m.Type != signaling.KindPeerList || len(m.Peers) != 2 {
		t.Fatalf("got %+v, want two-peer PeerList", m)
	}
	if tr.Err() != nil {
		t.Errorf("transport closed by malformed input: %v", tr.Err())
	}
}

func TestReceive_RemoteCloseFailsTransport(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, func(conn *websocket.Conn) {
		_ = writeRaw(conn, websocket.MessageText, `{"type":"PeerList","peers":["alice"]}`)
		conn.Close(websocket.StatusGoingAway, "relay shutting down")
	})
	tr := dial(t, srv)

	ch := collect(context.Background(), tr)
	next(t, ch)
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected extra message")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("receive stream did not end")
	}

	select {
	case <-tr.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Done not closed")
	}
	if !errors.Is(tr.Err(), signaling.ErrTransportClosed) {
		t.Errorf("Err() = %v, want ErrTransportClosed", tr.Err())
	}
	if err := tr.Send(context.Background(), signaling.RequestPeerList("")); !errors.Is(err, signaling.ErrTransportClosed) {
		t.Errorf("Send = %v, want ErrTransportClosed", err)
	}
}

func TestReceive_OnlyOnce(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, func(conn *websocket.Conn) {
		_ = writeRaw(conn, websocket.MessageText, `{"type":"PeerList","peers":["alice"]}`)
		_, _, _ = conn.Read(context.Background())
	})
	tr := dial(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	first := collect(ctx, tr)
	next(t, first)

	second := collect(context.Background(), tr)
	select {
	case _, ok := <-second:
		if ok {
			t.Fatal("second stream produced a message")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("second stream did not end immediately")
	}

	cancel()
	select {
	case <-first:
	case <-time.After(3 * time.Second):
		t.Fatal("first stream did not end on cancel")
	}
}
