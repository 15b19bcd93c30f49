package relay_test

import (
	"context"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/peercall/internal/relay"
	"github.com/MrWong99/peercall/internal/signaling"
)

func startRelay(t *testing.T) (*relay.Server, string) {
	t.Helper()
	s := relay.New()
	srv := httptest.NewServer(s)
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// peer is a relay client whose inbound messages land on a channel.
type peer struct {
	id    string
	tr    *signaling.Transport
	inbox chan signaling.Message
}

func connect(t *testing.T, url, id string) *peer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	tr, err := signaling.Dial(ctx, url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	p := &peer{id: id, tr: tr, inbox: make(chan signaling.Message, 64)}
	go func() {
		for m := range tr.Receive(context.Background()) {
			p.inbox <- m
		}
		close(p.inbox)
	}()
	t.Cleanup(func() { _ = tr.Close() })
	return p
}

func (p *peer) send(t *testing.T, m signaling.Message) {
	t.Helper()
	if err := p.tr.Send(context.Background(), m); err != nil {
		t.Fatalf("%s: Send(%s): %v", p.id, m.Type, err)
	}
}

func (p *peer) join(t *testing.T, room string) {
	t.Helper()
	p.send(t, signaling.Join(room, p.id))
	p.waitPeers(t, func(peers []string) bool { return slices.Contains(peers, p.id) })
}

// expect returns the next message of kind.
func (p *peer) expect(t *testing.T, kind signaling.Kind) signaling.Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m, ok := <-p.inbox:
			if !ok {
				t.Fatalf("%s: stream ended waiting for %s", p.id, kind)
			}
			if m.Type == kind {
				return m
			}
		case <-deadline:
			t.Fatalf("%s: no %s received", p.id, kind)
			return signaling.Message{}
		}
	}
}

// waitPeers waits for a PeerList satisfying ok.
func (p *peer) waitPeers(t *testing.T, ok func([]string) bool) []string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m, open := <-p.inbox:
			if !open {
				t.Fatalf("%s: stream ended waiting for peer list", p.id)
			}
			if m.Type == signaling.KindPeerList && ok(m.Peers) {
				return m.Peers
			}
		case <-deadline:
			t.Fatalf("%s: expected peer list never arrived", p.id)
			return nil
		}
	}
}

// quiet fails if p receives a message of kind within a short window.
func (p *peer) quiet(t *testing.T, kind signaling.Kind) {
	t.Helper()
	timeout := time.After(100 * time.Millisecond)
	for {
		select {
		case m, ok := <-p.inbox:
			if ok && m.Type == kind {
				t.Errorf("%s: unexpected %s %+v", p.id, kind, m)
			}
		case <-timeout:
			return
		}
	}
}

func TestJoin_BroadcastsPeerList(t *testing.T) {
	t.Parallel()

	s, url := startRelay(t)
	alice := connect(t, url, "alice")
	bob := connect(t, url, "bob")

	alice.join(t, "r1")
	bob.join(t, "r1")

	want := []string{"alice", "bob"}
	got := alice.waitPeers(t, func(p []string) bool { return len(p) == 2 })
	if !slices.Equal(got, want) {
		t.Errorf("alice saw %v, want %v", got, want)
	}
	if got := s.Peers("r1"); !slices.Equal(got, want) {
		t.Errorf("Peers(r1) = %v, want %v", got, want)
	}
}

func TestForward_DeliversToTargetOnly(t *testing.T) {
	t.Parallel()

	_, url := startRelay(t)
	alice := connect(t, url, "alice")
	bob := connect(t, url, "bob")
	carol := connect(t, url, "carol")
	for _, p := range []*peer{alice, bob, carol} {
		p.join(t, "r1")
	}

	alice.send(t, signaling.Offer("r1", "v=0", "alice", "bob"))
	got := bob.expect(t, signaling.KindOffer)
	if got.SDP != "v=0" || got.From != "alice" || got.To != "bob" {
		t.Errorf("bob received %+v", got)
	}
	carol.quiet(t, signaling.KindOffer)
}

func TestForward_DropsSpoofedAndUnjoined(t *testing.T) {
	t.Parallel()

	_, url := startRelay(t)
	alice := connect(t, url, "alice")
	bob := connect(t, url, "bob")
	mallory := connect(t, url, "mallory")
	alice.join(t, "r1")
	bob.join(t, "r1")

	// Not joined yet.
	mallory.send(t, signaling.Offer("r1", "v=0", "mallory", "bob"))
	mallory.join(t, "r1")
	// Claims to be alice.
	mallory.send(t, signaling.Offer("r1", "v=0", "alice", "bob"))

	bob.quiet(t, signaling.KindOffer)
}

func TestRooms_AreIsolated(t *testing.T) {
	t.Parallel()

	_, url := startRelay(t)
	alice := connect(t, url, "alice")
	bob := connect(t, url, "bob")
	alice.join(t, "r1")
	bob.join(t, "r2")

	alice.send(t, signaling.Offer("r1", "v=0", "alice", "bob"))
	bob.quiet(t, signaling.KindOffer)

	alice.send(t, signaling.RequestPeerList(""))
	if got := alice.expect(t, signaling.KindPeerList).Peers; !slices.Equal(got, []string{"alice"}) {
		t.Errorf("r1 members = %v, want [alice]", got)
	}
}

func TestRequestPeerList_AnswersRequester(t *testing.T) {
	t.Parallel()

	_, url := startRelay(t)
	alice := connect(t, url, "alice")
	bob := connect(t, url, "bob")
	alice.join(t, "r1")
	bob.join(t, "r1")

	watcher := connect(t, url, "watcher")
	watcher.send(t, signaling.RequestPeerList("r1"))
	got := watcher.expect(t, signaling.KindPeerList)
	if !slices.Equal(got.Peers, []string{"alice", "bob"}) {
		t.Errorf("peers = %v, want [alice bob]", got.Peers)
	}
}

func TestDisconnect_RebroadcastsList(t *testing.T) {
	t.Parallel()

	s, url := startRelay(t)
	alice := connect(t, url, "alice")
	bob := connect(t, url, "bob")
	alice.join(t, "r1")
	bob.join(t, "r1")
	alice.waitPeers(t, func(p []string) bool { return len(p) == 2 })

	if err := bob.tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	alice.waitPeers(t, func(p []string) bool { return slices.Equal(p, []string{"alice"}) })
	if got := s.Peers("r1"); !slices.Equal(got, []string{"alice"}) {
		t.Errorf("Peers(r1) = %v after disconnect", got)
	}
}

func TestLeave_RebroadcastsList(t *testing.T) {
	t.Parallel()

	_, url := startRelay(t)
	alice := connect(t, url, "alice")
	bob := connect(t, url, "bob")
	alice.join(t, "r1")
	bob.join(t, "r1")

	bob.send(t, signaling.Leave("r1", "bob"))
	alice.waitPeers(t, func(p []string) bool { return slices.Equal(p, []string{"alice"}) })
}

func TestJoin_DuplicatePeerIDRejected(t *testing.T) {
	t.Parallel()

	s, url := startRelay(t)
	first := connect(t, url, "alice")
	first.join(t, "r1")

	second := connect(t, url, "alice")
	second.send(t, signaling.Join("r1", "alice"))
	second.send(t, signaling.RequestPeerList("r1"))
	second.expect(t, signaling.KindPeerList)

	second.send(t, signaling.Offer("r1", "v=0", "alice", "alice"))
	first.quiet(t, signaling.KindOffer)
	if got := s.Peers("r1"); !slices.Equal(got, []string{"alice"}) {
		t.Errorf("Peers(r1) = %v", got)
	}
}
