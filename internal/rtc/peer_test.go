package rtc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/peercall/internal/negotiate"
	"github.com/MrWong99/peercall/pkg/audio"
	"github.com/MrWong99/peercall/pkg/audio/opus"
)

func newTestAPI(t *testing.T) *API {
	t.Helper()
	api, err := NewAPI(Config{Format: audio.DefaultFormat, Loopback: true})
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	return api
}

func TestNewAPI_RejectsNonOpusFormat(t *testing.T) {
	t.Parallel()

	_, err := NewAPI(Config{Format: audio.Format{SampleRate: 44100, Channels: 1, FrameDuration: 20 * time.Millisecond}})
	if err == nil {
		t.Fatal("NewAPI accepted 44.1 kHz")
	}
}

func TestPeer_AddICECandidateInvalid(t *testing.T) {
	t.Parallel()

	p, err := newTestAPI(t).NewPeer("bob", Events{})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })

	if err := p.AddICECandidate("{not json"); err == nil {
		t.Error("AddICECandidate accepted malformed JSON")
	}
}

func TestPeer_CloseUnblocksMedia(t *testing.T) {
	t.Parallel()

	p, err := newTestAPI(t).NewPeer("bob", Events{})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.ReadPacket(context.Background())
		done <- err
	}()
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrPeerClosed) {
			t.Errorf("ReadPacket = %v, want ErrPeerClosed", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("ReadPacket still blocked after Close")
	}
	if err := p.WriteSample([]byte{0xf8}); !errors.Is(err, ErrPeerClosed) {
		t.Errorf("WriteSample = %v, want ErrPeerClosed", err)
	}
}

func TestPeer_ReadPacketHonoursContext(t *testing.T) {
	t.Parallel()

	p, err := newTestAPI(t).NewPeer("bob", Events{})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.ReadPacket(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ReadPacket = %v, want DeadlineExceeded", err)
	}
}

func TestPeer_RollbackReplacesLocalOffer(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t)
	p, err := api.NewPeer("alice", Events{})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	other, err := api.NewPeer("bob", Events{})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	t.Cleanup(func() { _ = other.Close() })

	if _, err := p.CreateOffer(); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	remoteOffer, err := other.CreateOffer()
	if err != nil {
		t.Fatalf("remote CreateOffer: %v", err)
	}

	before := p.conn()
	if err := p.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if p.conn() == before {
		t.Error("Rollback kept the old connection")
	}
	if err := p.SetRemoteDescription(negotiate.SDPOffer, remoteOffer); err != nil {
		t.Fatalf("SetRemoteDescription after rollback: %v", err)
	}
	if _, err := p.CreateAnswer(); err != nil {
		t.Fatalf("CreateAnswer after rollback: %v", err)
	}
}

func TestPeer_RollbackAfterClose(t *testing.T) {
	t.Parallel()

	p, err := newTestAPI(t).NewPeer("bob", Events{})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	_ = p.Close()
	if err := p.Rollback(); !errors.Is(err, ErrPeerClosed) {
		t.Errorf("Rollback = %v, want ErrPeerClosed", err)
	}
}

// ─── end to end ──────────────────────────────────────────────────────────────

type endpoint struct {
	peer       *Peer
	machine    *negotiate.Machine
	candidates chan string
	connected  chan struct{}
}

func newEndpoint(t *testing.T, api *API, local, remote string) *endpoint {
	t.Helper()
	ep := &endpoint{
		candidates: make(chan string, 64),
		connected:  make(chan struct{}),
	}
	var once sync.Once
	p, err := api.NewPeer(remote, Events{
		Candidate: func(c string) { ep.candidates <- c },
		Connected: func() {
			ep.machine.MarkConnected()
			once.Do(func() { close(ep.connected) })
		},
	})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	ep.peer = p
	ep.machine = negotiate.New(negotiate.Config{LocalID: local, RemoteID: remote, Room: "r1", Conn: p})
	t.Cleanup(func() { _ = ep.machine.Close() })
	return ep
}

// forward applies every candidate gathered by from to the machine of to.
func forward(t *testing.T, from, to *endpoint) {
	t.Helper()
	go func() {
		for c := range from.candidates {
			if err := to.machine.HandleCandidate(c); err != nil && to.machine.State().Terminal() {
				return
			}
		}
	}()
}

func TestPeers_ConnectAndCarryAudio(t *testing.T) {
	if testing.Short() {
		t.Skip("opens UDP sockets")
	}
	t.Parallel()

	api := newTestAPI(t)
	a := newEndpoint(t, api, "alice", "bob")
	b := newEndpoint(t, api, "bob", "alice")

	offer, err := a.machine.Initiate()
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	answer, err := b.machine.HandleOffer(offer.SDP)
	if err != nil || answer == nil {
		t.Fatalf("HandleOffer = %v, %v", answer, err)
	}
	if err := a.machine.HandleAnswer(answer.SDP); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
	forward(t, a, b)
	forward(t, b, a)

	for name, ep := range map[string]*endpoint{"alice": a, "bob": b} {
		select {
		case <-ep.connected:
		case <-time.After(15 * time.Second):
			t.Fatalf("%s never connected", name)
		}
	}
	if a.machine.State() != negotiate.Connected || b.machine.State() != negotiate.Connected {
		t.Fatalf("states: alice=%s bob=%s", a.machine.State(), b.machine.State())
	}

	enc, err := opus.NewEncoder(audio.DefaultFormat, 32000)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	payload, err := enc.Encode(make([]int16, audio.DefaultFormat.FrameSamples()))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() {
		tick := time.NewTicker(audio.DefaultFormat.FrameDuration)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				_ = a.peer.WriteSample(payload)
			}
		}
	}()

	pkt, err := b.peer.ReadPacket(ctx)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if len(pkt.Payload) == 0 {
		t.Error("received empty payload")
	}
}

func TestPeers_GlareConnects(t *testing.T) {
	if testing.Short() {
		t.Skip("opens UDP sockets")
	}
	t.Parallel()

	api := newTestAPI(t)
	a := newEndpoint(t, api, "alice", "bob")
	b := newEndpoint(t, api, "bob", "alice")

	offerA, err := a.machine.Initiate()
	if err != nil {
		t.Fatalf("alice Initiate: %v", err)
	}
	offerB, err := b.machine.Initiate()
	if err != nil {
		t.Fatalf("bob Initiate: %v", err)
	}

	// alice sorts lower and keeps her offer.
	if ans, err := a.machine.HandleOffer(offerB.SDP); err != nil || ans != nil {
		t.Fatalf("alice HandleOffer = %v, %v; want ignored", ans, err)
	}
	answer, err := b.machine.HandleOffer(offerA.SDP)
	if err != nil || answer == nil {
		t.Fatalf("bob HandleOffer = %v, %v", answer, err)
	}
	if err := a.machine.HandleAnswer(answer.SDP); err != nil {
		t.Fatalf("alice HandleAnswer: %v", err)
	}
	forward(t, a, b)
	forward(t, b, a)

	for name, ep := range map[string]*endpoint{"alice": a, "bob": b} {
		select {
		case <-ep.connected:
		case <-time.After(15 * time.Second):
			t.Fatalf("%s never connected (state %s)", name, ep.machine.State())
		}
	}
	if a.machine.Role() != "offerer" || b.machine.Role() != "answerer" {
		t.Errorf("roles: alice=%s bob=%s", a.machine.Role(), b.machine.Role())
	}
}
