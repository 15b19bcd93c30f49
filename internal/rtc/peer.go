// Package rtc adapts pion/webrtc peer connections to the negotiation state
// machine and the media bridge.
//
// Every [Peer] carries exactly one Opus audio track in each direction.
// Connectivity candidates travel as the JSON form of an RTCIceCandidateInit.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/MrWong99/peercall/internal/negotiate"
	"github.com/MrWong99/peercall/pkg/audio"
	"github.com/MrWong99/peercall/pkg/audio/jitter"
	"github.com/MrWong99/peercall/pkg/audio/opus"
)

// opusPayloadType is the dynamic RTP payload type announced for Opus.
const opusPayloadType = 111

// ErrPeerClosed is returned by media calls on a closed [Peer].
var ErrPeerClosed = errors.New("rtc: peer closed")

// ErrConnectivityFailed is reported when ICE gives up on every candidate pair.
var ErrConnectivityFailed = errors.New("rtc: connectivity failed")

// Config holds the settings shared by every peer connection.
type Config struct {
	// ICEServers are the STUN and TURN servers used for gathering.
	ICEServers []webrtc.ICEServer

	// Format is the audio format carried on the wire. It must be a valid
	// Opus format.
	Format audio.Format

	// Loopback restricts gathering to IPv4 UDP including loopback addresses,
	// which lets two peers in one process connect without a network.
	Loopback bool

	// DisconnectedTimeout and FailedTimeout tune ICE liveness. Zero keeps
	// pion's defaults.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration

	// Logger defaults to slog.Default. pion's internal logging is routed to
	// it as well.
	Logger *slog.Logger
}

// API builds [Peer]s that share one media and setting engine.
type API struct {
	api    *webrtc.API
	format audio.Format
	logger *slog.Logger

	mu     sync.RWMutex
	config webrtc.Configuration
}

// NewAPI validates cfg and prepares the pion engines.
func NewAPI(cfg Config) (*API, error) {
	if err := opus.CheckFormat(cfg.Format); err != nil {
		return nil, fmt.Errorf("rtc: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: opusCapability(),
		PayloadType:        opusPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("rtc: register opus: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: LoggerFactory{Logger: logger}}
	if cfg.Loopback {
		se.SetIncludeLoopbackCandidate(true)
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}
	if cfg.DisconnectedTimeout > 0 || cfg.FailedTimeout > 0 {
		disc, failed := cfg.DisconnectedTimeout, cfg.FailedTimeout
		if disc <= 0 {
			disc = 5 * time.Second
		}
		if failed <= 0 {
			failed = 25 * time.Second
		}
		se.SetICETimeouts(disc, failed, 2*time.Second)
	}

	return &API{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se)),
		config: webrtc.Configuration{ICEServers: cfg.ICEServers},
		format: cfg.Format,
		logger: logger,
	}, nil
}

// Format returns the wire audio format.
func (a *API) Format() audio.Format { return a.format }

// SetICEServers replaces the STUN and TURN servers. Peers created before the
// call keep the servers they were built with.
func (a *API) SetICEServers(servers []webrtc.ICEServer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.config.ICEServers = servers
}

// opusCapability describes Opus as RFC 7587 requires: 48 kHz clock and two
// channels in the SDP regardless of the encoded channel count.
func opusCapability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}
}

// Events are the asynchronous notifications of one [Peer]. They are invoked
// on pion goroutines and must not block.
type Events struct {
	// Candidate receives every locally gathered candidate, JSON encoded.
	Candidate func(candidate string)
	// Connected fires each time the connection reaches the connected state.
	Connected func()
	// Failed fires once connectivity is lost for good.
	Failed func(err error)
}

// Peer is one pion peer connection with a local Opus track.
//
// The underlying connection is replaced when a local offer is rolled back,
// so events and media always refer to the current connection.
type Peer struct {
	api      *API
	ev       Events
	frameDur time.Duration
	logger   *slog.Logger

	mu    sync.RWMutex
	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticSample

	remoteOnce  sync.Once
	remoteReady chan struct{}
	remote      *webrtc.TrackRemote

	failOnce  sync.Once
	closeOnce sync.Once
	closed    chan struct{}
}

var _ negotiate.PeerConnection = (*Peer)(nil)

// NewPeer creates a peer connection for talking to remote.
func (a *API) NewPeer(remote string, ev Events) (*Peer, error) {
	p := &Peer{
		api:         a,
		ev:          ev,
		frameDur:    a.format.FrameDuration,
		logger:      a.logger.With("peer", remote),
		remoteReady: make(chan struct{}),
		closed:      make(chan struct{}),
	}
	pc, track, err := p.connect()
	if err != nil {
		return nil, err
	}
	p.pc, p.track = pc, track
	return p, nil
}

// connect builds a pion connection with a fresh local track and wires its
// callbacks to p. Callbacks of a connection that is no longer current are
// dropped.
func (p *Peer) connect() (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	p.api.mu.RLock()
	config := p.api.config
	p.api.mu.RUnlock()
	pc, err := p.api.api.NewPeerConnection(config)
	if err != nil {
		return nil, nil, fmt.Errorf("rtc: new peer connection: %w", err)
	}
	track, err := webrtc.NewTrackLocalStaticSample(opusCapability(), "audio", "peercall-"+uuid.NewString())
	if err != nil {
		_ = pc.Close()
		return nil, nil, fmt.Errorf("rtc: new track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, nil, fmt.Errorf("rtc: add track: %w", err)
	}

	// RTCP must be drained for the sender's interceptors to make progress.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || p.ev.Candidate == nil || !p.current(pc) {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			p.logger.Warn("rtc: encode candidate", "err", err)
			return
		}
		p.ev.Candidate(string(data))
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if !p.current(pc) {
			return
		}
		p.logger.Debug("rtc: connection state", "state", s.String())
		switch s {
		case webrtc.PeerConnectionStateConnected:
			if p.ev.Connected != nil {
				p.ev.Connected()
			}
		case webrtc.PeerConnectionStateDisconnected:
			p.logger.Warn("rtc: connection interrupted, waiting for ICE to recover")
		case webrtc.PeerConnectionStateFailed:
			if p.ev.Failed != nil {
				p.failOnce.Do(func() { p.ev.Failed(ErrConnectivityFailed) })
			}
		}
	})

	pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if t.Kind() != webrtc.RTPCodecTypeAudio || !p.current(pc) {
			return
		}
		p.remoteOnce.Do(func() {
			p.logger.Info("rtc: remote audio track", "codec", t.Codec().MimeType, "ssrc", uint32(t.SSRC()))
			p.remote = t
			close(p.remoteReady)
		})
	})

	return pc, track, nil
}

func (p *Peer) current(pc *webrtc.PeerConnection) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pc == pc
}

func (p *Peer) conn() *webrtc.PeerConnection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pc
}

// ─── negotiate.PeerConnection ────────────────────────────────────────────────

// CreateOffer implements [negotiate.PeerConnection].
func (p *Peer) CreateOffer() (string, error) {
	pc := p.conn()
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("rtc: create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("rtc: set local offer: %w", err)
	}
	return offer.SDP, nil
}

// CreateAnswer implements [negotiate.PeerConnection].
func (p *Peer) CreateAnswer() (string, error) {
	pc := p.conn()
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("rtc: create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("rtc: set local answer: %w", err)
	}
	return answer.SDP, nil
}

// SetRemoteDescription implements [negotiate.PeerConnection].
func (p *Peer) SetRemoteDescription(typ negotiate.SDPType, sdp string) error {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if typ == negotiate.SDPAnswer {
		desc.Type = webrtc.SDPTypeAnswer
	}
	if err := p.conn().SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("rtc: set remote %s: %w", typ, err)
	}
	return nil
}

// Rollback implements [negotiate.PeerConnection]. pion does not support
// rolling back a local offer, so the connection is replaced by a new one
// with its own local track. Candidates the old connection gathered become
// unusable and the remote side ignores them.
func (p *Peer) Rollback() error {
	select {
	case <-p.closed:
		return ErrPeerClosed
	default:
	}
	pc, track, err := p.connect()
	if err != nil {
		return fmt.Errorf("rtc: rollback: %w", err)
	}
	p.mu.Lock()
	old := p.pc
	p.pc, p.track = pc, track
	p.mu.Unlock()
	if err := old.Close(); err != nil {
		p.logger.Debug("rtc: close rolled back connection", "err", err)
	}
	select {
	case <-p.closed:
		// Close ran concurrently and may have missed the new connection.
		_ = pc.Close()
		return ErrPeerClosed
	default:
	}
	p.logger.Info("rtc: local offer rolled back")
	return nil
}

// AddICECandidate implements [negotiate.PeerConnection]. candidate is the JSON
// form of an RTCIceCandidateInit.
func (p *Peer) AddICECandidate(candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return fmt.Errorf("rtc: decode candidate: %w", err)
	}
	if err := p.conn().AddICECandidate(init); err != nil {
		return fmt.Errorf("rtc: add candidate: %w", err)
	}
	return nil
}

// Close implements [negotiate.PeerConnection]. It unblocks pending media
// calls. Safe to call more than once.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.conn().Close()
	})
	return err
}

// ─── media ───────────────────────────────────────────────────────────────────

// WriteSample sends one encoded Opus frame.
func (p *Peer) WriteSample(payload []byte) error {
	select {
	case <-p.closed:
		return ErrPeerClosed
	default:
	}
	p.mu.RLock()
	track := p.track
	p.mu.RUnlock()
	return track.WriteSample(media.Sample{Data: payload, Duration: p.frameDur})
}

// ReadPacket blocks until the next RTP packet of the remote audio track
// arrives, ctx is cancelled or the peer is closed.
func (p *Peer) ReadPacket(ctx context.Context) (jitter.Packet, error) {
	select {
	case <-p.remoteReady:
	case <-p.closed:
		return jitter.Packet{}, ErrPeerClosed
	case <-ctx.Done():
		return jitter.Packet{}, ctx.Err()
	}

	_ = p.remote.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = p.remote.SetReadDeadline(time.Now())
	})
	defer stop()

	pkt, _, err := p.remote.ReadRTP()
	if err != nil {
		if ctx.Err() != nil {
			return jitter.Packet{}, ctx.Err()
		}
		return jitter.Packet{}, fmt.Errorf("rtc: read rtp: %w", err)
	}
	return jitter.Packet{
		Seq:       pkt.SequenceNumber,
		Timestamp: pkt.Timestamp,
		Payload:   pkt.Payload,
	}, nil
}
