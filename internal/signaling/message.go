// Package signaling implements the relay wire protocol and the websocket
// transport that carries it.
//
// Every frame on the wire is one JSON text message tagged by "type". The
// relay forwards messages between members of a room; it never inspects SDP or
// candidate payloads.
package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Kind tags a [Message].
type Kind string

const (
	KindJoin            Kind = "Join"
	KindLeave           Kind = "Leave"
	KindPeerList        Kind = "PeerList"
	KindOffer           Kind = "Offer"
	KindAnswer          Kind = "Answer"
	KindIceCandidate    Kind = "IceCandidate"
	KindRequestPeerList Kind = "RequestPeerList"
	KindInitiateCall    Kind = "InitiateCall"
)

// Size limits applied to every decoded and encoded message.
const (
	MaxIDBytes        = 256
	MaxSDPBytes       = 64 << 10
	MaxCandidateBytes = 4 << 10
	MaxPeers          = 1024
)

// Message is the tagged union exchanged with the relay. Only the fields that
// belong to Type are set; [Message.Validate] rejects anything else.
type Message struct {
	Type      Kind     `json:"type"`
	RoomID    string   `json:"room_id,omitempty"`
	PeerID    string   `json:"peer_id,omitempty"`
	Peers     []string `json:"peers,omitempty"`
	SDP       string   `json:"sdp,omitempty"`
	Candidate string   `json:"candidate,omitempty"`
	From      string   `json:"from_peer,omitempty"`
	To        string   `json:"to_peer,omitempty"`
}

// Join announces peer as a member of room.
func Join(room, peer string) Message {
	return Message{Type: KindJoin, RoomID: room, PeerID: peer}
}

// Leave withdraws peer from room.
func Leave(room, peer string) Message {
	return Message{Type: KindLeave, RoomID: room, PeerID: peer}
}

// PeerList carries the ordered membership of a room.
func PeerList(peers []string) Message {
	return Message{Type: KindPeerList, Peers: peers}
}

// Offer carries a session description offer from one peer to another.
func Offer(room, sdp, from, to string) Message {
	return Message{Type: KindOffer, RoomID: room, SDP: sdp, From: from, To: to}
}

// Answer carries a session description answer from one peer to another.
func Answer(room, sdp, from, to string) Message {
	return Message{Type: KindAnswer, RoomID: room, SDP: sdp, From: from, To: to}
}

// IceCandidate carries one connectivity candidate, encoded as the JSON form
// of an RTCIceCandidateInit.
func IceCandidate(room, candidate, from, to string) Message {
	return Message{Type: KindIceCandidate, RoomID: room, Candidate: candidate, From: from, To: to}
}

// RequestPeerList asks the relay for the current membership of room. room
// may be empty, in which case the relay answers for the requester's room.
func RequestPeerList(room string) Message {
	return Message{Type: KindRequestPeerList, RoomID: room}
}

// InitiateCall is the UI intent to call peer in room.
func InitiateCall(peer, room string) Message {
	return Message{Type: KindInitiateCall, PeerID: peer, RoomID: room}
}

// Validate checks that m carries exactly the fields its kind requires and
// that every field respects the size limits.
func (m Message) Validate() error {
	if err := checkID("room_id", m.RoomID); err != nil {
		return err
	}
	for name, v := range map[string]string{"peer_id": m.PeerID, "from_peer": m.From, "to_peer": m.To} {
		if err := checkID(name, v); err != nil {
			return err
		}
	}
	if len(m.SDP) > MaxSDPBytes {
		return fmt.Errorf("sdp exceeds %d bytes", MaxSDPBytes)
	}
	if len(m.Candidate) > MaxCandidateBytes {
		return fmt.Errorf("candidate exceeds %d bytes", MaxCandidateBytes)
	}
	if len(m.Peers) > MaxPeers {
		return fmt.Errorf("peer list exceeds %d entries", MaxPeers)
	}
	for i, p := range m.Peers {
		if p == "" {
			return fmt.Errorf("peers[%d] is empty", i)
		}
		if err := checkID(fmt.Sprintf("peers[%d]", i), p); err != nil {
			return err
		}
	}

	switch m.Type {
	case KindJoin, KindLeave:
		if m.RoomID == "" || m.PeerID == "" {
			return fmt.Errorf("%s message requires room_id and peer_id", m.Type)
		}
		return m.onlyFields(m.Type, "room_id", "peer_id")
	case KindPeerList:
		return m.onlyFields(m.Type, "peers")
	case KindOffer, KindAnswer:
		if m.SDP == "" || m.From == "" || m.To == "" {
			return fmt.Errorf("%s message requires sdp, from_peer and to_peer", m.Type)
		}
		return m.onlyFields(m.Type, "room_id", "sdp", "from_peer", "to_peer")
	case KindIceCandidate:
		if m.Candidate == "" || m.From == "" || m.To == "" {
			return fmt.Errorf("%s message requires candidate, from_peer and to_peer", m.Type)
		}
		return m.onlyFields(m.Type, "room_id", "candidate", "from_peer", "to_peer")
	case KindRequestPeerList:
		return m.onlyFields(m.Type, "room_id")
	case KindInitiateCall:
		if m.PeerID == "" {
			return fmt.Errorf("%s message requires peer_id", m.Type)
		}
		return m.onlyFields(m.Type, "peer_id", "room_id")
	case "":
		return errors.New("message has no type")
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
}

func checkID(name, v string) error {
	if len(v) > MaxIDBytes {
		return fmt.Errorf("%s exceeds %d bytes", name, MaxIDBytes)
	}
	return nil
}

// onlyFields rejects any populated field not listed in allowed.
func (m Message) onlyFields(kind Kind, allowed ...string) error {
	set := map[string]bool{
		"room_id":   m.RoomID != "",
		"peer_id":   m.PeerID != "",
		"peers":     len(m.Peers) > 0,
		"sdp":       m.SDP != "",
		"candidate": m.Candidate != "",
		"from_peer": m.From != "",
		"to_peer":   m.To != "",
	}
	for _, a := range allowed {
		delete(set, a)
	}
	for field, present := range set {
		if present {
			return fmt.Errorf("%s message has unexpected field %s", kind, field)
		}
	}
	return nil
}

// Encode validates m and returns its wire form.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, &SerializationError{Kind: m.Type, Err: err}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, &SerializationError{Kind: m.Type, Err: err}
	}
	return data, nil
}

// Decode parses and validates one wire frame. Unknown fields and trailing
// data are rejected.
func Decode(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var m Message
	if err := dec.Decode(&m); err != nil {
		return Message{}, &SerializationError{Err: err}
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, &SerializationError{Kind: m.Type, Err: errors.New("unexpected trailing data")}
	}
	if err := m.Validate(); err != nil {
		return Message{}, &SerializationError{Kind: m.Type, Err: err}
	}
	return m, nil
}
