package negotiate

import (
	"errors"
	"fmt"
)

// State is the negotiation phase of one peer session.
type State int

const (
	// Idle is the initial state: nothing has been exchanged.
	Idle State = iota
	// OfferSent means a local offer is applied and awaiting an answer.
	OfferSent
	// OfferReceived means a remote offer is applied and the answer is being built.
	OfferReceived
	// Answered means both descriptions are applied and the transport path is
	// still being established.
	Answered
	// Connected means media can flow.
	Connected
	// Closed is the terminal state after a graceful teardown.
	Closed
	// Failed is the terminal state after an unrecoverable error.
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case OfferSent:
		return "offer-sent"
	case OfferReceived:
		return "offer-received"
	case Answered:
		return "answered"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == Closed || s == Failed }

var (
	// ErrAlreadyNegotiating is returned by Initiate outside of Idle.
	ErrAlreadyNegotiating = errors.New("negotiate: already negotiating")

	// ErrInvalidTransition is returned when a message is not valid in the
	// current state. The state is left unchanged.
	ErrInvalidTransition = errors.New("negotiate: invalid transition")

	// ErrNegotiationFailed wraps the cause of every move to Failed.
	ErrNegotiationFailed = errors.New("negotiate: negotiation failed")
)

// Transition describes one state change. Err is set when To is Failed.
type Transition struct {
	Peer string
	From State
	To   State
	Err  error
}
