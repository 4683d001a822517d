// Package call holds the per-call state machine a participant runs on top of the
// signaling channel.
package call

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/campus-signaling/internal/models"
)

// State of one call as seen by one participant.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateOffered
	StateConnected
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateOffered:
		return "offered"
	case StateConnected:
		return "connected"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	ErrInvalidTransition = errors.New("call: invalid transition")
	ErrTerminated        = errors.New("call: session terminated")
)

// PeerConnection is the part of *webrtc.PeerConnection a Session drives.
type PeerConnection interface {
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	Close() error
}

// Session tracks one call between SelfID and PeerID on ChatID. Remote candidates that arrive
// before the remote description are buffered and applied once it is set.
type Session struct {
	ChatID string
	SelfID string
	PeerID string

	pc  PeerConnection
	now func() time.Time

	mu          sync.Mutex
	state       State
	caller      bool
	remoteSet   bool
	pending     []webrtc.ICECandidateInit
	hungUpBy    string
	startedAt   time.Time
	connectedAt time.Time
	endedAt     time.Time
	onChange    func(State)
}

// NewSession returns an idle session. pc may be nil when only the signaling state matters.
func NewSession(chatID, selfID, peerID string, pc PeerConnection) *Session {
	return &Session{
		ChatID: chatID,
		SelfID: selfID,
		PeerID: peerID,
		pc:     pc,
		now:    time.Now,
	}
}

// OnStateChange registers fn, called after each transition with the lock released.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns the number of buffered remote candidates.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// LocalOffer records that this side published an offer: Idle → Offering.
func (s *Session) LocalOffer() error {
	return s.transition(func() error {
		if s.state != StateIdle {
			return s.invalid("local offer")
		}
		s.caller = true
		s.startedAt = s.now()
		s.state = StateOffering
		return nil
	})
}

// LocalAnswer records that this side published its answer: Offered → Connected.
func (s *Session) LocalAnswer() error {
	return s.transition(func() error {
		if s.state != StateOffered {
			return s.invalid("local answer")
		}
		s.connectedAt = s.now()
		s.state = StateConnected
		return nil
	})
}

// LocalHangup terminates the call from this side. Terminating twice is a no-op.
func (s *Session) LocalHangup() {
	_ = s.transition(func() error {
		s.terminate(s.SelfID)
		return nil
	})
}

// HandleRemote applies one message received on the chat channel. Echoes of our own messages and
// messages addressed to someone else are ignored.
func (s *Session) HandleRemote(msg models.SignalMessage) error {
	if msg.From == s.SelfID || msg.To != s.SelfID || msg.From != s.PeerID {
		return nil
	}

	switch msg.Kind {
	case models.SignalKindOffer:
		desc, err := msg.SessionDescription()
		if err != nil {
			return err
		}
		return s.transition(func() error {
			if s.state != StateIdle {
				return s.invalid("remote offer")
			}
			if err := s.applyRemote(desc); err != nil {
				return err
			}
			s.startedAt = s.now()
			s.state = StateOffered
			return nil
		})

	case models.SignalKindAnswer:
		desc, err := msg.SessionDescription()
		if err != nil {
			return err
		}
		return s.transition(func() error {
			if s.state != StateOffering {
				return s.invalid("remote answer")
			}
			if err := s.applyRemote(desc); err != nil {
				return err
			}
			s.connectedAt = s.now()
			s.state = StateConnected
			return nil
		})

	case models.SignalKindICECandidate:
		candidate, err := msg.Candidate()
		if err != nil {
			return err
		}
		return s.addCandidate(candidate)

	case models.SignalKindHangup:
		return s.transition(func() error {
			s.terminate(msg.From)
			return nil
		})
	}
	return fmt.Errorf("%w: %q", models.ErrUnknownKind, msg.Kind)
}

func (s *Session) addCandidate(candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateTerminated {
		return ErrTerminated
	}
	if !s.remoteSet || s.pc == nil {
		s.pending = append(s.pending, candidate)
		return nil
	}
	return s.pc.AddICECandidate(candidate)
}

// applyRemote runs with mu held.
func (s *Session) applyRemote(desc webrtc.SessionDescription) error {
	if s.pc == nil {
		s.remoteSet = true
		return nil
	}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("call: set remote description: %w", err)
	}
	s.remoteSet = true

	pending := s.pending
	s.pending = nil
	for _, candidate := range pending {
		if err := s.pc.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("call: apply buffered candidate: %w", err)
		}
	}
	return nil
}

// terminate runs with mu held.
func (s *Session) terminate(by string) {
	if s.state == StateTerminated {
		return
	}
	s.hungUpBy = by
	s.endedAt = s.now()
	s.state = StateTerminated
	s.pending = nil
	if s.pc != nil {
		_ = s.pc.Close()
	}
}

func (s *Session) invalid(event string) error {
	if s.state == StateTerminated {
		return ErrTerminated
	}
	return fmt.Errorf("%w: %s while %s", ErrInvalidTransition, event, s.state)
}

func (s *Session) transition(fn func() error) error {
	s.mu.Lock()
	before := s.state
	err := fn()
	after := s.state
	onChange := s.onChange
	s.mu.Unlock()

	if after != before && onChange != nil {
		onChange(after)
	}
	return err
}

// Outcome is what the session's owner writes to call history once the session has terminated.
type Outcome struct {
	Status          models.CallStatus
	StartedAt       time.Time
	DurationSeconds *int
	Caller          bool
}

// Outcome reports the history entry for a terminated session and false while the call is
// still in progress. A call that connected is answered. One that never connected is declined
// when the callee hung up on the ringing call and missed otherwise.
func (s *Session) Outcome() (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateTerminated {
		return Outcome{}, false
	}

	out := Outcome{StartedAt: s.startedAt, Caller: s.caller}
	if out.StartedAt.IsZero() {
		out.StartedAt = s.endedAt
	}

	switch {
	case !s.connectedAt.IsZero():
		out.Status = models.CallStatusAnswered
		seconds := int(s.endedAt.Sub(s.connectedAt).Round(time.Second) / time.Second)
		out.DurationSeconds = &seconds
	case s.hungUpBy == s.calleeID():
		out.Status = models.CallStatusDeclined
	default:
		out.Status = models.CallStatusMissed
	}
	return out, true
}

func (s *Session) calleeID() string {
	if s.caller {
		return s.PeerID
	}
	return s.SelfID
}
