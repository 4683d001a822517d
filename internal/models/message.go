package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// SignalKind is the discriminant of a SignalMessage.
type SignalKind string

const (
	SignalKindOffer        SignalKind = "offer"
	SignalKindAnswer       SignalKind = "answer"
	SignalKindICECandidate SignalKind = "ice-candidate"
	SignalKindHangup       SignalKind = "hangup"
)

// Valid reports whether k is one of the four signaling kinds.
func (k SignalKind) Valid() bool {
	switch k {
	case SignalKindOffer, SignalKindAnswer, SignalKindICECandidate, SignalKindHangup:
		return true
	}
	return false
}

var (
	ErrUnknownKind    = errors.New("unknown signal kind")
	ErrMissingPeer    = errors.New("signal requires from and to")
	ErrSelfAddressed  = errors.New("signal addressed to its sender")
	ErrInvalidPayload = errors.New("invalid signal payload")
)

// SignalMessage is one call signaling unit relayed on a chat's channel. Payload holds a
// webrtc.SessionDescription for offer/answer, a webrtc.ICECandidateInit for ice-candidate
// and nothing for hangup.
type SignalMessage struct {
	Kind    SignalKind      `json:"kind"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	ChatID  string          `json:"chatId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewOffer(from, to string, desc webrtc.SessionDescription) (SignalMessage, error) {
	return newWithPayload(SignalKindOffer, from, to, desc)
}

func NewAnswer(from, to string, desc webrtc.SessionDescription) (SignalMessage, error) {
	return newWithPayload(SignalKindAnswer, from, to, desc)
}

func NewCandidate(from, to string, candidate webrtc.ICECandidateInit) (SignalMessage, error) {
	return newWithPayload(SignalKindICECandidate, from, to, candidate)
}

func NewHangup(from, to string) SignalMessage {
	return SignalMessage{Kind: SignalKindHangup, From: from, To: to}
}

func newWithPayload(kind SignalKind, from, to string, payload any) (SignalMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return SignalMessage{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	msg := SignalMessage{Kind: kind, From: from, To: to, Payload: raw}
	return msg, msg.Validate()
}

// SessionDescription decodes the payload of an offer or answer.
func (m SignalMessage) SessionDescription() (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if m.Kind != SignalKindOffer && m.Kind != SignalKindAnswer {
		return desc, fmt.Errorf("%w: %s carries no session description", ErrInvalidPayload, m.Kind)
	}
	if err := json.Unmarshal(m.Payload, &desc); err != nil {
		return desc, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return desc, nil
}

// Candidate decodes the payload of an ice-candidate.
func (m SignalMessage) Candidate() (webrtc.ICECandidateInit, error) {
	var candidate webrtc.ICECandidateInit
	if m.Kind != SignalKindICECandidate {
		return candidate, fmt.Errorf("%w: %s carries no candidate", ErrInvalidPayload, m.Kind)
	}
	if err := json.Unmarshal(m.Payload, &candidate); err != nil {
		return candidate, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return candidate, nil
}

// Validate checks the discriminant, the addressing and that the payload matches the kind.
func (m SignalMessage) Validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	if m.From == "" || m.To == "" {
		return ErrMissingPeer
	}
	if m.From == m.To {
		return ErrSelfAddressed
	}

	switch m.Kind {
	case SignalKindOffer, SignalKindAnswer:
		desc, err := m.SessionDescription()
		if err != nil {
			return err
		}
		if desc.SDP == "" {
			return fmt.Errorf("%w: empty sdp", ErrInvalidPayload)
		}
		if desc.Type.String() != string(m.Kind) {
			return fmt.Errorf("%w: %s carries sdp type %s", ErrInvalidPayload, m.Kind, desc.Type)
		}
	case SignalKindICECandidate:
		candidate, err := m.Candidate()
		if err != nil {
			return err
		}
		if candidate.Candidate == "" {
			return fmt.Errorf("%w: empty candidate", ErrInvalidPayload)
		}
	case SignalKindHangup:
		if p := bytes.TrimSpace(m.Payload); len(p) > 0 && !bytes.Equal(p, []byte("null")) {
			return fmt.Errorf("%w: hangup carries a payload", ErrInvalidPayload)
		}
	}
	return nil
}

// HasVideo reports whether an offer or answer negotiates a video m-line.
func (m SignalMessage) HasVideo() bool {
	desc, err := m.SessionDescription()
	if err != nil {
		return false
	}
	parsed, err := desc.Unmarshal()
	if err != nil {
		return false
	}
	for _, media := range parsed.MediaDescriptions {
		if media.MediaName.Media == "video" {
			return true
		}
	}
	return false
}
