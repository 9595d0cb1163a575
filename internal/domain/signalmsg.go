package domain

import "github.com/pion/webrtc/v3"

type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
	SignalHangup       SignalType = "hangup"
)

// SignalMessage is one negotiation step between two peers. LinkID names the
// link incarnation so answers and candidates for a replaced link are dropped.
type SignalMessage struct {
	Type      SignalType                 `json:"type"`
	LinkID    string                     `json:"link_id"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	SenderID  string                     `json:"sender_id,omitempty"`
	TargetID  string                     `json:"target_id,omitempty"`
}
