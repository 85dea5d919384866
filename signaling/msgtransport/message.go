package msgtransport

import (
	"encoding/json"
	"fmt"
)

// Well-known signaling-message type discriminators.
const (
	MsgTypeDescription = "DESCRIPTION"
	MsgTypeCandidate   = "CANDIDATE"
)

// Description carries an SDP offer or answer.
type Description struct {
	Type string `json:"type"` // "offer" or "answer"
	SDP  string `json:"sdp"`
}

// Candidate carries a single trickled ICE candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *int    `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// WebrtcSignalingMessage is the application payload exchanged over a
// Transport: exactly one of Description or Candidate must be set.
type WebrtcSignalingMessage struct {
	Description *Description
	Candidate   *Candidate
}

type wireSignalingMessage struct {
	Type        string       `json:"type"`
	Description *Description `json:"description,omitempty"`
	Candidate   *Candidate   `json:"candidate,omitempty"`
}

func encodeSignalingMessage(msg WebrtcSignalingMessage) (wireSignalingMessage, error) {
	switch {
	case msg.Description != nil && msg.Candidate == nil:
		return wireSignalingMessage{Type: MsgTypeDescription, Description: msg.Description}, nil
	case msg.Candidate != nil && msg.Description == nil:
		return wireSignalingMessage{Type: MsgTypeCandidate, Candidate: msg.Candidate}, nil
	default:
		return wireSignalingMessage{}, fmt.Errorf("msgtransport: message must set exactly one of Description or Candidate")
	}
}

func decodeSignalingMessage(typ string, raw json.RawMessage) (WebrtcSignalingMessage, error) {
	var w wireSignalingMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return WebrtcSignalingMessage{}, fmt.Errorf("decoding signaling message: %w", err)
	}
	switch typ {
	case MsgTypeDescription:
		if w.Description == nil {
			return WebrtcSignalingMessage{}, fmt.Errorf("DESCRIPTION message missing description field")
		}
		return WebrtcSignalingMessage{Description: w.Description}, nil
	case MsgTypeCandidate:
		if w.Candidate == nil {
			return WebrtcSignalingMessage{}, fmt.Errorf("CANDIDATE message missing candidate field")
		}
		return WebrtcSignalingMessage{Candidate: w.Candidate}, nil
	default:
		return WebrtcSignalingMessage{}, fmt.Errorf("unknown signaling message type %q", typ)
	}
}
