package peerlink

import (
	"encoding/json"
	"errors"

	pion "github.com/pion/webrtc/v4"
)

// Signal payloads use the browser JSON shapes: RTCSessionDescriptionInit
// ({type, sdp}) and RTCIceCandidateInit ({candidate, sdpMid, ...}).
type signal struct {
	description pion.SessionDescription
	candidate   *pion.ICECandidateInit
}

type envelope struct {
	Type      string  `json:"type"`
	SDP       string  `json:"sdp"`
	Candidate *string `json:"candidate"`
}

var errEmptySignal = errors.New("signal carries neither a description nor a candidate")

func decodeSignal(data json.RawMessage) (signal, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return signal{}, err
	}

	if env.Candidate != nil {
		var c pion.ICECandidateInit
		if err := json.Unmarshal(data, &c); err != nil {
			return signal{}, err
		}
		return signal{candidate: &c}, nil
	}

	if env.Type == "" {
		return signal{}, errEmptySignal
	}
	return signal{description: pion.SessionDescription{
		Type: pion.NewSDPType(env.Type),
		SDP:  env.SDP,
	}}, nil
}
