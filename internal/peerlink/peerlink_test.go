package peerlink

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/mesh-signaling/internal/models"
	pion "github.com/pion/webrtc/v4"
)

type fakeConn struct {
	mu          sync.Mutex
	remote      []pion.SessionDescription
	local       []pion.SessionDescription
	candidates  []string
	closed      int
	onCandidate func(*pion.ICECandidate)
	onState     func(pion.PeerConnectionState)

	setRemoteErr error
	remoteCalls  int
	// remoteGate, when set, blocks the first SetRemoteDescription until
	// closed.
	remoteGate    chan struct{}
	remoteEntered chan struct{}
}

func (f *fakeConn) AddTrack(pion.TrackLocal) (*pion.RTPSender, error) { return nil, nil }

func (f *fakeConn) CreateOffer(*pion.OfferOptions) (pion.SessionDescription, error) {
	return pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (f *fakeConn) CreateAnswer(*pion.AnswerOptions) (pion.SessionDescription, error) {
	return pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (f *fakeConn) SetLocalDescription(d pion.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local = append(f.local, d)
	return nil
}

func (f *fakeConn) SetRemoteDescription(d pion.SessionDescription) error {
	f.mu.Lock()
	f.remoteCalls++
	first := f.remoteCalls == 1
	f.mu.Unlock()
	if f.remoteGate != nil && first {
		close(f.remoteEntered)
		<-f.remoteGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setRemoteErr != nil {
		return f.setRemoteErr
	}
	f.remote = append(f.remote, d)
	return nil
}

func (f *fakeConn) AddICECandidate(c pion.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c.Candidate)
	return nil
}

func (f *fakeConn) OnICECandidate(fn func(*pion.ICECandidate)) { f.onCandidate = fn }
func (f *fakeConn) OnConnectionStateChange(fn func(pion.PeerConnectionState)) {
	f.onState = fn
}
func (f *fakeConn) OnTrack(func(*pion.TrackRemote, *pion.RTPReceiver)) {}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeConn) snapshot() (remote []pion.SessionDescription, candidates []string, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pion.SessionDescription(nil), f.remote...), append([]string(nil), f.candidates...), f.closed
}

func (f *fakeConn) remoteCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteCalls
}

type fakeSender struct {
	mu   sync.Mutex
	sent []json.RawMessage
}

func (s *fakeSender) SendSignal(target string, data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, data)
	return nil
}

func (s *fakeSender) messages() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.sent...)
}

type fakeObserver struct {
	mu     sync.Mutex
	states []State
	failed []error
}

func (o *fakeObserver) LinkStateChanged(_ string, s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, s)
}

func (o *fakeObserver) LinkFailed(_ string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, err)
}

func (o *fakeObserver) RemoteTrack(string, *pion.TrackRemote) {}

func (o *fakeObserver) failures() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.failed...)
}

func newTestLink(t *testing.T, offerer bool, conn *fakeConn) (*Link, *fakeSender, *fakeObserver) {
	t.Helper()
	sender := &fakeSender{}
	obs := &fakeObserver{}
	l, err := New(Config{
		PeerID:       "remote",
		Offerer:      offerer,
		Conn:         conn,
		Sender:       sender,
		Observer:     obs,
		FailureGrace: 30 * time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(l.Close)
	return l, sender, obs
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func sdpJSON(t *testing.T, typ pion.SDPType, sdp string) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(pion.SessionDescription{Type: typ, SDP: sdp})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func candidateJSON(t *testing.T, candidate string) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(pion.ICECandidateInit{Candidate: candidate})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func decodeSent(t *testing.T, data json.RawMessage) signal {
	t.Helper()
	sig, err := decodeSignal(data)
	if err != nil {
		t.Fatalf("decode sent signal %s: %v", data, err)
	}
	return sig
}

func TestOffererSendsOfferOnCreate(t *testing.T) {
	l, sender, _ := newTestLink(t, true, &fakeConn{})

	sent := sender.messages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if sig := decodeSent(t, sent[0]); sig.description.Type != pion.SDPTypeOffer || sig.description.SDP != "offer-sdp" {
		t.Fatalf("sent %s", sent[0])
	}
	if l.State() != StateHaveLocalOffer {
		t.Fatalf("state=%s", l.State())
	}
}

func TestAnswererAnswersOffer(t *testing.T) {
	conn := &fakeConn{}
	l, sender, _ := newTestLink(t, false, conn)
	if len(sender.messages()) != 0 {
		t.Fatal("answerer must not send before an offer arrives")
	}

	l.Deliver(sdpJSON(t, pion.SDPTypeOffer, "remote-offer"))
	waitFor(t, "answer", func() bool { return len(sender.messages()) == 1 })

	if sig := decodeSent(t, sender.messages()[0]); sig.description.Type != pion.SDPTypeAnswer {
		t.Fatalf("sent %s", sender.messages()[0])
	}
	if l.State() != StateHaveRemoteOffer {
		t.Fatalf("state=%s", l.State())
	}
	remote, _, _ := conn.snapshot()
	if len(remote) != 1 || remote[0].SDP != "remote-offer" {
		t.Fatalf("remote=%+v", remote)
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	t.Run("Answerer", func(t *testing.T) {
		conn := &fakeConn{}
		l, sender, _ := newTestLink(t, false, conn)

		l.Deliver(candidateJSON(t, "c1"))
		l.Deliver(candidateJSON(t, "c2"))
		l.Deliver(sdpJSON(t, pion.SDPTypeOffer, "remote-offer"))
		l.Deliver(candidateJSON(t, "c3"))

		waitFor(t, "candidates", func() bool {
			_, c, _ := conn.snapshot()
			return len(c) == 3
		})
		_, got, _ := conn.snapshot()
		if got[0] != "c1" || got[1] != "c2" || got[2] != "c3" {
			t.Fatalf("candidates applied out of order: %v", got)
		}
		if len(sender.messages()) != 1 {
			t.Fatalf("sent %d messages", len(sender.messages()))
		}
	})

	t.Run("Offerer", func(t *testing.T) {
		conn := &fakeConn{}
		l, _, _ := newTestLink(t, true, conn)

		l.Deliver(candidateJSON(t, "early"))
		time.Sleep(20 * time.Millisecond)
		if _, c, _ := conn.snapshot(); len(c) != 0 {
			t.Fatalf("candidate applied before answer: %v", c)
		}

		l.Deliver(sdpJSON(t, pion.SDPTypeAnswer, "remote-answer"))
		waitFor(t, "flush", func() bool {
			_, c, _ := conn.snapshot()
			return len(c) == 1 && c[0] == "early"
		})
	})
}

func TestSignalsWaitForDescriptionInProgress(t *testing.T) {
	conn := &fakeConn{
		remoteGate:    make(chan struct{}),
		remoteEntered: make(chan struct{}),
	}
	l, _, _ := newTestLink(t, true, conn)

	l.Deliver(sdpJSON(t, pion.SDPTypeAnswer, "a1"))
	<-conn.remoteEntered

	l.Deliver(candidateJSON(t, "c1"))
	l.Deliver(sdpJSON(t, pion.SDPTypeAnswer, "a2"))
	l.Deliver(candidateJSON(t, "c2"))
	time.Sleep(30 * time.Millisecond)

	if n := conn.remoteCallCount(); n != 1 {
		t.Fatalf("SetRemoteDescription entered %d times while the first was in progress", n)
	}
	if _, c, _ := conn.snapshot(); len(c) != 0 {
		t.Fatalf("candidates applied while a description was in progress: %v", c)
	}

	close(conn.remoteGate)
	waitFor(t, "queued candidates", func() bool {
		_, c, _ := conn.snapshot()
		return len(c) == 2
	})

	remote, got, _ := conn.snapshot()
	if got[0] != "c1" || got[1] != "c2" {
		t.Fatalf("candidates applied out of order: %v", got)
	}
	if len(remote) != 1 || remote[0].SDP != "a1" || conn.remoteCallCount() != 1 {
		t.Fatalf("remote=%+v calls=%d, want only a1", remote, conn.remoteCallCount())
	}
}

func TestUnexpectedDescriptionsDropped(t *testing.T) {
	t.Run("Answer In New", func(t *testing.T) {
		conn := &fakeConn{}
		l, _, obs := newTestLink(t, false, conn)
		l.Deliver(sdpJSON(t, pion.SDPTypeAnswer, "stray"))
		l.Deliver(candidateJSON(t, "buffered"))
		time.Sleep(20 * time.Millisecond)

		remote, cands, _ := conn.snapshot()
		if len(remote) != 0 || len(cands) != 0 {
			t.Fatalf("remote=%v candidates=%v", remote, cands)
		}
		if l.State() != StateNew || len(obs.failures()) != 0 {
			t.Fatalf("state=%s failures=%v", l.State(), obs.failures())
		}
	})

	t.Run("Second Answer", func(t *testing.T) {
		conn := &fakeConn{}
		l, _, _ := newTestLink(t, true, conn)
		l.Deliver(sdpJSON(t, pion.SDPTypeAnswer, "a1"))
		l.Deliver(sdpJSON(t, pion.SDPTypeAnswer, "a2"))
		l.Deliver(candidateJSON(t, "marker"))
		waitFor(t, "marker", func() bool {
			_, c, _ := conn.snapshot()
			return len(c) == 1
		})
		remote, _, _ := conn.snapshot()
		if len(remote) != 1 || remote[0].SDP != "a1" {
			t.Fatalf("remote=%+v", remote)
		}
	})

	t.Run("Offer To Offerer", func(t *testing.T) {
		conn := &fakeConn{}
		l, sender, _ := newTestLink(t, true, conn)
		l.Deliver(sdpJSON(t, pion.SDPTypeOffer, "glare"))
		time.Sleep(20 * time.Millisecond)
		if remote, _, _ := conn.snapshot(); len(remote) != 0 {
			t.Fatalf("remote=%+v", remote)
		}
		if len(sender.messages()) != 1 {
			t.Fatalf("sent %d messages, want only the offer", len(sender.messages()))
		}
		if l.State() != StateHaveLocalOffer {
			t.Fatalf("state=%s", l.State())
		}
	})

	t.Run("Malformed", func(t *testing.T) {
		l, _, obs := newTestLink(t, false, &fakeConn{})
		l.Deliver(json.RawMessage(`{"foo":1}`))
		l.Deliver(json.RawMessage(`not json`))
		time.Sleep(20 * time.Millisecond)
		if l.State() != StateNew || len(obs.failures()) != 0 {
			t.Fatalf("state=%s failures=%v", l.State(), obs.failures())
		}
	})
}

func TestLocalCandidatesFollowDescription(t *testing.T) {
	conn := &fakeConn{}
	l, sender, _ := newTestLink(t, false, conn)

	conn.onCandidate(&pion.ICECandidate{
		Foundation: "1",
		Priority:   1,
		Address:    "10.0.0.1",
		Protocol:   pion.ICEProtocolUDP,
		Port:       5000,
		Typ:        pion.ICECandidateTypeHost,
		Component:  1,
	})
	conn.onCandidate(nil)
	if len(sender.messages()) != 0 {
		t.Fatal("candidate sent before the answer")
	}

	l.Deliver(sdpJSON(t, pion.SDPTypeOffer, "remote-offer"))
	waitFor(t, "answer and candidate", func() bool { return len(sender.messages()) == 2 })

	sent := sender.messages()
	if decodeSent(t, sent[0]).description.Type != pion.SDPTypeAnswer {
		t.Fatalf("first message %s, want answer", sent[0])
	}
	if decodeSent(t, sent[1]).candidate == nil {
		t.Fatalf("second message %s, want candidate", sent[1])
	}
}

func TestConnectionStateTransitions(t *testing.T) {
	t.Run("Connected", func(t *testing.T) {
		conn := &fakeConn{}
		l, _, _ := newTestLink(t, true, conn)
		conn.onState(pion.PeerConnectionStateConnected)
		if l.State() != StateConnected {
			t.Fatalf("state=%s", l.State())
		}
	})

	t.Run("Recovers Within Grace", func(t *testing.T) {
		conn := &fakeConn{}
		l, _, obs := newTestLink(t, true, conn)
		conn.onState(pion.PeerConnectionStateConnected)
		conn.onState(pion.PeerConnectionStateDisconnected)
		conn.onState(pion.PeerConnectionStateConnected)
		time.Sleep(60 * time.Millisecond)
		if l.State() != StateConnected || len(obs.failures()) != 0 {
			t.Fatalf("state=%s failures=%v", l.State(), obs.failures())
		}
	})

	t.Run("Fails After Grace", func(t *testing.T) {
		conn := &fakeConn{}
		l, _, obs := newTestLink(t, true, conn)
		conn.onState(pion.PeerConnectionStateDisconnected)
		waitFor(t, "failure", func() bool { return len(obs.failures()) == 1 })
		if l.State() != StateFailed {
			t.Fatalf("state=%s", l.State())
		}
		if !errors.Is(obs.failures()[0], models.ErrNegotiationFailure) {
			t.Fatalf("err=%v", obs.failures()[0])
		}
	})

	t.Run("Negotiation Error", func(t *testing.T) {
		conn := &fakeConn{setRemoteErr: errors.New("bad sdp")}
		l, sender, obs := newTestLink(t, false, conn)
		l.Deliver(sdpJSON(t, pion.SDPTypeOffer, "broken"))
		waitFor(t, "failure", func() bool { return len(obs.failures()) == 1 })
		if l.State() != StateFailed {
			t.Fatalf("state=%s", l.State())
		}
		if len(sender.messages()) != 0 {
			t.Fatal("failed link sent an answer")
		}
	})
}

func TestClose(t *testing.T) {
	t.Run("Idempotent", func(t *testing.T) {
		conn := &fakeConn{}
		l, sender, obs := newTestLink(t, true, conn)
		l.Close()
		l.Close()
		if _, _, closed := conn.snapshot(); closed != 1 {
			t.Fatalf("connection closed %d times", closed)
		}
		if l.State() != StateClosed {
			t.Fatalf("state=%s", l.State())
		}

		l.Deliver(sdpJSON(t, pion.SDPTypeAnswer, "late"))
		conn.onCandidate(&pion.ICECandidate{Address: "10.0.0.1", Protocol: pion.ICEProtocolUDP, Typ: pion.ICECandidateTypeHost, Component: 1})
		conn.onState(pion.PeerConnectionStateFailed)
		time.Sleep(60 * time.Millisecond)
		if len(sender.messages()) != 1 {
			t.Fatalf("sent %d messages after close", len(sender.messages())-1)
		}
		if len(obs.failures()) != 0 {
			t.Fatalf("closed link reported failure: %v", obs.failures())
		}
	})

	t.Run("Suppresses In Flight Answer", func(t *testing.T) {
		conn := &fakeConn{
			remoteGate:    make(chan struct{}),
			remoteEntered: make(chan struct{}),
		}
		l, sender, _ := newTestLink(t, false, conn)
		l.Deliver(sdpJSON(t, pion.SDPTypeOffer, "remote-offer"))
		<-conn.remoteEntered

		l.Close()
		close(conn.remoteGate)
		time.Sleep(20 * time.Millisecond)
		if len(sender.messages()) != 0 {
			t.Fatalf("answer sent after close: %s", sender.messages()[0])
		}
	})
}

func TestStateString(t *testing.T) {
	want := map[State]string{
		StateNew:             "new",
		StateHaveLocalOffer:  "have-local-offer",
		StateHaveRemoteOffer: "have-remote-offer",
		StateConnected:       "connected",
		StateFailed:          "failed",
		StateClosed:          "closed",
	}
	for s, name := range want {
		if s.String() != name {
			t.Fatalf("%d.String()=%q, want %q", int(s), s.String(), name)
		}
	}
	if !StateClosed.Terminal() || StateConnected.Terminal() {
		t.Fatal("Terminal() mismatch")
	}
}
