// Package peerlink negotiates one media connection to one remote participant.
//
// A Link is an explicit state machine fed from a FIFO. Relayed signals are
// applied by a single worker goroutine per link, so a description is never
// applied while a previous one is still in flight. Links share no locks.
package peerlink

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mossy-p/mesh-signaling/internal/models"
	pion "github.com/pion/webrtc/v4"
)

// DefaultFailureGrace is how long a disconnected or failed connection may take
// to recover before the link gives up.
const DefaultFailureGrace = 10 * time.Second

// State is the negotiation state of a link.
type State int

const (
	StateNew State = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// Connection is the part of *webrtc.PeerConnection a link drives.
type Connection interface {
	AddTrack(track pion.TrackLocal) (*pion.RTPSender, error)
	CreateOffer(options *pion.OfferOptions) (pion.SessionDescription, error)
	CreateAnswer(options *pion.AnswerOptions) (pion.SessionDescription, error)
	SetLocalDescription(desc pion.SessionDescription) error
	SetRemoteDescription(desc pion.SessionDescription) error
	AddICECandidate(candidate pion.ICECandidateInit) error
	OnICECandidate(f func(*pion.ICECandidate))
	OnConnectionStateChange(f func(pion.PeerConnectionState))
	OnTrack(f func(*pion.TrackRemote, *pion.RTPReceiver))
	Close() error
}

// Sender relays an opaque signal payload to a participant.
type Sender interface {
	SendSignal(target string, data json.RawMessage) error
}

// Observer receives link events. Callbacks run on link goroutines and must not
// block.
type Observer interface {
	LinkStateChanged(peerID string, state State)
	LinkFailed(peerID string, err error)
	RemoteTrack(peerID string, track *pion.TrackRemote)
}

type Config struct {
	PeerID  string
	Offerer bool
	Conn    Connection
	Tracks  []pion.TrackLocal
	Sender  Sender
	// Observer may be nil.
	Observer     Observer
	FailureGrace time.Duration
	Logger       *slog.Logger
}

// Link is the negotiation state machine for one remote participant.
type Link struct {
	peerID   string
	offerer  bool
	conn     Connection
	sender   Sender
	observer Observer
	grace    time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	state State
	// inbox is the FIFO of relayed payloads waiting for the worker.
	inbox []json.RawMessage
	// pending holds remote candidates received before a remote description.
	pending       []pion.ICECandidateInit
	remoteApplied bool
	// outbound holds local candidates gathered before our description was sent.
	outbound  [][]byte
	localSent bool
	graceTmr  *time.Timer

	wake chan struct{}
	done chan struct{}
}

// New creates a link, attaches the local tracks and starts its worker. An
// offerer link creates, applies and sends its offer before New returns.
func New(cfg Config) (*Link, error) {
	if cfg.PeerID == "" || cfg.Conn == nil || cfg.Sender == nil {
		return nil, errors.New("peerlink: PeerID, Conn and Sender are required")
	}
	if cfg.FailureGrace <= 0 {
		cfg.FailureGrace = DefaultFailureGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := &Link{
		peerID:   cfg.PeerID,
		offerer:  cfg.Offerer,
		conn:     cfg.Conn,
		sender:   cfg.Sender,
		observer: cfg.Observer,
		grace:    cfg.FailureGrace,
		logger:   logger.With("peer", cfg.PeerID, "offerer", cfg.Offerer),
		state:    StateNew,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	for _, track := range cfg.Tracks {
		rtpSender, err := l.conn.AddTrack(track)
		if err != nil {
			l.Close()
			return nil, models.WrapError("add track", models.ErrNegotiationFailure, err.Error())
		}
		if rtpSender != nil {
			go drainRTCP(rtpSender)
		}
	}

	l.conn.OnICECandidate(l.onLocalCandidate)
	l.conn.OnConnectionStateChange(l.onConnectionState)
	l.conn.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		l.logger.Debug("remote track", "kind", track.Kind().String(), "id", track.ID())
		if l.observer != nil && !l.State().Terminal() {
			l.observer.RemoteTrack(l.peerID, track)
		}
	})

	go l.run()

	if l.offerer {
		if err := l.offer(); err != nil {
			l.Close()
			return nil, err
		}
	}
	return l, nil
}

func (l *Link) PeerID() string { return l.peerID }
func (l *Link) Offerer() bool  { return l.offerer }

// State returns the current negotiation state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Deliver queues a relayed payload. Payloads are applied in arrival order.
// Deliveries to a failed or closed link are discarded.
func (l *Link) Deliver(data json.RawMessage) {
	l.mu.Lock()
	if l.state.Terminal() {
		l.mu.Unlock()
		return
	}
	l.inbox = append(l.inbox, data)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Close tears the link down. Queued payloads and buffered candidates are
// discarded and nothing is sent once Close has returned. It is idempotent.
func (l *Link) Close() {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	l.state = StateClosed
	l.inbox = nil
	l.pending = nil
	l.outbound = nil
	if l.graceTmr != nil {
		l.graceTmr.Stop()
		l.graceTmr = nil
	}
	close(l.done)
	l.mu.Unlock()

	if err := l.conn.Close(); err != nil {
		l.logger.Debug("close peer connection", "err", err)
	}
	l.notifyState(StateClosed)
}

func (l *Link) run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}
		for {
			data, ok := l.next()
			if !ok {
				break
			}
			l.apply(data)
		}
	}
}

func (l *Link) next() (json.RawMessage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Terminal() || len(l.inbox) == 0 {
		return nil, false
	}
	data := l.inbox[0]
	l.inbox[0] = nil
	l.inbox = l.inbox[1:]
	return data, true
}

func (l *Link) apply(data json.RawMessage) {
	sig, err := decodeSignal(data)
	if err != nil {
		l.logger.Warn("dropping malformed signal", "err", err)
		return
	}

	switch {
	case sig.candidate != nil:
		l.applyCandidate(*sig.candidate)
	case sig.description.Type == pion.SDPTypeOffer:
		l.applyOffer(sig.description)
	case sig.description.Type == pion.SDPTypeAnswer:
		l.applyAnswer(sig.description)
	default:
		l.logger.Warn("dropping unsupported signal", "type", sig.description.Type.String())
	}
}

func (l *Link) offer() error {
	offer, err := l.conn.CreateOffer(nil)
	if err != nil {
		return models.WrapError("create offer", models.ErrNegotiationFailure, err.Error())
	}
	if err := l.conn.SetLocalDescription(offer); err != nil {
		return models.WrapError("set local description", models.ErrNegotiationFailure, err.Error())
	}
	if !l.transition(StateNew, StateHaveLocalOffer) {
		return models.WrapError("create offer", models.ErrNegotiationFailure, "link closed")
	}
	return l.sendDescription(offer)
}

func (l *Link) applyOffer(offer pion.SessionDescription) {
	if st := l.State(); st != StateNew {
		l.logger.Warn("dropping offer", "state", st.String())
		return
	}
	if err := l.conn.SetRemoteDescription(offer); err != nil {
		l.fail("set remote description", err)
		return
	}
	if !l.transition(StateNew, StateHaveRemoteOffer) {
		return
	}
	l.remoteDescriptionApplied()

	answer, err := l.conn.CreateAnswer(nil)
	if err != nil {
		l.fail("create answer", err)
		return
	}
	if err := l.conn.SetLocalDescription(answer); err != nil {
		l.fail("set local description", err)
		return
	}
	if err := l.sendDescription(answer); err != nil {
		l.fail("send answer", err)
	}
}

func (l *Link) applyAnswer(answer pion.SessionDescription) {
	l.mu.Lock()
	st, applied := l.state, l.remoteApplied
	l.mu.Unlock()
	if st != StateHaveLocalOffer || applied {
		l.logger.Warn("dropping unexpected answer", "state", st.String(), "remote_applied", applied)
		return
	}
	if err := l.conn.SetRemoteDescription(answer); err != nil {
		l.fail("set remote description", err)
		return
	}
	l.remoteDescriptionApplied()
}

func (l *Link) applyCandidate(c pion.ICECandidateInit) {
	l.mu.Lock()
	if !l.remoteApplied {
		l.pending = append(l.pending, c)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	if err := l.conn.AddICECandidate(c); err != nil {
		l.logger.Warn("failed to add ice candidate", "err", err)
	}
}

// remoteDescriptionApplied flushes buffered remote candidates in arrival order.
func (l *Link) remoteDescriptionApplied() {
	l.mu.Lock()
	if l.state.Terminal() {
		l.mu.Unlock()
		return
	}
	l.remoteApplied = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, c := range pending {
		if l.State().Terminal() {
			return
		}
		if err := l.conn.AddICECandidate(c); err != nil {
			l.logger.Warn("failed to add buffered ice candidate", "err", err)
		}
	}
	if len(pending) > 0 {
		l.logger.Debug("flushed buffered candidates", "count", len(pending))
	}
}

func (l *Link) onLocalCandidate(c *pion.ICECandidate) {
	if c == nil {
		return
	}
	data, err := json.Marshal(c.ToJSON())
	if err != nil {
		l.logger.Warn("failed to encode ice candidate", "err", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return
	}
	if !l.localSent {
		l.outbound = append(l.outbound, data)
		return
	}
	l.sendLocked(data)
}

// sendDescription sends our description, then any candidates gathered while
// it was being produced.
func (l *Link) sendDescription(desc pion.SessionDescription) error {
	data, err := json.Marshal(desc)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return nil
	}
	if err := l.sender.SendSignal(l.peerID, data); err != nil {
		return err
	}
	l.localSent = true
	for _, c := range l.outbound {
		l.sendLocked(c)
	}
	l.outbound = nil
	return nil
}

func (l *Link) sendLocked(data []byte) {
	if err := l.sender.SendSignal(l.peerID, data); err != nil {
		l.logger.Debug("failed to send signal", "err", err)
	}
}

func (l *Link) onConnectionState(s pion.PeerConnectionState) {
	l.logger.Debug("connection state", "state", s.String())

	switch s {
	case pion.PeerConnectionStateConnected:
		l.mu.Lock()
		if l.graceTmr != nil {
			l.graceTmr.Stop()
			l.graceTmr = nil
		}
		changed := !l.state.Terminal() && l.state != StateConnected
		if changed {
			l.state = StateConnected
		}
		l.mu.Unlock()
		if changed {
			l.notifyState(StateConnected)
		}

	case pion.PeerConnectionStateDisconnected, pion.PeerConnectionStateFailed:
		l.mu.Lock()
		if !l.state.Terminal() && l.graceTmr == nil {
			l.graceTmr = time.AfterFunc(l.grace, func() {
				l.fail("connection", fmt.Errorf("not recovered within %s", l.grace))
			})
		}
		l.mu.Unlock()
	}
}

// fail moves the link to failed and reports it. Errors after Close are
// swallowed.
func (l *Link) fail(op string, cause error) {
	l.mu.Lock()
	if l.state.Terminal() {
		l.mu.Unlock()
		return
	}
	l.state = StateFailed
	l.inbox = nil
	l.pending = nil
	if l.graceTmr != nil {
		l.graceTmr.Stop()
		l.graceTmr = nil
	}
	l.mu.Unlock()

	err := models.NewPeerError(op, l.peerID, fmt.Errorf("%w: %v", models.ErrNegotiationFailure, cause))
	l.logger.Warn("peer link failed", "op", op, "err", cause)
	l.notifyState(StateFailed)
	if l.observer != nil {
		l.observer.LinkFailed(l.peerID, err)
	}
}

func (l *Link) transition(from, to State) bool {
	l.mu.Lock()
	if l.state != from {
		l.mu.Unlock()
		return false
	}
	l.state = to
	l.mu.Unlock()
	l.notifyState(to)
	return true
}

func (l *Link) notifyState(s State) {
	if l.observer != nil {
		l.observer.LinkStateChanged(l.peerID, s)
	}
}

func drainRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
