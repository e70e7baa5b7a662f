package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/mesh-signaling/internal/codec"
	"github.com/mossy-p/mesh-signaling/internal/hub"
	"github.com/mossy-p/mesh-signaling/internal/media"
	"github.com/mossy-p/mesh-signaling/internal/models"
	"github.com/mossy-p/mesh-signaling/internal/peerlink"
	pion "github.com/pion/webrtc/v4"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeConn struct {
	mu     sync.Mutex
	remote []pion.SessionDescription
	closed bool
}

func (f *fakeConn) AddTrack(pion.TrackLocal) (*pion.RTPSender, error) { return nil, nil }
func (f *fakeConn) CreateOffer(*pion.OfferOptions) (pion.SessionDescription, error) {
	return pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: "offer"}, nil
}
func (f *fakeConn) CreateAnswer(*pion.AnswerOptions) (pion.SessionDescription, error) {
	return pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: "answer"}, nil
}
func (f *fakeConn) SetLocalDescription(pion.SessionDescription) error { return nil }
func (f *fakeConn) SetRemoteDescription(d pion.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = append(f.remote, d)
	return nil
}
func (f *fakeConn) AddICECandidate(pion.ICECandidateInit) error            { return nil }
func (f *fakeConn) OnICECandidate(func(*pion.ICECandidate))                {}
func (f *fakeConn) OnConnectionStateChange(func(pion.PeerConnectionState)) {}
func (f *fakeConn) OnTrack(func(*pion.TrackRemote, *pion.RTPReceiver))     {}
func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeFactory struct{}

func (fakeFactory) NewConnection() (peerlink.Connection, error) { return &fakeConn{}, nil }

type recorder struct {
	mu     sync.Mutex
	states []State
	errs   []error
}

func (r *recorder) StateChanged(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) LinkStateChanged(string, peerlink.State) {}

func (r *recorder) Error(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) hasError(target error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, err := range r.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (r *recorder) sawState(s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.states {
		if got == s {
			return true
		}
	}
	return false
}

type testEnv struct {
	hub   *hub.Hub
	srv   *httptest.Server
	url   string
	stop  context.CancelFunc
	mu    sync.Mutex
	conns []*websocket.Conn
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	h := hub.New(hub.Config{}, nil, nil, discard)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	env := &testEnv{hub: h, stop: cancel}
	upgrader := websocket.Upgrader{
		Subprotocols: codec.Subprotocols(),
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	env.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		env.mu.Lock()
		env.conns = append(env.conns, conn)
		env.mu.Unlock()

		cdc, err := codec.ForSubprotocol(conn.Subprotocol())
		if err != nil {
			conn.Close()
			return
		}
		h.Serve(conn, cdc)
	}))
	env.url = "ws" + strings.TrimPrefix(env.srv.URL, "http")
	t.Cleanup(func() {
		env.srv.Close()
		cancel()
		<-h.Done()
	})
	return env
}

func (e *testEnv) serverConn(i int) *websocket.Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i >= len(e.conns) {
		return nil
	}
	return e.conns[i]
}

func (e *testEnv) newController(t *testing.T, capturer media.Capturer, codecName string) (*Controller, *recorder) {
	t.Helper()
	rec := &recorder{}
	c, err := New(Config{
		URL:               e.url,
		Codec:             codecName,
		Capturer:          capturer,
		Connections:       fakeFactory{},
		ReconnectAttempts: 3,
		ReconnectDelay:    10 * time.Millisecond,
		JoinTimeout:       2 * time.Second,
		Observer:          rec,
		Logger:            discard,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Leave)
	return c, rec
}

func (e *testEnv) joined(t *testing.T, role models.Role, codecName string) (*Controller, *recorder) {
	t.Helper()
	c, rec := e.newController(t, media.Synthetic{Audio: true, Video: true}, codecName)
	if err := c.Join(context.Background(), "abc-123", role); err != nil {
		t.Fatalf("Join(%s): %v", role, err)
	}
	return c, rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func linkTo(c *Controller, peerID string) (LinkInfo, bool) {
	for _, l := range c.Links() {
		if l.PeerID == peerID {
			return l, true
		}
	}
	return LinkInfo{}, false
}

func TestJoin_OffererRule(t *testing.T) {
	env := newTestEnv(t)
	h, _ := env.joined(t, models.RoleHost, "json")
	m, _ := env.joined(t, models.RoleMember, "msgpack")

	if h.State() != StateJoined || m.State() != StateJoined {
		t.Fatalf("states=%s,%s", h.State(), m.State())
	}
	// M found H already present, so only M offers.
	ml, ok := linkTo(m, h.SelfID())
	if !ok || !ml.Offerer {
		t.Fatalf("M link to H = %+v, %v", ml, ok)
	}
	waitFor(t, "H answerer link", func() bool {
		hl, ok := linkTo(h, m.SelfID())
		return ok && !hl.Offerer && hl.State == peerlink.StateHaveRemoteOffer
	})

	k, _ := env.joined(t, models.RoleMember, "json")
	if len(k.Links()) != 2 {
		t.Fatalf("K has %d links, want 2", len(k.Links()))
	}
	for _, l := range k.Links() {
		if !l.Offerer {
			t.Fatalf("K must offer to every pre-existing participant: %+v", l)
		}
	}
	for _, c := range []*Controller{h, m} {
		c := c
		waitFor(t, "answerer link to K", func() bool {
			l, ok := linkTo(c, k.SelfID())
			return ok && !l.Offerer && l.State == peerlink.StateHaveRemoteOffer
		})
	}
}

func TestToggleMute_Broadcast(t *testing.T) {
	env := newTestEnv(t)
	h, _ := env.joined(t, models.RoleHost, "json")
	m, _ := env.joined(t, models.RoleMember, "json")
	k, _ := env.joined(t, models.RoleMember, "json")

	muted, err := m.ToggleMute()
	if err != nil || !muted {
		t.Fatalf("ToggleMute=%v,%v", muted, err)
	}
	if p, _ := m.Presence().Snapshot().Participant(m.SelfID()); !p.IsMuted {
		t.Fatal("local mute not applied optimistically")
	}

	for _, c := range []*Controller{h, k} {
		c := c
		waitFor(t, "mute to propagate", func() bool {
			p, ok := c.Presence().Snapshot().Participant(m.SelfID())
			return ok && p.IsMuted
		})
	}

	if muted, _ := m.ToggleMute(); muted {
		t.Fatal("second toggle should unmute")
	}
	waitFor(t, "unmute to propagate", func() bool {
		p, _ := h.Presence().Snapshot().Participant(m.SelfID())
		return !p.IsMuted
	})

	if on, err := m.ToggleVideo(); err != nil || on {
		t.Fatalf("ToggleVideo=%v,%v; want video off", on, err)
	}
}

func TestJoin_Rejected(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		roomID string
		role   models.Role
		want   error
	}{
		{"Missing Room", "abc-123", models.RoleMember, models.ErrRoomNotFound},
		{"Short Room ID", "ab", models.RoleHost, models.ErrInvalidRoomID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := env.newController(t, media.Synthetic{Audio: true}, "json")
			err := c.Join(context.Background(), tt.roomID, tt.role)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err=%v, want %v", err, tt.want)
			}
			if c.State() != StateIdle {
				t.Fatalf("state=%s", c.State())
			}
			if !rec.sawState(StateJoining) || !rec.sawState(StateIdle) {
				t.Fatal("expected joining then idle")
			}
		})
	}

	t.Run("Host Conflict", func(t *testing.T) {
		env.joined(t, models.RoleHost, "json")
		c, _ := env.newController(t, media.Synthetic{Audio: true}, "json")
		if err := c.Join(context.Background(), "abc-123", models.RoleHost); !errors.Is(err, models.ErrHostConflict) {
			t.Fatalf("err=%v, want ErrHostConflict", err)
		}
	})
}

func TestJoin_MediaDeniedBeforeDial(t *testing.T) {
	env := newTestEnv(t)
	c, rec := env.newController(t, media.Synthetic{Audio: true, Deny: true}, "json")

	err := c.Join(context.Background(), "abc-123", models.RoleHost)
	if !errors.Is(err, models.ErrMediaAccessDenied) {
		t.Fatalf("err=%v, want ErrMediaAccessDenied", err)
	}
	if rec.sawState(StateJoining) {
		t.Fatal("entered joining without media")
	}
	n, err := env.hub.ConnectionCount(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("connections=%d err=%v, want none", n, err)
	}
	if _, found, _ := env.hub.Room(context.Background(), "abc-123"); found {
		t.Fatal("room created despite media failure")
	}
}

func TestJoin_Twice(t *testing.T) {
	env := newTestEnv(t)
	h, _ := env.joined(t, models.RoleHost, "json")
	if err := h.Join(context.Background(), "abc-123", models.RoleMember); !errors.Is(err, models.ErrAlreadyInRoom) {
		t.Fatalf("err=%v, want ErrAlreadyInRoom", err)
	}
}

func TestLeave(t *testing.T) {
	env := newTestEnv(t)
	h, _ := env.joined(t, models.RoleHost, "json")
	m, _ := env.joined(t, models.RoleMember, "json")
	mID := m.SelfID()
	waitFor(t, "H link to M", func() bool {
		_, ok := linkTo(h, mID)
		return ok
	})

	m.Leave()

	if m.State() != StateIdle || len(m.Links()) != 0 {
		t.Fatalf("after Leave: state=%s links=%d", m.State(), len(m.Links()))
	}
	if err := m.SendSignal(h.SelfID(), []byte(`{}`)); !errors.Is(err, models.ErrTransportDisconnected) {
		t.Fatalf("SendSignal after Leave err=%v", err)
	}
	if _, err := m.ToggleMute(); !errors.Is(err, models.ErrNotInRoom) {
		t.Fatalf("ToggleMute after Leave err=%v", err)
	}
	if snap := m.Presence().Snapshot(); len(snap.Participants) != 0 {
		t.Fatalf("presence not reset: %+v", snap)
	}

	waitFor(t, "H to drop M", func() bool {
		_, present := h.Presence().Snapshot().Participant(mID)
		_, linked := linkTo(h, mID)
		return !present && !linked
	})

	// Leaving twice is harmless and the controller can join again.
	m.Leave()
	if err := m.Join(context.Background(), "abc-123", models.RoleMember); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
}

func TestHostFailover(t *testing.T) {
	env := newTestEnv(t)
	h, _ := env.joined(t, models.RoleHost, "json")
	m, _ := env.joined(t, models.RoleMember, "json")
	k, _ := env.joined(t, models.RoleMember, "json")

	if _, err := m.ToggleMute(); err != nil {
		t.Fatalf("ToggleMute: %v", err)
	}
	waitFor(t, "K sees M muted", func() bool {
		p, _ := k.Presence().Snapshot().Participant(m.SelfID())
		return p.IsMuted
	})

	h.Leave()

	waitFor(t, "M promoted", func() bool { return m.Role() == models.RoleHost })
	waitFor(t, "K sees M as host", func() bool {
		return k.Presence().Snapshot().HostID == m.SelfID()
	})
	if k.Role() != models.RoleMember {
		t.Fatalf("K role=%s", k.Role())
	}
	if m.Muted() {
		t.Fatal("mute survived promotion to host")
	}
	if p, _ := k.Presence().Snapshot().Participant(m.SelfID()); p.IsMuted {
		t.Fatal("K still sees the new host muted")
	}
}

func TestReconnect(t *testing.T) {
	env := newTestEnv(t)
	h, _ := env.joined(t, models.RoleHost, "json")
	m, rec := env.joined(t, models.RoleMember, "json")
	oldID := m.SelfID()

	waitFor(t, "server connections", func() bool { return env.serverConn(1) != nil })
	if _, err := m.ToggleMute(); err != nil {
		t.Fatalf("ToggleMute: %v", err)
	}

	// Drop M's connection from the server side.
	env.serverConn(1).Close()

	waitFor(t, "rejoin", func() bool {
		return m.State() == StateJoined && m.SelfID() != "" && m.SelfID() != oldID
	})
	if !rec.sawState(StateJoining) {
		t.Fatal("no joining state during reconnect")
	}
	if m.Muted() {
		t.Fatal("mute survived reconnection")
	}
	if l, ok := linkTo(m, h.SelfID()); !ok || !l.Offerer {
		t.Fatalf("rejoined M should offer to H: %+v %v", l, ok)
	}
	waitFor(t, "H sees the new M", func() bool {
		_, gone := h.Presence().Snapshot().Participant(oldID)
		_, present := h.Presence().Snapshot().Participant(m.SelfID())
		return !gone && present
	})
}

func TestReconnect_BudgetExhausted(t *testing.T) {
	env := newTestEnv(t)
	m, rec := env.joined(t, models.RoleHost, "json")

	// Stopping the hub drops every connection and refuses new ones.
	env.stop()
	<-env.hub.Done()

	waitFor(t, "give up", func() bool { return rec.hasError(models.ErrTransportDisconnected) && m.State() == StateIdle })
	if len(m.Links()) != 0 {
		t.Fatal("links survived")
	}
}

func TestRoomClosedByOperator(t *testing.T) {
	env := newTestEnv(t)
	h, hrec := env.joined(t, models.RoleHost, "json")
	m, mrec := env.joined(t, models.RoleMember, "json")

	found, err := env.hub.CloseRoom(context.Background(), "abc-123")
	if err != nil || !found {
		t.Fatalf("CloseRoom=%v,%v", found, err)
	}

	for _, c := range []struct {
		ctl *Controller
		rec *recorder
	}{{h, hrec}, {m, mrec}} {
		c := c
		waitFor(t, "session end", func() bool {
			return c.ctl.State() == StateIdle && c.rec.hasError(models.ErrRoomClosed)
		})
	}
}
