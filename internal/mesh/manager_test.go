package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/domain"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	remoteID string

	mu         sync.Mutex
	added      []webrtc.TrackLocal
	replaced   map[webrtc.RTPCodecType]webrtc.TrackLocal
	remoteDesc *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closed     bool
	offerErr   error

	onState func(webrtc.PeerConnectionState)
	onICE   func(webrtc.ICECandidateInit)
}

func (c *fakeConn) AddTrack(t webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.added = append(c.added, t)
	return nil
}

func (c *fakeConn) ReplaceTrack(kind webrtc.RTPCodecType, t webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaced[kind] = t
	return nil
}

func (c *fakeConn) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	if c.offerErr != nil {
		return webrtc.SessionDescription{}, c.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (c *fakeConn) AcceptOffer(_ context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	c.remoteDesc = &offer
	c.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (c *fakeConn) AcceptAnswer(answer webrtc.SessionDescription) error {
	c.mu.Lock()
	c.remoteDesc = &answer
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit))              { c.onICE = fn }
func (c *fakeConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) { c.onState = fn }
func (c *fakeConn) OnTrack(func(*webrtc.TrackRemote))                           {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeFactory struct {
	mu       sync.Mutex
	conns    map[string][]*fakeConn
	offerErr error
}

func newFactory() *fakeFactory {
	return &fakeFactory{conns: make(map[string][]*fakeConn)}
}

func (f *fakeFactory) factory(remoteID string) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeConn{remoteID: remoteID, replaced: make(map[webrtc.RTPCodecType]webrtc.TrackLocal), offerErr: f.offerErr}
	f.conns[remoteID] = append(f.conns[remoteID], c)
	return c, nil
}

func (f *fakeFactory) last(remoteID string) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	conns := f.conns[remoteID]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

func (f *fakeFactory) count(remoteID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns[remoteID])
}

// router delivers signals between managers synchronously and records them.
type router struct {
	mu    sync.Mutex
	peers map[string]*Manager
	sent  []domain.SignalMessage
}

func (r *router) SendSignal(_ context.Context, msg domain.SignalMessage) error {
	r.mu.Lock()
	r.sent = append(r.sent, msg)
	target := r.peers[msg.TargetID]
	r.mu.Unlock()
	if target != nil {
		target.OnSignalingMessage(msg)
	}
	return nil
}

func (r *router) count(t domain.SignalType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.sent {
		if m.Type == t {
			n++
		}
	}
	return n
}

type staticTracks []webrtc.TrackLocal

func (s staticTracks) Tracks() []webrtc.TrackLocal { return s }

func newTrack(t *testing.T, kind webrtc.RTPCodecType, id string) webrtc.TrackLocal {
	t.Helper()
	mime := webrtc.MimeTypeVP8
	if kind == webrtc.RTPCodecTypeAudio {
		mime = webrtc.MimeTypeOpus
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "stream")
	require.NoError(t, err)
	return track
}

func pair(t *testing.T) (*router, *Manager, *fakeFactory, *Manager, *fakeFactory) {
	t.Helper()
	r := &router{peers: make(map[string]*Manager)}
	af, bf := newFactory(), newFactory()
	alice := NewManager("alice", af.factory, r, nil, nil)
	bob := NewManager("bob", bf.factory, r, nil, nil)
	r.peers["alice"] = alice
	r.peers["bob"] = bob
	return r, alice, af, bob, bf
}

func TestInitiatorIsAgreedByBothSides(t *testing.T) {
	cases := [][2]string{{"alice", "bob"}, {"s-2", "s-10"}, {"teacher", "student"}}
	for _, c := range cases {
		assert.NotEqual(t, Initiator(c[0], c[1]), Initiator(c[1], c[0]), "%v", c)
	}
}

func TestGlareResolvesToSingleLink(t *testing.T) {
	orders := map[string][]string{
		"initiator first":     {"alice", "bob"},
		"non-initiator first": {"bob", "alice"},
	}
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			r, alice, af, bob, bf := pair(t)
			managers := map[string]*Manager{"alice": alice, "bob": bob}
			remote := map[string]string{"alice": "bob", "bob": "alice"}

			for _, id := range order {
				require.NoError(t, managers[id].EnsureLink(remote[id]))
			}

			assert.Equal(t, 1, r.count(domain.SignalOffer))
			assert.Equal(t, 1, r.count(domain.SignalAnswer))
			assert.Equal(t, 1, af.count("bob"))
			assert.Equal(t, 1, bf.count("alice"))

			al, ok := alice.Link("bob")
			require.True(t, ok)
			bl, ok := bob.Link("alice")
			require.True(t, ok)
			assert.True(t, al.Initiator)
			assert.False(t, bl.Initiator)
			assert.Equal(t, al.LinkID, bl.LinkID)
			assert.Equal(t, StateOffering, al.State)
			assert.Equal(t, StateAnswering, bl.State)
		})
	}
}

func TestEnsureLinkIsNoOpWhileLive(t *testing.T) {
	r, alice, af, _, _ := pair(t)
	delete(r.peers, "bob")

	require.NoError(t, alice.EnsureLink("bob"))
	require.NoError(t, alice.EnsureLink("bob"))
	require.NoError(t, alice.EnsureLink("alice"))
	require.NoError(t, alice.EnsureLink(""))

	assert.Equal(t, 1, af.count("bob"))
	assert.Equal(t, 1, r.count(domain.SignalOffer))
	assert.Len(t, alice.Links(), 1)
}

func TestStaleAndForeignMessagesAreDropped(t *testing.T) {
	r, alice, af, _, _ := pair(t)
	delete(r.peers, "bob")
	require.NoError(t, alice.EnsureLink("bob"))
	conn := af.last("bob")
	answer := &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}

	alice.OnSignalingMessage(domain.SignalMessage{Type: domain.SignalAnswer, LinkID: "unknown", SDP: answer, SenderID: "bob", TargetID: "alice"})
	alice.OnSignalingMessage(domain.SignalMessage{Type: domain.SignalAnswer, LinkID: "unknown", SDP: answer, SenderID: "carol", TargetID: "alice"})
	link, _ := alice.Link("bob")
	alice.OnSignalingMessage(domain.SignalMessage{Type: domain.SignalAnswer, LinkID: link.LinkID, SDP: answer, SenderID: "bob", TargetID: "dave"})
	alice.OnSignalingMessage(domain.SignalMessage{Type: "bogus", LinkID: link.LinkID, SenderID: "bob"})

	conn.mu.Lock()
	assert.Nil(t, conn.remoteDesc)
	conn.mu.Unlock()
	assert.Equal(t, 1, af.count("bob"))
	_, ok := alice.Link("carol")
	assert.False(t, ok)
}

func TestOfferFromNonInitiatorIsIgnored(t *testing.T) {
	_, alice, af, _, _ := pair(t)

	alice.OnSignalingMessage(domain.SignalMessage{
		Type:     domain.SignalOffer,
		LinkID:   "l1",
		SDP:      &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"},
		SenderID: "bob",
		TargetID: "alice",
	})

	assert.Equal(t, 0, af.count("bob"))
	assert.Empty(t, alice.Links())
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	r, alice, af, _, _ := pair(t)
	delete(r.peers, "bob")
	require.NoError(t, alice.EnsureLink("bob"))
	conn := af.last("bob")
	link, _ := alice.Link("bob")

	candidate := &webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}
	alice.OnSignalingMessage(domain.SignalMessage{Type: domain.SignalICECandidate, LinkID: link.LinkID, Candidate: candidate, SenderID: "bob"})

	conn.mu.Lock()
	assert.Empty(t, conn.candidates)
	conn.mu.Unlock()

	alice.OnSignalingMessage(domain.SignalMessage{
		Type:     domain.SignalAnswer,
		LinkID:   link.LinkID,
		SDP:      &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"},
		SenderID: "bob",
	})

	conn.mu.Lock()
	assert.Len(t, conn.candidates, 1)
	conn.mu.Unlock()

	alice.OnSignalingMessage(domain.SignalMessage{Type: domain.SignalICECandidate, LinkID: link.LinkID, Candidate: candidate, SenderID: "bob"})
	conn.mu.Lock()
	assert.Len(t, conn.candidates, 2)
	conn.mu.Unlock()
}

func TestLocalCandidatesAreSignalled(t *testing.T) {
	r, alice, af, _, _ := pair(t)
	delete(r.peers, "bob")
	require.NoError(t, alice.EnsureLink("bob"))

	af.last("bob").onICE(webrtc.ICECandidateInit{Candidate: "candidate:1"})
	assert.Equal(t, 1, r.count(domain.SignalICECandidate))
}

func TestReplaceLocalTrackQueuedUntilConnected(t *testing.T) {
	_, alice, af, _, _ := pair(t)
	require.NoError(t, alice.EnsureLink("bob"))
	screen := newTrack(t, webrtc.RTPCodecTypeVideo, "screen")

	alice.ReplaceLocalTrack(webrtc.RTPCodecTypeVideo, screen)

	conn := af.last("bob")
	conn.mu.Lock()
	assert.Empty(t, conn.replaced)
	conn.mu.Unlock()

	conn.onState(webrtc.PeerConnectionStateConnected)
	conn.mu.Lock()
	assert.Equal(t, screen, conn.replaced[webrtc.RTPCodecTypeVideo])
	conn.mu.Unlock()

	camera := newTrack(t, webrtc.RTPCodecTypeVideo, "camera")
	alice.ReplaceLocalTrack(webrtc.RTPCodecTypeVideo, camera)
	conn.mu.Lock()
	assert.Equal(t, camera, conn.replaced[webrtc.RTPCodecTypeVideo])
	conn.mu.Unlock()

	info, _ := alice.Link("bob")
	assert.Equal(t, StateConnected, info.State)
}

func TestNewLinksCarryLocalTracks(t *testing.T) {
	r := &router{peers: make(map[string]*Manager)}
	f := newFactory()
	tracks := staticTracks{newTrack(t, webrtc.RTPCodecTypeAudio, "mic"), newTrack(t, webrtc.RTPCodecTypeVideo, "cam")}
	m := NewManager("alice", f.factory, r, tracks, nil)

	require.NoError(t, m.EnsureLink("bob"))
	conn := f.last("bob")
	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Len(t, conn.added, 2)
}

func TestFailedLinkIsRemovedAndCanBeRecreated(t *testing.T) {
	r, alice, af, _, _ := pair(t)
	delete(r.peers, "bob")

	var mu sync.Mutex
	var events []Event
	alice.OnEvent(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	require.NoError(t, alice.EnsureLink("bob"))
	first := af.last("bob")
	first.onState(webrtc.PeerConnectionStateFailed)
	first.onState(webrtc.PeerConnectionStateFailed)

	assert.Empty(t, alice.Links())
	assert.True(t, first.isClosed())

	mu.Lock()
	require.Len(t, events, 2)
	assert.Equal(t, EventLinkAdded, events[0].Kind)
	assert.Equal(t, EventLinkRemoved, events[1].Kind)
	assert.Equal(t, StateFailed, events[1].State)
	mu.Unlock()

	require.NoError(t, alice.EnsureLink("bob"))
	assert.Equal(t, 2, af.count("bob"))
	assert.NotSame(t, first, af.last("bob"))
}

func TestOfferFailureRemovesLink(t *testing.T) {
	r, alice, af, _, _ := pair(t)
	delete(r.peers, "bob")
	af.offerErr = errors.New("no codecs")

	err := alice.EnsureLink("bob")
	assert.Error(t, err)
	assert.Empty(t, alice.Links())
	assert.True(t, af.last("bob").isClosed())
}

func TestRemoteRestartReplacesLink(t *testing.T) {
	_, _, _, bob, bf := pair(t)
	offer := &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}

	bob.OnSignalingMessage(domain.SignalMessage{Type: domain.SignalOffer, LinkID: "l1", SDP: offer, SenderID: "alice", TargetID: "bob"})
	bob.OnSignalingMessage(domain.SignalMessage{Type: domain.SignalOffer, LinkID: "l1", SDP: offer, SenderID: "alice", TargetID: "bob"})
	assert.Equal(t, 1, bf.count("alice"))
	first := bf.last("alice")

	bob.OnSignalingMessage(domain.SignalMessage{Type: domain.SignalOffer, LinkID: "l2", SDP: offer, SenderID: "alice", TargetID: "bob"})
	assert.Equal(t, 2, bf.count("alice"))
	assert.True(t, first.isClosed())

	info, ok := bob.Link("alice")
	require.True(t, ok)
	assert.Equal(t, "l2", info.LinkID)

	// A late replay of the first offer must not resurrect it.
	bob.OnSignalingMessage(domain.SignalMessage{Type: domain.SignalOffer, LinkID: "l1", SDP: offer, SenderID: "alice", TargetID: "bob"})
	assert.Equal(t, 2, bf.count("alice"))
	info, _ = bob.Link("alice")
	assert.Equal(t, "l2", info.LinkID)
}

func TestRetiredLinkIDsAreBounded(t *testing.T) {
	_, _, _, bob, bf := pair(t)
	offer := &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}

	const restarts = 3 * retiredPerRemote
	for i := 0; i < restarts; i++ {
		bob.OnSignalingMessage(domain.SignalMessage{Type: domain.SignalOffer, LinkID: fmt.Sprintf("l%d", i), SDP: offer, SenderID: "alice", TargetID: "bob"})
	}
	require.Equal(t, restarts, bf.count("alice"))

	bob.mu.Lock()
	retired := len(bob.retired["alice"])
	bob.mu.Unlock()
	assert.Equal(t, retiredPerRemote, retired)

	bob.OnSignalingMessage(domain.SignalMessage{Type: domain.SignalOffer, LinkID: fmt.Sprintf("l%d", restarts-2), SDP: offer, SenderID: "alice", TargetID: "bob"})
	assert.Equal(t, restarts, bf.count("alice"))
	info, ok := bob.Link("alice")
	require.True(t, ok)
	assert.Equal(t, fmt.Sprintf("l%d", restarts-1), info.LinkID)
}

func TestHangupClosesLink(t *testing.T) {
	_, alice, af, bob, _ := pair(t)
	require.NoError(t, alice.EnsureLink("bob"))

	require.NoError(t, bob.Close(context.Background()))

	assert.Empty(t, alice.Links())
	assert.True(t, af.last("bob").isClosed())
	assert.ErrorIs(t, bob.EnsureLink("alice"), ErrClosed)
	require.NoError(t, bob.Close(context.Background()))
}

func TestReconcileFollowsPresence(t *testing.T) {
	r, alice, af, _, _ := pair(t)
	delete(r.peers, "bob")

	require.NoError(t, alice.Reconcile([]string{"bob", "carol"}))
	assert.Len(t, alice.Links(), 2)
	bobConn := af.last("bob")

	require.NoError(t, alice.Reconcile([]string{"carol", "dave", "alice"}))
	links := alice.Links()
	require.Len(t, links, 2)
	assert.Equal(t, "carol", links[0].RemoteID)
	assert.Equal(t, "dave", links[1].RemoteID)
	assert.True(t, bobConn.isClosed())
	assert.Equal(t, 1, af.count("carol"))

	require.NoError(t, alice.RemoveLink("carol"))
	require.NoError(t, alice.RemoveLink("carol"))
	assert.Len(t, alice.Links(), 1)
}
