// Package mesh keeps one negotiated media link per remote participant.
//
// For every pair of ids exactly one side offers: the lexicographically
// smaller id. Both sides compute this on their own, so simultaneous offers
// cannot happen. Each link incarnation carries an id; negotiation messages
// naming a link that is gone or was replaced are dropped.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/domain"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/metrics"
	"github.com/beebee-coder/classroom-virtuelle-sub001/lib/logger/sl"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/multierr"
)

var ErrClosed = errors.New("mesh: manager closed")

type LinkState string

const (
	StateIdle      LinkState = "idle"
	StateOffering  LinkState = "offering"
	StateAnswering LinkState = "answering"
	StateConnected LinkState = "connected"
	StateFailed    LinkState = "failed"
	StateClosed    LinkState = "closed"
)

func (s LinkState) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// Initiator reports whether localID offers on the link to remoteID.
func Initiator(localID, remoteID string) bool {
	return localID < remoteID
}

// Signaler carries negotiation messages to the remote side.
type Signaler interface {
	SendSignal(ctx context.Context, msg domain.SignalMessage) error
}

// TrackSource yields the local tracks a new link starts with.
type TrackSource interface {
	Tracks() []webrtc.TrackLocal
}

type EventKind string

const (
	EventLinkAdded     EventKind = "link_added"
	EventLinkConnected EventKind = "link_connected"
	EventLinkRemoved   EventKind = "link_removed"
	EventRemoteTrack   EventKind = "remote_track"
)

type Event struct {
	Kind     EventKind
	RemoteID string
	LinkID   string
	State    LinkState
	Track    *webrtc.TrackRemote
}

type LinkInfo struct {
	RemoteID  string
	LinkID    string
	Initiator bool
	State     LinkState
}

type link struct {
	remoteID  string
	initiator bool
	conn      Conn

	mu                sync.Mutex
	id                string
	state             LinkState
	remoteDescription bool
	pendingCandidates []webrtc.ICECandidateInit
	pendingTracks     map[webrtc.RTPCodecType]webrtc.TrackLocal
}

func (l *link) linkID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.id
}

func (l *link) currentState() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// transition moves the link to s unless it is already terminal.
func (l *link) transition(s LinkState) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Terminal() || l.state == s {
		return false
	}
	l.state = s
	metrics.PeerLinkTransitions.WithLabelValues(string(s)).Inc()
	return true
}

func (l *link) info() LinkInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LinkInfo{RemoteID: l.remoteID, LinkID: l.id, Initiator: l.initiator, State: l.state}
}

type Manager struct {
	localID  string
	factory  ConnFactory
	signaler Signaler
	tracks   TrackSource
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	links map[string]*link
	// retired holds the most recent closed link ids per remote, so late
	// offers for them are not mistaken for a restart.
	retired map[string][]string
	closed  bool

	obsMu     sync.RWMutex
	nextObs   int
	observers map[int]func(Event)
}

func NewManager(localID string, factory ConnFactory, signaler Signaler, tracks TrackSource, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		localID:   localID,
		factory:   factory,
		signaler:  signaler,
		tracks:    tracks,
		log:       log.With(slog.String("component", "mesh"), slog.String("local_id", localID)),
		ctx:       ctx,
		cancel:    cancel,
		links:     make(map[string]*link),
		retired:   make(map[string][]string),
		observers: make(map[int]func(Event)),
	}
}

// OnEvent registers fn for link lifecycle and remote track events.
func (m *Manager) OnEvent(fn func(Event)) (cancel func()) {
	m.obsMu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.obsMu.Unlock()
	return func() {
		m.obsMu.Lock()
		delete(m.observers, id)
		m.obsMu.Unlock()
	}
}

func (m *Manager) notify(evt Event) {
	m.obsMu.RLock()
	fns := make([]func(Event), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.obsMu.RUnlock()
	for _, fn := range fns {
		fn(evt)
	}
}

// EnsureLink creates a link to remoteID unless a live one exists. The local
// side sends the offer only if it is the designated initiator; otherwise the
// link waits for the remote offer.
func (m *Manager) EnsureLink(remoteID string) error {
	if remoteID == "" || remoteID == m.localID {
		return nil
	}
	l, created, err := m.getOrCreate(remoteID, uuid.NewString(), Initiator(m.localID, remoteID))
	if err != nil || !created {
		return err
	}
	if l.initiator {
		return m.offer(l)
	}
	return nil
}

func (m *Manager) getOrCreate(remoteID, linkID string, initiator bool) (*link, bool, error) {
	const op = "mesh.manager.create_link"

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, false, ErrClosed
	}
	if existing, ok := m.links[remoteID]; ok && !existing.currentState().Terminal() {
		m.mu.Unlock()
		return existing, false, nil
	}

	conn, err := m.factory(remoteID)
	if err != nil {
		m.mu.Unlock()
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	l := &link{
		id:            linkID,
		remoteID:      remoteID,
		initiator:     initiator,
		conn:          conn,
		state:         StateIdle,
		pendingTracks: make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
	}
	if m.tracks != nil {
		for _, t := range m.tracks.Tracks() {
			if err := conn.AddTrack(t); err != nil {
				m.log.Warn("add local track failed", slog.String("remote_id", remoteID), sl.Err(err))
			}
		}
	}
	m.wire(l)
	m.links[remoteID] = l
	m.mu.Unlock()

	metrics.PeerLinkTransitions.WithLabelValues(string(StateIdle)).Inc()
	m.log.Info("link created", slog.String("remote_id", remoteID), slog.String("link_id", linkID), slog.Bool("initiator", initiator))
	m.notify(Event{Kind: EventLinkAdded, RemoteID: remoteID, LinkID: linkID, State: StateIdle})
	return l, true, nil
}

func (m *Manager) wire(l *link) {
	l.conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if !m.current(l) {
			return
		}
		candidate := c
		_ = m.send(l, domain.SignalMessage{Type: domain.SignalICECandidate, LinkID: l.linkID(), Candidate: &candidate})
	})
	l.conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.onConnState(l, s)
	})
	l.conn.OnTrack(func(track *webrtc.TrackRemote) {
		if !m.current(l) {
			return
		}
		m.notify(Event{Kind: EventRemoteTrack, RemoteID: l.remoteID, LinkID: l.linkID(), State: l.currentState(), Track: track})
	})
}

// current reports whether l is still the live link for its remote.
func (m *Manager) current(l *link) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[l.remoteID] == l && !l.currentState().Terminal()
}

func (m *Manager) send(l *link, msg domain.SignalMessage) error {
	msg.SenderID = m.localID
	msg.TargetID = l.remoteID
	if err := m.signaler.SendSignal(m.ctx, msg); err != nil {
		m.log.Warn("signal send failed", slog.String("remote_id", l.remoteID), slog.String("type", string(msg.Type)), sl.Err(err))
		return err
	}
	return nil
}

func (m *Manager) offer(l *link) error {
	const op = "mesh.manager.offer"

	l.transition(StateOffering)
	sdp, err := l.conn.CreateOffer(m.ctx)
	if err != nil {
		m.remove(l, StateFailed)
		return fmt.Errorf("%s: %w", op, err)
	}
	if !m.current(l) {
		return nil
	}
	if err := m.send(l, domain.SignalMessage{Type: domain.SignalOffer, LinkID: l.linkID(), SDP: &sdp}); err != nil {
		m.remove(l, StateFailed)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// OnSignalingMessage routes one negotiation message. Messages for this
// client that name an unknown, closed or replaced link are dropped.
func (m *Manager) OnSignalingMessage(msg domain.SignalMessage) {
	if msg.SenderID == "" || msg.SenderID == m.localID {
		return
	}
	if msg.TargetID != "" && msg.TargetID != m.localID {
		return
	}
	log := m.log.With(slog.String("remote_id", msg.SenderID), slog.String("link_id", msg.LinkID), slog.String("type", string(msg.Type)))

	switch msg.Type {
	case domain.SignalOffer:
		m.handleOffer(log, msg)
	case domain.SignalAnswer:
		l := m.match(msg)
		if l == nil || msg.SDP == nil {
			log.Debug("dropping answer")
			return
		}
		if l.currentState() != StateOffering {
			log.Debug("dropping duplicate answer")
			return
		}
		if err := l.conn.AcceptAnswer(*msg.SDP); err != nil {
			log.Warn("accept answer failed", sl.Err(err))
			m.remove(l, StateFailed)
			return
		}
		m.afterRemoteDescription(l)
	case domain.SignalICECandidate:
		l := m.match(msg)
		if l == nil || msg.Candidate == nil {
			log.Debug("dropping candidate")
			return
		}
		l.mu.Lock()
		if !l.remoteDescription {
			l.pendingCandidates = append(l.pendingCandidates, *msg.Candidate)
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()
		if err := l.conn.AddICECandidate(*msg.Candidate); err != nil {
			log.Debug("add candidate failed", sl.Err(err))
		}
	case domain.SignalHangup:
		if l := m.match(msg); l != nil {
			log.Info("remote hung up")
			m.remove(l, StateClosed)
		}
	default:
		log.Debug("dropping unknown signal")
	}
}

func (m *Manager) handleOffer(log *slog.Logger, msg domain.SignalMessage) {
	remoteID := msg.SenderID
	if msg.SDP == nil || msg.LinkID == "" {
		log.Debug("dropping malformed offer")
		return
	}
	if Initiator(m.localID, remoteID) {
		log.Debug("dropping offer from non-initiator")
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.isRetired(remoteID, msg.LinkID) {
		m.mu.Unlock()
		log.Debug("dropping offer for retired link")
		return
	}
	existing := m.links[remoteID]
	var replaced *link
	if existing != nil && !existing.currentState().Terminal() {
		switch {
		case existing.linkID() == msg.LinkID:
			m.mu.Unlock()
			log.Debug("dropping duplicate offer")
			return
		case existing.currentState() == StateIdle:
			// Adopt the initiator's id for the link that was waiting.
			existing.mu.Lock()
			existing.id = msg.LinkID
			existing.mu.Unlock()
			m.mu.Unlock()
			m.answer(existing, *msg.SDP)
			return
		default:
			replaced = existing
		}
	}
	m.mu.Unlock()

	if replaced != nil {
		log.Info("remote restarted link", slog.String("old_link_id", replaced.linkID()))
		m.remove(replaced, StateClosed)
	}

	l, created, err := m.getOrCreate(remoteID, msg.LinkID, false)
	if err != nil {
		log.Warn("create answering link failed", sl.Err(err))
		return
	}
	if !created && l.linkID() != msg.LinkID {
		log.Debug("dropping offer raced by another link")
		return
	}
	m.answer(l, *msg.SDP)
}

func (m *Manager) answer(l *link, offer webrtc.SessionDescription) {
	l.transition(StateAnswering)
	sdp, err := l.conn.AcceptOffer(m.ctx, offer)
	if err != nil {
		m.log.Warn("accept offer failed", slog.String("remote_id", l.remoteID), sl.Err(err))
		m.remove(l, StateFailed)
		return
	}
	m.afterRemoteDescription(l)
	if !m.current(l) {
		return
	}
	if err := m.send(l, domain.SignalMessage{Type: domain.SignalAnswer, LinkID: l.linkID(), SDP: &sdp}); err != nil {
		m.remove(l, StateFailed)
	}
}

func (m *Manager) afterRemoteDescription(l *link) {
	l.mu.Lock()
	l.remoteDescription = true
	pending := l.pendingCandidates
	l.pendingCandidates = nil
	l.mu.Unlock()

	for _, c := range pending {
		if err := l.conn.AddICECandidate(c); err != nil {
			m.log.Debug("add buffered candidate failed", slog.String("remote_id", l.remoteID), sl.Err(err))
		}
	}
}

// match returns the live link msg refers to, or nil.
func (m *Manager) match(msg domain.SignalMessage) *link {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[msg.SenderID]
	if !ok || l.linkID() != msg.LinkID || l.currentState().Terminal() {
		return nil
	}
	return l
}

func (m *Manager) onConnState(l *link, s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		l.mu.Lock()
		if l.state.Terminal() || l.state == StateConnected {
			l.mu.Unlock()
			return
		}
		l.state = StateConnected
		pending := l.pendingTracks
		l.pendingTracks = make(map[webrtc.RTPCodecType]webrtc.TrackLocal)
		l.mu.Unlock()
		metrics.PeerLinkTransitions.WithLabelValues(string(StateConnected)).Inc()

		for kind, track := range pending {
			if err := l.conn.ReplaceTrack(kind, track); err != nil {
				m.log.Warn("queued track replace failed", slog.String("remote_id", l.remoteID), sl.Err(err))
			}
		}
		m.log.Info("link connected", slog.String("remote_id", l.remoteID), slog.String("link_id", l.linkID()))
		m.notify(Event{Kind: EventLinkConnected, RemoteID: l.remoteID, LinkID: l.linkID(), State: StateConnected})
	case webrtc.PeerConnectionStateFailed:
		m.remove(l, StateFailed)
	case webrtc.PeerConnectionStateClosed:
		m.remove(l, StateClosed)
	}
}

// remove retires l, closes its connection and notifies observers once.
func (m *Manager) remove(l *link, final LinkState) error {
	m.mu.Lock()
	if m.links[l.remoteID] == l {
		delete(m.links, l.remoteID)
	}
	m.retire(l.remoteID, l.linkID())
	m.mu.Unlock()

	if !l.transition(final) {
		return nil
	}
	err := l.conn.Close()
	m.log.Info("link removed", slog.String("remote_id", l.remoteID), slog.String("link_id", l.linkID()), slog.String("state", string(final)))
	m.notify(Event{Kind: EventLinkRemoved, RemoteID: l.remoteID, LinkID: l.linkID(), State: final})
	return err
}

// retiredPerRemote bounds the retired ids remembered for one remote.
const retiredPerRemote = 8

// retire records linkID as closed. Callers hold m.mu.
func (m *Manager) retire(remoteID, linkID string) {
	if linkID == "" || m.isRetired(remoteID, linkID) {
		return
	}
	ids := append(m.retired[remoteID], linkID)
	if len(ids) > retiredPerRemote {
		ids = ids[len(ids)-retiredPerRemote:]
	}
	m.retired[remoteID] = ids
}

func (m *Manager) isRetired(remoteID, linkID string) bool {
	for _, id := range m.retired[remoteID] {
		if id == linkID {
			return true
		}
	}
	return false
}

// ReplaceLocalTrack sends track for kind on every link. Links still
// negotiating get it once they connect.
func (m *Manager) ReplaceLocalTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) {
	for _, l := range m.snapshot() {
		l.mu.Lock()
		switch {
		case l.state == StateConnected:
			l.mu.Unlock()
			if err := l.conn.ReplaceTrack(kind, track); err != nil {
				m.log.Warn("replace track failed", slog.String("remote_id", l.remoteID), sl.Err(err))
			}
		case l.state.Terminal():
			l.mu.Unlock()
		default:
			l.pendingTracks[kind] = track
			l.mu.Unlock()
		}
	}
}

// RemoveLink closes the link to remoteID, if any.
func (m *Manager) RemoveLink(remoteID string) error {
	m.mu.Lock()
	l, ok := m.links[remoteID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.remove(l, StateClosed)
}

// Reconcile closes links to ids missing from present and ensures a link to
// every id in it.
func (m *Manager) Reconcile(present []string) error {
	want := make(map[string]struct{}, len(present))
	for _, id := range present {
		want[id] = struct{}{}
	}

	var err error
	for _, l := range m.snapshot() {
		if _, ok := want[l.remoteID]; !ok {
			err = multierr.Append(err, m.remove(l, StateClosed))
		}
	}
	for _, id := range present {
		err = multierr.Append(err, m.EnsureLink(id))
	}
	return err
}

func (m *Manager) Link(remoteID string) (LinkInfo, bool) {
	m.mu.Lock()
	l, ok := m.links[remoteID]
	m.mu.Unlock()
	if !ok {
		return LinkInfo{}, false
	}
	return l.info(), true
}

// Links returns every live link sorted by remote id.
func (m *Manager) Links() []LinkInfo {
	links := m.snapshot()
	out := make([]LinkInfo, 0, len(links))
	for _, l := range links {
		out = append(out, l.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}

func (m *Manager) snapshot() []*link {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l)
	}
	return out
}

// Close cancels in-flight negotiations, tells every remote the link is going
// away and closes all links. Further calls are no-ops.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	m.cancel()

	var err error
	for _, l := range m.snapshot() {
		hangup := domain.SignalMessage{Type: domain.SignalHangup, LinkID: l.linkID(), SenderID: m.localID, TargetID: l.remoteID}
		if sendErr := m.signaler.SendSignal(ctx, hangup); sendErr != nil {
			m.log.Debug("hangup not sent", slog.String("remote_id", l.remoteID), sl.Err(sendErr))
		}
		err = multierr.Append(err, m.remove(l, StateClosed))
	}
	return err
}
