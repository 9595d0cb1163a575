// Package session runs one participant's side of a live class: it owns the
// realtime connection, tracks presence, keeps a media link to every other
// participant and folds broadcast events into the shared session state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/domain"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/hub"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/media"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/mesh"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/metrics"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/presence"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/scoring"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/signaling"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/syncstate"
	"github.com/beebee-coder/classroom-virtuelle-sub001/lib/logger/sl"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// Channel events outside the shared-state set.
const (
	EventSignal       = "signal"
	EventStateRequest = "stateRequest"
)

var (
	ErrNotJoined     = errors.New("session: not joined")
	ErrAlreadyJoined = errors.New("session: already joined")
	ErrLeft          = errors.New("session: left")
	ErrDegraded      = errors.New("session: degraded, realtime connection lost")
	ErrNotTeacher    = errors.New("session: only the teacher can do this")
	ErrNoActiveQuiz  = errors.New("session: no active quiz")
	ErrDocumentURL   = errors.New("session: document url is required")
)

type Mode string

const (
	ModeIdle         Mode = "idle"
	ModeJoining      Mode = "joining"
	ModeLive         Mode = "live"
	ModeReconnecting Mode = "reconnecting"
	// ModeDegraded is read-only: the transport gave up reconnecting.
	ModeDegraded Mode = "degraded"
	ModeEnded    Mode = "ended"
	ModeRemoved  Mode = "removed"
	ModeLeft     Mode = "left"
)

func (m Mode) finished() bool {
	return m == ModeEnded || m == ModeRemoved || m == ModeLeft
}

type Options struct {
	SessionID   uuid.UUID
	Self        presence.Member
	TeacherID   string
	Transport   signaling.Transport
	Credentials signaling.CredentialSource
	Devices     media.DeviceProvider
	Constraints media.Constraints
	Conns       mesh.ConnFactory
	// Awarder receives the quiz winners when the teacher ends a quiz. Nil
	// skips awarding.
	Awarder             scoring.PointAwarder
	Rules               scoring.Rules
	DefaultTimerSeconds int
	// TickInterval is how often the local countdown advances one second.
	TickInterval time.Duration
	// MaxLinkRetries bounds how often a failed link to a present remote is
	// recreated before waiting for the remote to rejoin.
	MaxLinkRetries int
	Log            *slog.Logger
}

type memberJoined struct{ id string }

type memberDeparted struct{ id string }

type connStateChanged struct{ state signaling.ConnState }

type Controller struct {
	opts        Options
	log         *slog.Logger
	channelName string
	reducer     syncstate.Reducer

	tracker *presence.Tracker
	media   *media.Controller
	mesh    *mesh.Manager
	inbox   *inbox

	mu      sync.RWMutex
	mode    Mode
	state   syncstate.State
	// version counts state changes, local or remote.
	version uint64
	// applied is the highest channel sequence number folded into state.
	applied uint64
	history history
	quiz    *syncstate.QuizDefinition
	conn    signaling.Connection
	channel signaling.Channel
	cancels []func()
	stop    context.CancelFunc
	done    chan struct{}
	retries map[string]int

	leaveOnce sync.Once
	leaveErr  error

	obsMu    sync.RWMutex
	nextObs  int
	stateObs map[int]func(syncstate.State)
	modeObs  map[int]func(Mode)
}

func New(opts Options) (*Controller, error) {
	if opts.SessionID == uuid.Nil {
		return nil, errors.New("session: session id is required")
	}
	if opts.Self.ID == "" {
		return nil, errors.New("session: participant id is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("session: transport is required")
	}
	if opts.Conns == nil {
		return nil, errors.New("session: peer connection factory is required")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Devices == nil {
		opts.Devices = media.SampleProvider{StreamPrefix: opts.Self.ID}
	}
	if opts.Rules.PointsPerCorrect <= 0 {
		opts.Rules = scoring.DefaultRules()
	}
	if opts.DefaultTimerSeconds <= 0 {
		opts.DefaultTimerSeconds = syncstate.DefaultTimerSeconds
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.MaxLinkRetries <= 0 {
		opts.MaxLinkRetries = 3
	}
	if opts.Self.ID == opts.TeacherID {
		opts.Self.Role = domain.RoleTeacher
	} else {
		opts.Self.Role = domain.RoleStudent
	}

	log := opts.Log.With(
		slog.String("session_id", opts.SessionID.String()),
		slog.String("participant_id", opts.Self.ID),
	)

	c := &Controller{
		opts:        opts,
		log:         log,
		channelName: domain.ChannelName(opts.SessionID),
		reducer: syncstate.Reducer{
			LocalID:             opts.Self.ID,
			TeacherID:           opts.TeacherID,
			DefaultTimerSeconds: opts.DefaultTimerSeconds,
		},
		tracker:  presence.New(opts.Self.ID, log),
		media:    media.NewController(opts.Devices, log),
		inbox:    newInbox(),
		mode:     ModeIdle,
		state:    syncstate.NewState(opts.DefaultTimerSeconds),
		retries:  make(map[string]int),
		stateObs: make(map[int]func(syncstate.State)),
		modeObs:  make(map[int]func(Mode)),
	}
	c.mesh = mesh.NewManager(opts.Self.ID, opts.Conns, c, c.media, log)
	c.media.SetReplacer(c.mesh)

	c.tracker.OnJoin(func(m presence.Member) { c.inbox.push(memberJoined{id: m.ID}) })
	c.tracker.OnDepart(func(id string) { c.inbox.push(memberDeparted{id: id}) })
	c.mesh.OnEvent(func(e mesh.Event) { c.inbox.push(e) })

	return c, nil
}

func (c *Controller) ID() string { return c.opts.Self.ID }

func (c *Controller) IsTeacher() bool { return c.opts.Self.Role == domain.RoleTeacher }

func (c *Controller) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// State returns the current shared state. The reducer never mutates a state
// it handed out, so the value stays consistent.
func (c *Controller) State() syncstate.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Present returns the ids of the other participants currently connected.
func (c *Controller) Present() []string { return c.tracker.Remote() }

func (c *Controller) Links() []mesh.LinkInfo { return c.mesh.Links() }

func (c *Controller) Media() *media.Controller { return c.media }

// OnStateChange registers fn for every state change, local or remote.
func (c *Controller) OnStateChange(fn func(syncstate.State)) (cancel func()) {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.stateObs[id] = fn
	c.obsMu.Unlock()
	return func() {
		c.obsMu.Lock()
		delete(c.stateObs, id)
		c.obsMu.Unlock()
	}
}

func (c *Controller) OnModeChange(fn func(Mode)) (cancel func()) {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.modeObs[id] = fn
	c.obsMu.Unlock()
	return func() {
		c.obsMu.Lock()
		delete(c.modeObs, id)
		c.obsMu.Unlock()
	}
}

// OnLinkEvent exposes link lifecycle and remote tracks.
func (c *Controller) OnLinkEvent(fn func(mesh.Event)) (cancel func()) {
	return c.mesh.OnEvent(fn)
}

// Join connects, acquires local media, enters presence and asks for the
// current state. A controller joins once; after Leave it cannot rejoin.
func (c *Controller) Join(ctx context.Context) error {
	const op = "session.controller.join"
	log := c.log.With(slog.String("op", op))

	c.mu.Lock()
	if c.mode != ModeIdle {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", op, ErrAlreadyJoined)
	}
	c.mode = ModeJoining
	c.mu.Unlock()

	conn, err := c.opts.Transport.Connect(ctx, c.opts.Self.ID, c.opts.Credentials)
	if err != nil {
		c.setMode(ModeIdle)
		log.Error("connect failed", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	ch := conn.Channel(c.channelName)

	loopCtx, stop := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.stop = stop
	c.done = make(chan struct{})
	c.cancels = append(c.cancels,
		ch.Subscribe("", func(msg signaling.Message) { c.inbox.push(msg) }),
		c.tracker.Attach(ch.Presence()),
		conn.OnStateChange(func(s signaling.ConnState) { c.inbox.push(connStateChanged{state: s}) }),
	)
	done := c.done
	c.mu.Unlock()

	go c.run(loopCtx, done)

	if err := c.media.Acquire(ctx, c.opts.Constraints); err != nil {
		log.Warn("joining without local media", sl.Err(err))
	}

	if err := c.tracker.Enter(ctx, ch.Presence(), c.opts.Self); err != nil {
		log.Error("presence enter failed", sl.Err(err))
		_ = c.teardown(ctx, false)
		return fmt.Errorf("%s: %w", op, err)
	}

	c.setMode(ModeLive)
	if err := c.mesh.Reconcile(c.tracker.Remote()); err != nil {
		log.Warn("initial link setup incomplete", sl.Err(err))
	}
	c.requestState(ctx)

	log.Info("joined session", slog.String("role", string(c.opts.Self.Role)), slog.Int("present", len(c.tracker.Remote())))
	return nil
}

// Leave announces the departure and releases everything: pending
// negotiations and links first, then local tracks, then presence. Every step
// runs even if an earlier one fails.
func (c *Controller) Leave(ctx context.Context) error {
	return c.teardown(ctx, true)
}

func (c *Controller) teardown(ctx context.Context, announce bool) error {
	c.leaveOnce.Do(func() {
		const op = "session.controller.leave"
		log := c.log.With(slog.String("op", op))

		c.mu.Lock()
		prev := c.mode
		if !prev.finished() {
			c.mode = ModeLeft
		}
		ch, conn := c.channel, c.conn
		cancels := c.cancels
		c.cancels = nil
		stop, done := c.stop, c.done
		c.mu.Unlock()
		if !prev.finished() {
			c.notifyMode(ModeLeft)
		}

		var err error
		if announce && ch != nil && (prev == ModeLive || prev == ModeReconnecting) {
			err = multierr.Append(err, ch.Publish(ctx, syncstate.NameParticipantLeft, syncstate.ParticipantLeft{ParticipantID: c.opts.Self.ID}))
		}

		err = multierr.Append(err, c.mesh.Close(ctx))
		err = multierr.Append(err, c.media.Stop())

		if ch != nil {
			if leaveErr := ch.Presence().Leave(ctx); !transportGone(leaveErr) {
				err = multierr.Append(err, leaveErr)
			}
		}
		c.tracker.Clear()

		for _, cancel := range cancels {
			cancel()
		}
		if stop != nil {
			stop()
			<-done
		}
		if conn != nil {
			err = multierr.Append(err, conn.Close())
		}

		if err != nil {
			log.Warn("left with errors", sl.Err(err))
		} else {
			log.Info("left session")
		}
		c.leaveErr = err
	})
	return c.leaveErr
}

func transportGone(err error) bool {
	return err == nil || errors.Is(err, signaling.ErrNotConnected) || errors.Is(err, signaling.ErrClosed)
}

// SendSignal publishes a negotiation message for the mesh.
func (c *Controller) SendSignal(ctx context.Context, msg domain.SignalMessage) error {
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()
	if ch == nil {
		return ErrNotJoined
	}
	return ch.Publish(ctx, EventSignal, msg)
}

func (c *Controller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.inbox.wake:
			for _, item := range c.inbox.drain() {
				if ctx.Err() != nil {
					return
				}
				c.handle(ctx, item)
			}
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Controller) handle(ctx context.Context, item any) {
	if c.Mode().finished() {
		return
	}
	switch v := item.(type) {
	case signaling.Message:
		c.handleMessage(ctx, v)
	case memberJoined:
		c.onMemberJoined(v.id)
	case memberDeparted:
		c.onMemberDeparted(v.id)
	case connStateChanged:
		c.onConnState(ctx, v.state)
	case mesh.Event:
		c.onLinkEvent(v)
	}
}

func (c *Controller) handleMessage(ctx context.Context, msg signaling.Message) {
	log := c.log.With(slog.String("event", msg.Name), slog.String("from", msg.From))

	switch {
	case msg.Name == EventSignal:
		var sig domain.SignalMessage
		if err := msg.Decode(&sig); err != nil {
			log.Debug("dropping malformed signal", sl.Err(err))
			return
		}
		// The transport vouches for the origin, the payload does not.
		sig.SenderID = msg.From
		c.mesh.OnSignalingMessage(sig)

	case msg.Name == EventStateRequest:
		if c.IsTeacher() && msg.From != c.opts.Self.ID {
			c.publishSnapshot(ctx)
		}

	case msg.Name == domain.EventSessionEnded:
		if msg.From != hub.ServerClientID {
			return
		}
		log.Info("session ended by server")
		c.finish(ModeEnded)

	case msg.Name == domain.EventParticipantRemoved:
		if msg.From != hub.ServerClientID {
			return
		}
		var p domain.ParticipantRemovedPayload
		if err := msg.Decode(&p); err != nil || p.ParticipantID == "" {
			log.Debug("dropping malformed removal")
			return
		}
		if p.ParticipantID == c.opts.Self.ID {
			log.Info("removed from session")
			c.finish(ModeRemoved)
			return
		}
		c.applySequenced(msg.Seq, syncstate.Envelope{From: msg.From, Event: syncstate.ParticipantLeft{ParticipantID: p.ParticipantID}})

	case msg.Name == domain.EventParticipantAdmitted:
		log.Debug("participant admitted")

	case syncstate.IsStateEvent(msg.Name):
		evt, err := syncstate.Decode(msg.Name, msg.Data)
		if err != nil {
			metrics.ReducerEventsRejected.WithLabelValues(msg.Name).Inc()
			log.Warn("dropping state event", sl.Err(err))
			return
		}
		switch e := evt.(type) {
		case syncstate.StateSnapshot:
			if msg.From == c.opts.Self.ID {
				return
			}
			c.applySnapshot(msg.From, msg.Seq, e)
		default:
			if msg.From == c.opts.Self.ID {
				// Applied when it was sent.
				c.confirm(msg.Seq, evt)
				return
			}
			c.applySequenced(msg.Seq, syncstate.Envelope{From: msg.From, Event: ownedBy(evt, msg.From)})
		}

	default:
		log.Debug("ignoring event")
	}
}

// ownedBy pins events a participant may only send about themselves to the
// transport origin.
func ownedBy(evt syncstate.Event, from string) syncstate.Event {
	switch e := evt.(type) {
	case syncstate.HandRaiseUpdate:
		e.ParticipantID = from
		return e
	case syncstate.UnderstandingUpdate:
		e.ParticipantID = from
		return e
	case syncstate.QuizResponseEvent:
		e.ParticipantID = from
		return e
	case syncstate.ParticipantLeft:
		e.ParticipantID = from
		return e
	}
	return evt
}

// finish tears down after the server ended the session or removed us. It
// runs off the loop, which teardown waits for.
func (c *Controller) finish(m Mode) {
	c.setMode(m)
	go func() {
		_ = c.teardown(context.Background(), false)
	}()
}

func (c *Controller) onMemberJoined(id string) {
	c.mu.Lock()
	delete(c.retries, id)
	c.mu.Unlock()

	if err := c.mesh.EnsureLink(id); err != nil {
		c.log.Warn("link setup failed", slog.String("remote_id", id), sl.Err(err))
	}
}

// onMemberDeparted releases what only a present participant can hold. The
// roster and hand-raise queue are left alone: a dropped connection is not a
// departure from the class.
func (c *Controller) onMemberDeparted(id string) {
	c.apply(syncstate.Envelope{
		From:  c.opts.Self.ID,
		Local: true,
		Event: syncstate.WhiteboardControllerCleared{ParticipantID: id},
	})
	if err := c.mesh.RemoveLink(id); err != nil {
		c.log.Debug("link close failed", slog.String("remote_id", id), sl.Err(err))
	}
}

func (c *Controller) onLinkEvent(e mesh.Event) {
	switch e.Kind {
	case mesh.EventLinkConnected:
		c.mu.Lock()
		delete(c.retries, e.RemoteID)
		c.mu.Unlock()

	case mesh.EventLinkRemoved:
		if e.State != mesh.StateFailed || !c.tracker.Has(e.RemoteID) {
			return
		}
		c.mu.Lock()
		attempt := c.retries[e.RemoteID] + 1
		retry := attempt <= c.opts.MaxLinkRetries
		if retry {
			c.retries[e.RemoteID] = attempt
		}
		c.mu.Unlock()

		log := c.log.With(slog.String("remote_id", e.RemoteID), slog.Int("attempt", attempt))
		if !retry {
			log.Warn("giving up on failed link until the remote rejoins")
			return
		}
		log.Info("recreating failed link")
		if err := c.mesh.EnsureLink(e.RemoteID); err != nil {
			log.Warn("link recreate failed", sl.Err(err))
		}
	}
}

func (c *Controller) onConnState(ctx context.Context, s signaling.ConnState) {
	mode := c.Mode()
	switch s {
	case signaling.StateConnected:
		if mode == ModeReconnecting {
			c.resync(ctx)
		}
	case signaling.StateDisconnected, signaling.StateConnecting:
		if mode == ModeLive {
			c.log.Warn("realtime connection lost, reconnecting")
			c.setMode(ModeReconnecting)
		}
	case signaling.StateFailed:
		if mode == ModeLive || mode == ModeReconnecting {
			c.log.Error("realtime connection failed, session is read-only")
			c.setMode(ModeDegraded)
		}
	}
}

// resync runs after a reconnect. The hub dropped our presence while we were
// away, so every peer has already torn down its link to us: all links are
// rebuilt against the fresh member list.
func (c *Controller) resync(ctx context.Context) {
	const op = "session.controller.resync"
	log := c.log.With(slog.String("op", op))

	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()

	if err := c.mesh.Reconcile(nil); err != nil {
		log.Debug("closing stale links", sl.Err(err))
	}
	if err := c.tracker.Enter(ctx, ch.Presence(), c.opts.Self); err != nil {
		log.Warn("presence re-enter failed", sl.Err(err))
		return
	}
	c.setMode(ModeLive)

	if err := c.mesh.Reconcile(c.tracker.Remote()); err != nil {
		log.Warn("link reconcile incomplete", sl.Err(err))
	}
	c.requestState(ctx)
	log.Info("resynced after reconnect", slog.Int("present", len(c.tracker.Remote())))
}

// requestState asks the teacher for a snapshot; the teacher instead pushes
// its own state to everyone.
func (c *Controller) requestState(ctx context.Context) {
	if c.IsTeacher() {
		c.publishSnapshot(ctx)
		return
	}
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()
	if err := ch.Publish(ctx, EventStateRequest, struct{}{}); err != nil {
		c.log.Warn("state request not sent", sl.Err(err))
	}
}

func (c *Controller) publishSnapshot(ctx context.Context) {
	c.mu.RLock()
	ch := c.channel
	snap := syncstate.StateSnapshot{State: c.state, AppliedSeq: c.applied}
	c.mu.RUnlock()
	if err := ch.Publish(ctx, syncstate.NameStateSnapshot, snap); err != nil {
		c.log.Warn("state snapshot not sent", sl.Err(err))
	}
}

func (c *Controller) tick() {
	c.mu.Lock()
	if !c.state.Timer.Running {
		c.mu.Unlock()
		return
	}
	c.state = syncstate.Tick(c.state, 1)
	c.version++
	next := c.state
	c.mu.Unlock()
	c.notifyState(next)
}

func (c *Controller) apply(env syncstate.Envelope) {
	c.applySequenced(0, env)
}

// applySequenced applies an event received at channel position seq; zero
// marks a change that did not come from the channel.
func (c *Controller) applySequenced(seq uint64, env syncstate.Envelope) {
	c.mu.Lock()
	c.state = c.reducer.Apply(c.state, env)
	c.version++
	if seq > 0 {
		c.history.record(seq, env)
		c.applied = max(c.applied, seq)
	}
	next := c.state
	c.mu.Unlock()

	metrics.ReducerEvents.WithLabelValues(env.Event.EventName()).Inc()
	c.notifyState(next)
}

// applyOwn applies e before it is published and returns the state it
// replaced together with the version e produced.
func (c *Controller) applyOwn(e syncstate.Event) (syncstate.State, uint64) {
	c.mu.Lock()
	prev := c.state
	c.state = c.reducer.Apply(c.state, syncstate.Envelope{From: c.opts.Self.ID, Local: true, Event: e})
	c.version++
	c.history.published(e)
	next, version := c.state, c.version
	c.mu.Unlock()

	metrics.ReducerEvents.WithLabelValues(e.EventName()).Inc()
	c.notifyState(next)
	return prev, version
}

// confirm records the echo of an own event at its channel position.
func (c *Controller) confirm(seq uint64, e syncstate.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history.echoed(e)
	c.history.record(seq, syncstate.Envelope{From: c.opts.Self.ID, Local: true, Event: e})
	c.applied = max(c.applied, seq)
}

// applySnapshot adopts the teacher's state and re-applies what the teacher
// had not folded in yet: events after its AppliedSeq and own events still
// in flight.
func (c *Controller) applySnapshot(from string, seq uint64, snap syncstate.StateSnapshot) {
	if c.opts.TeacherID != "" && from != c.opts.TeacherID {
		c.log.Debug("ignoring snapshot", slog.String("from", from))
		return
	}

	c.mu.Lock()
	state := c.reducer.Apply(c.state, syncstate.Envelope{From: from, Event: snap})
	replay := c.history.after(snap.AppliedSeq, c.opts.Self.ID)
	c.state = c.reducer.Fold(state, replay...)
	c.version++
	c.applied = max(c.applied, seq)
	next := c.state
	c.mu.Unlock()

	metrics.ReducerEvents.WithLabelValues(snap.EventName()).Inc()
	c.log.Debug("applied snapshot", slog.Uint64("applied_seq", snap.AppliedSeq), slog.Int("replayed", len(replay)))
	c.notifyState(next)
}

// rollback undoes a local change that never reached the channel. If other
// changes landed on top of it, the state is requested again instead.
func (c *Controller) rollback(ctx context.Context, e syncstate.Event, prev syncstate.State, version uint64) {
	c.mu.Lock()
	c.history.withdraw(e)
	if c.version != version {
		c.mu.Unlock()
		c.log.Warn("unsent change is already built upon, requesting state")
		c.requestState(ctx)
		return
	}
	c.state = prev
	c.version++
	next := c.state
	c.mu.Unlock()
	c.notifyState(next)
}

func (c *Controller) setMode(m Mode) {
	c.mu.Lock()
	if c.mode == m {
		c.mu.Unlock()
		return
	}
	prev := c.mode
	c.mode = m
	c.mu.Unlock()

	c.log.Info("session mode changed", slog.String("from", string(prev)), slog.String("to", string(m)))
	c.notifyMode(m)
}

func (c *Controller) notifyState(s syncstate.State) {
	c.obsMu.RLock()
	fns := make([]func(syncstate.State), 0, len(c.stateObs))
	for _, fn := range c.stateObs {
		fns = append(fns, fn)
	}
	c.obsMu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (c *Controller) notifyMode(m Mode) {
	c.obsMu.RLock()
	fns := make([]func(Mode), 0, len(c.modeObs))
	for _, fn := range c.modeObs {
		fns = append(fns, fn)
	}
	c.obsMu.RUnlock()
	for _, fn := range fns {
		fn(m)
	}
}
