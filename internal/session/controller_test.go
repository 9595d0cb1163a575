package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/domain"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/hub"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/media"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/mesh"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/presence"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/repository"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/scoring"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/signaling"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/syncstate"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	teacherID = "teacher"
	waitFor   = 2 * time.Second
	pollEvery = 10 * time.Millisecond
)

// loopConn completes a negotiation as soon as the remote description is in.
type loopConn struct {
	mu      sync.Mutex
	onState func(webrtc.PeerConnectionState)
	closed  bool
}

func (c *loopConn) AddTrack(webrtc.TrackLocal) error                         { return nil }
func (c *loopConn) ReplaceTrack(webrtc.RTPCodecType, webrtc.TrackLocal) error { return nil }
func (c *loopConn) AddICECandidate(webrtc.ICECandidateInit) error            { return nil }
func (c *loopConn) OnICECandidate(func(webrtc.ICECandidateInit))             {}
func (c *loopConn) OnTrack(func(*webrtc.TrackRemote))                        {}

func (c *loopConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *loopConn) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (c *loopConn) AcceptOffer(context.Context, webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c.connectSoon()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (c *loopConn) AcceptAnswer(webrtc.SessionDescription) error {
	c.connectSoon()
	return nil
}

func (c *loopConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *loopConn) connectSoon() {
	go func() {
		c.mu.Lock()
		fn, closed := c.onState, c.closed
		c.mu.Unlock()
		if fn != nil && !closed {
			fn(webrtc.PeerConnectionStateConnected)
		}
	}()
}

func loopConns(string) (mesh.Conn, error) { return &loopConn{}, nil }

type classroom struct {
	t         *testing.T
	hub       *hub.Hub
	transport *hub.LocalTransport
	sessionID uuid.UUID
}

func newClassroom(t *testing.T) *classroom {
	return newClassroomWithQueue(t, 256)
}

// newClassroomWithQueue sizes each client's hub queue.
func newClassroomWithQueue(t *testing.T, queueSize int) *classroom {
	h := hub.New(queueSize, nil)
	return &classroom{
		t:         t,
		hub:       h,
		transport: hub.NewLocalTransport(h, 64, nil),
		sessionID: uuid.New(),
	}
}

func (cr *classroom) controller(id string, tweak ...func(*Options)) *Controller {
	opts := Options{
		SessionID:    cr.sessionID,
		Self:         presence.Member{ID: id, DisplayName: id},
		TeacherID:    teacherID,
		Transport:    cr.transport,
		Conns:        loopConns,
		TickInterval: time.Hour,
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	c, err := New(opts)
	require.NoError(cr.t, err)
	cr.t.Cleanup(func() { _ = c.Leave(context.Background()) })
	return c
}

func (cr *classroom) join(id string, tweak ...func(*Options)) *Controller {
	c := cr.controller(id, tweak...)
	require.NoError(cr.t, c.Join(context.Background()))
	return c
}

func connectedTo(c *Controller, remoteID string) bool {
	for _, l := range c.Links() {
		if l.RemoteID == remoteID && l.State == mesh.StateConnected {
			return true
		}
	}
	return false
}

func linkTo(c *Controller, remoteID string) (mesh.LinkInfo, bool) {
	for _, l := range c.Links() {
		if l.RemoteID == remoteID {
			return l, true
		}
	}
	return mesh.LinkInfo{}, false
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{SessionID: uuid.New(), Self: presence.Member{ID: "a"}})
	assert.Error(t, err)
}

func TestRoleFollowsTeacherID(t *testing.T) {
	cr := newClassroom(t)
	teacher := cr.controller(teacherID, func(o *Options) { o.Self.Role = domain.RoleStudent })
	student := cr.controller("s1", func(o *Options) { o.Self.Role = domain.RoleTeacher })

	assert.True(t, teacher.IsTeacher())
	assert.False(t, student.IsTeacher())
}

func TestJoinSeesPresenceAndBuildsLinks(t *testing.T) {
	cr := newClassroom(t)
	teacher := cr.join(teacherID)
	student := cr.join("s1")

	assert.Equal(t, ModeLive, teacher.Mode())
	assert.Equal(t, ModeLive, student.Mode())

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"s1"}, teacher.Present()) &&
			assert.ObjectsAreEqual([]string{teacherID}, student.Present())
	}, waitFor, pollEvery)

	assert.Eventually(t, func() bool {
		return connectedTo(teacher, "s1") && connectedTo(student, teacherID)
	}, waitFor, pollEvery)

	a, ok := linkTo(teacher, "s1")
	require.True(t, ok)
	b, ok := linkTo(student, teacherID)
	require.True(t, ok)
	assert.Equal(t, a.LinkID, b.LinkID)
	assert.True(t, b.Initiator, "lower id offers")
	assert.False(t, a.Initiator)
}

func TestJoinTwice(t *testing.T) {
	cr := newClassroom(t)
	c := cr.join(teacherID)
	assert.ErrorIs(t, c.Join(context.Background()), ErrAlreadyJoined)
}

func TestIntentsPropagate(t *testing.T) {
	cr := newClassroom(t)
	teacher := cr.join(teacherID)
	student := cr.join("s1")
	ctx := context.Background()

	require.NoError(t, student.RaiseHand(ctx))
	assert.True(t, student.State().HandRaised("s1"), "applied locally right away")
	assert.Eventually(t, func() bool { return teacher.State().HandRaised("s1") }, waitFor, pollEvery)

	require.NoError(t, student.SetUnderstanding(ctx, syncstate.UnderstandingConfused))
	assert.Eventually(t, func() bool {
		return teacher.State().Understanding["s1"] == syncstate.UnderstandingConfused
	}, waitFor, pollEvery)

	require.NoError(t, teacher.AcknowledgeHand(ctx, "s1"))
	assert.Eventually(t, func() bool { return !student.State().HandRaised("s1") }, waitFor, pollEvery)

	require.NoError(t, teacher.ShareDocument(ctx, "https://docs.example/lesson.pdf", true))
	assert.Eventually(t, func() bool {
		s := student.State()
		return s.CurrentDocument != nil && s.ActiveTool == syncstate.ToolDocument
	}, waitFor, pollEvery)
	assert.Equal(t, syncstate.ToolDocument, teacher.State().ActiveTool)
}

func TestOwnEchoAppliedOnce(t *testing.T) {
	cr := newClassroom(t)
	teacher := cr.join(teacherID)
	ctx := context.Background()

	var mu sync.Mutex
	changes := 0
	teacher.OnStateChange(func(syncstate.State) {
		mu.Lock()
		changes++
		mu.Unlock()
	})

	require.NoError(t, teacher.Spotlight(ctx, "s1"))
	require.NoError(t, teacher.Spotlight(ctx, "s2"))
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, changes)
	assert.Equal(t, "s2", teacher.State().SpotlightedParticipantID)
}

func TestTeacherOnlyIntents(t *testing.T) {
	cr := newClassroom(t)
	cr.join(teacherID)
	student := cr.join("s1")
	ctx := context.Background()

	assert.ErrorIs(t, student.Spotlight(ctx, "s1"), ErrNotTeacher)
	assert.ErrorIs(t, student.SetActiveTool(ctx, syncstate.ToolWhiteboard), ErrNotTeacher)
	assert.ErrorIs(t, student.StartTimer(ctx), ErrNotTeacher)
	assert.ErrorIs(t, student.ResetTimer(ctx, 60), ErrNotTeacher)
	assert.ErrorIs(t, student.StartBreakout(ctx, nil), ErrNotTeacher)
	assert.ErrorIs(t, student.CloseQuiz(ctx), ErrNotTeacher)
	_, err := student.StartQuiz(ctx, syncstate.QuizDefinition{})
	assert.ErrorIs(t, err, ErrNotTeacher)
	_, err = student.EndQuiz(ctx)
	assert.ErrorIs(t, err, ErrNotTeacher)
}

func TestIntentsBeforeJoin(t *testing.T) {
	cr := newClassroom(t)
	c := cr.controller("s1")
	assert.ErrorIs(t, c.RaiseHand(context.Background()), ErrNotJoined)
}

func TestShareDocumentNeedsURL(t *testing.T) {
	cr := newClassroom(t)
	teacher := cr.join(teacherID)
	assert.ErrorIs(t, teacher.ShareDocument(context.Background(), "  ", false), ErrDocumentURL)
}

func TestLateJoinerGetsSnapshot(t *testing.T) {
	cr := newClassroom(t)
	teacher := cr.join(teacherID)
	ctx := context.Background()

	require.NoError(t, teacher.Spotlight(ctx, "s9"))
	require.NoError(t, teacher.SetActiveTool(ctx, syncstate.ToolWhiteboard))

	student := cr.join("s1")
	assert.Eventually(t, func() bool {
		s := student.State()
		return s.SpotlightedParticipantID == "s9" && s.ActiveTool == syncstate.ToolWhiteboard
	}, waitFor, pollEvery)
}

func TestSnapshotFromStudentIgnored(t *testing.T) {
	cr := newClassroom(t)
	cr.join(teacherID)
	s1 := cr.join("s1")
	s2 := cr.join("s2")

	forged := syncstate.NewState(0)
	forged.SpotlightedParticipantID = "s2"
	ch := s2.channel
	require.NoError(t, ch.Publish(context.Background(), syncstate.NameStateSnapshot, syncstate.StateSnapshot{State: forged}))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, s1.State().SpotlightedParticipantID)
}

func TestReconnectRebuildsPresenceAndLinks(t *testing.T) {
	cr := newClassroom(t)
	teacher := cr.join(teacherID)
	student := cr.join("s1")

	require.Eventually(t, func() bool { return connectedTo(teacher, "s1") }, waitFor, pollEvery)
	before, _ := linkTo(teacher, "s1")

	cr.transport.Interrupt("s1")
	assert.Eventually(t, func() bool { return student.Mode() == ModeReconnecting }, waitFor, pollEvery)
	assert.Eventually(t, func() bool { return len(teacher.Present()) == 0 }, waitFor, pollEvery)

	// Queued while down, delivered after the reconnect.
	require.NoError(t, student.RaiseHand(context.Background()))

	cr.transport.Resume("s1")
	assert.Eventually(t, func() bool { return student.Mode() == ModeLive }, waitFor, pollEvery)
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"s1"}, teacher.Present()) &&
			connectedTo(teacher, "s1") && connectedTo(student, teacherID)
	}, waitFor, pollEvery)

	after, _ := linkTo(teacher, "s1")
	assert.NotEqual(t, before.LinkID, after.LinkID)
	assert.Eventually(t, func() bool { return teacher.State().HandRaised("s1") }, waitFor, pollEvery)
}

func TestFailedTransportDegrades(t *testing.T) {
	cr := newClassroom(t)
	cr.join(teacherID)
	student := cr.join("s1")

	cr.transport.Fail("s1")
	assert.Eventually(t, func() bool { return student.Mode() == ModeDegraded }, waitFor, pollEvery)
	assert.ErrorIs(t, student.RaiseHand(context.Background()), ErrDegraded)
}

func TestLeaveAnnouncesDeparture(t *testing.T) {
	cr := newClassroom(t)
	teacher := cr.join(teacherID)
	student := cr.join("s1")
	ctx := context.Background()

	require.NoError(t, student.RaiseHand(ctx))
	require.Eventually(t, func() bool {
		return teacher.State().HandRaised("s1") && connectedTo(teacher, "s1")
	}, waitFor, pollEvery)

	require.NoError(t, student.Leave(ctx))
	assert.Equal(t, ModeLeft, student.Mode())
	assert.Empty(t, student.Links())

	assert.Eventually(t, func() bool {
		_, linked := linkTo(teacher, "s1")
		return !teacher.State().HandRaised("s1") && !linked && len(teacher.Present()) == 0
	}, waitFor, pollEvery)

	assert.NoError(t, student.Leave(ctx), "second leave is a no-op")
	assert.ErrorIs(t, student.RaiseHand(ctx), ErrLeft)
}

func TestServerEndsSession(t *testing.T) {
	cr := newClassroom(t)
	teacher := cr.join(teacherID)
	student := cr.join("s1")

	require.NoError(t, cr.hub.Broadcast(domain.ChannelName(cr.sessionID), domain.EventSessionEnded, domain.SessionEndedPayload{
		SessionID: cr.sessionID.String(),
		EndedAt:   time.Now().UTC(),
	}))

	assert.Eventually(t, func() bool {
		return teacher.Mode() == ModeEnded && student.Mode() == ModeEnded
	}, waitFor, pollEvery)
	assert.Eventually(t, func() bool { return len(cr.hub.Members(domain.ChannelName(cr.sessionID))) == 0 }, waitFor, pollEvery)
}

func TestSessionEndedFromClientIgnored(t *testing.T) {
	cr := newClassroom(t)
	teacher := cr.join(teacherID)
	student := cr.join("s1")

	require.NoError(t, student.channel.Publish(context.Background(), domain.EventSessionEnded, domain.SessionEndedPayload{}))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, ModeLive, teacher.Mode())
}

func TestServerRemovesParticipant(t *testing.T) {
	cr := newClassroom(t)
	teacher := cr.join(teacherID)
	s1 := cr.join("s1")
	s2 := cr.join("s2")
	require.NoError(t, s1.RaiseHand(context.Background()))
	require.Eventually(t, func() bool { return s2.State().HandRaised("s1") }, waitFor, pollEvery)

	require.NoError(t, cr.hub.Broadcast(domain.ChannelName(cr.sessionID), domain.EventParticipantRemoved, domain.ParticipantRemovedPayload{ParticipantID: "s1"}))

	assert.Eventually(t, func() bool { return s1.Mode() == ModeRemoved }, waitFor, pollEvery)
	assert.Eventually(t, func() bool { return !s2.State().HandRaised("s1") }, waitFor, pollEvery)
	assert.Equal(t, ModeLive, teacher.Mode())
}

func TestTimerCountsDown(t *testing.T) {
	cr := newClassroom(t)
	fast := func(o *Options) { o.TickInterval = 10 * time.Millisecond }
	teacher := cr.join(teacherID, fast)
	student := cr.join("s1", fast)
	ctx := context.Background()

	require.NoError(t, teacher.ResetTimer(ctx, 3))
	require.NoError(t, teacher.StartTimer(ctx))

	assert.Eventually(t, func() bool {
		s := student.State().Timer
		return !s.Running && s.RemainingSeconds == 0
	}, waitFor, pollEvery)
	assert.Eventually(t, func() bool { return teacher.State().Timer.RemainingSeconds == 0 }, waitFor, pollEvery)
}

func TestQuizEndToEnd(t *testing.T) {
	cr := newClassroom(t)
	quizzes := repository.NewInMemoryQuizRepository()
	svc := scoring.NewService(quizzes, scoring.DefaultRules(), nil)

	teacher := cr.join(teacherID, func(o *Options) { o.Awarder = svc })
	s1 := cr.join("s1")
	s2 := cr.join("s2")
	ctx := context.Background()

	quizID, err := teacher.StartQuiz(ctx, syncstate.QuizDefinition{
		Title: "fractions",
		Questions: []syncstate.Question{
			{ID: "q1", Text: "1/2 + 1/2", Options: []string{"1", "2"}, Correct: "1"},
			{ID: "q2", Text: "1/4 * 2", Options: []string{"1/2", "1/8"}, Correct: "1/2"},
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, quizID)

	require.Eventually(t, func() bool {
		return s1.State().Quiz.ID == quizID && s2.State().Quiz.ID == quizID
	}, waitFor, pollEvery)
	for _, q := range s1.State().Quiz.Definition.Questions {
		assert.Empty(t, q.Correct, "answers never reach students")
	}

	require.NoError(t, s1.SubmitQuizResponse(ctx, map[string]string{"q1": "1", "q2": "1/2"}))
	require.NoError(t, s2.SubmitQuizResponse(ctx, map[string]string{"q1": "2", "q2": "1/8"}))
	require.Eventually(t, func() bool { return len(teacher.State().Quiz.Responses) == 2 }, waitFor, pollEvery)

	results, err := teacher.EndQuiz(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"s1"}, results.Winners)
	require.Len(t, results.Scores, 2)
	assert.Equal(t, "s1", results.Scores[0].ParticipantID)
	assert.Equal(t, 2, results.Scores[0].Correct)

	for _, c := range []*Controller{s1, s2} {
		assert.Eventually(t, func() bool {
			q := c.State().Quiz
			return q.Phase == syncstate.QuizEnded && q.Results != nil && len(q.Results.Winners) == 1
		}, waitFor, pollEvery)
	}
	assert.ErrorIs(t, s1.SubmitQuizResponse(ctx, map[string]string{"q1": "1"}), ErrNoActiveQuiz)

	totals, err := svc.Totals(ctx, "s1", "s2")
	require.NoError(t, err)
	first := totals[0].Points
	assert.Positive(t, first)
	assert.Zero(t, totals[1].Points)

	// Replaying the award for the same quiz changes nothing.
	outcome, err := svc.AwardQuizPoints(ctx, quizID, results.Scores[:1])
	require.NoError(t, err)
	assert.True(t, outcome.AlreadyAwarded)
	totals, err = svc.Totals(ctx, "s1", "s2")
	require.NoError(t, err)
	assert.Equal(t, first, totals[0].Points)

	_, err = teacher.EndQuiz(ctx)
	assert.ErrorIs(t, err, ErrNoActiveQuiz)

	require.NoError(t, teacher.CloseQuiz(ctx))
	assert.Eventually(t, func() bool { return s1.State().Quiz.Phase == syncstate.QuizClosed }, waitFor, pollEvery)
}

func TestSubmitWithoutQuiz(t *testing.T) {
	cr := newClassroom(t)
	cr.join(teacherID)
	student := cr.join("s1")
	assert.ErrorIs(t, student.SubmitQuizResponse(context.Background(), map[string]string{"q1": "a"}), ErrNoActiveQuiz)
}

func TestBreakoutRectifiedBeforePublish(t *testing.T) {
	cr := newClassroom(t)
	teacher := cr.join(teacherID)
	student := cr.join("s1")

	require.NoError(t, teacher.StartBreakout(context.Background(), []syncstate.BreakoutRoom{
		{ID: "a", ParticipantIDs: []string{"s1", "s2"}},
		{ID: "b", ParticipantIDs: []string{"s2", "s3"}},
	}))

	assert.Eventually(t, func() bool {
		room, ok := student.State().BreakoutRoomFor("s2")
		return ok && room.ID == "a" && len(student.State().BreakoutRooms) == 2
	}, waitFor, pollEvery)

	require.NoError(t, teacher.EndBreakout(context.Background()))
	assert.Eventually(t, func() bool { return len(student.State().BreakoutRooms) == 0 }, waitFor, pollEvery)
}

// flakyTransport fails every publish while fail is set.
type flakyTransport struct {
	signaling.Transport
	fail atomic.Bool
}

func (t *flakyTransport) Connect(ctx context.Context, clientID string, creds signaling.CredentialSource) (signaling.Connection, error) {
	conn, err := t.Transport.Connect(ctx, clientID, creds)
	if err != nil {
		return nil, err
	}
	return flakyConn{Connection: conn, t: t}, nil
}

type flakyConn struct {
	signaling.Connection
	t *flakyTransport
}

func (c flakyConn) Channel(name string) signaling.Channel {
	return flakyChannel{Channel: c.Connection.Channel(name), t: c.t}
}

type flakyChannel struct {
	signaling.Channel
	t *flakyTransport
}

func (c flakyChannel) Publish(ctx context.Context, name string, payload any) error {
	if c.t.fail.Load() {
		return signaling.ErrClosed
	}
	return c.Channel.Publish(ctx, name, payload)
}

// sameParticipantState compares the participant-owned fields, treating nil
// and empty alike.
func sameParticipantState(a, b syncstate.State) bool {
	return fmt.Sprint(a.HandRaiseQueue) == fmt.Sprint(b.HandRaiseQueue) &&
		fmt.Sprint(a.Understanding) == fmt.Sprint(b.Understanding)
}

func TestIntentsAcrossReconnectConverge(t *testing.T) {
	cr := newClassroom(t)
	teacher := cr.join(teacherID)
	student := cr.join("s1")
	ctx := context.Background()
	require.Eventually(t, func() bool { return connectedTo(teacher, "s1") }, waitFor, pollEvery)

	cr.transport.Interrupt("s1")
	require.Eventually(t, func() bool { return student.Mode() == ModeReconnecting }, waitFor, pollEvery)
	require.NoError(t, student.RaiseHand(ctx))

	resumed := make(chan struct{})
	go func() {
		cr.transport.Resume("s1")
		close(resumed)
	}()
	require.NoError(t, student.LowerHand(ctx))
	require.NoError(t, student.SetUnderstanding(ctx, syncstate.UnderstandingConfused))
	<-resumed

	assert.Eventually(t, func() bool {
		return student.Mode() == ModeLive &&
			teacher.State().Understanding["s1"] == syncstate.UnderstandingConfused &&
			sameParticipantState(teacher.State(), student.State())
	}, waitFor, pollEvery)
	assert.False(t, teacher.State().HandRaised("s1"))
	assert.False(t, student.State().HandRaised("s1"))
}

func TestEvictedStudentResyncs(t *testing.T) {
	const queueSize = 8
	cr := newClassroomWithQueue(t, queueSize)
	teacher := cr.join(teacherID)
	student := cr.join("s2")
	ctx := context.Background()
	require.Eventually(t, func() bool { return connectedTo(teacher, "s2") && connectedTo(student, teacherID) }, waitFor, pollEvery)

	var reconnected atomic.Bool
	student.OnModeChange(func(m Mode) {
		if m == ModeReconnecting {
			reconnected.Store(true)
		}
	})

	// Hold up the student's delivery so its hub queue overflows.
	stalled := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	student.channel.Subscribe("stall", func(signaling.Message) {
		once.Do(func() {
			close(stalled)
			<-release
		})
	})
	require.NoError(t, teacher.channel.Publish(ctx, "stall", struct{}{}))
	<-stalled

	for i := 0; i < 3*queueSize; i++ {
		require.NoError(t, teacher.Spotlight(ctx, fmt.Sprintf("p%d", i)))
	}
	require.NoError(t, teacher.SetActiveTool(ctx, syncstate.ToolWhiteboard))
	close(release)

	assert.Eventually(t, func() bool {
		s := student.State()
		return reconnected.Load() && student.Mode() == ModeLive &&
			s.SpotlightedParticipantID == fmt.Sprintf("p%d", 3*queueSize-1) &&
			s.ActiveTool == syncstate.ToolWhiteboard
	}, 2*waitFor, pollEvery)
}

func TestFailedPublishRollsBackLocalChange(t *testing.T) {
	cr := newClassroom(t)
	teacher := cr.join(teacherID)
	ctx := context.Background()
	require.NoError(t, teacher.Spotlight(ctx, "s7"))

	flaky := &flakyTransport{Transport: cr.transport}
	student := cr.join("s1", func(o *Options) { o.Transport = flaky })
	require.Eventually(t, func() bool { return student.State().SpotlightedParticipantID == "s7" }, waitFor, pollEvery)

	flaky.fail.Store(true)
	assert.ErrorIs(t, student.RaiseHand(ctx), signaling.ErrClosed)
	assert.False(t, student.State().HandRaised("s1"))

	flaky.fail.Store(false)
	require.NoError(t, student.RaiseHand(ctx))
	assert.Eventually(t, func() bool { return teacher.State().HandRaised("s1") }, waitFor, pollEvery)
}

func TestParticipantEventsBoundToSender(t *testing.T) {
	cr := newClassroom(t)
	teacher := cr.join(teacherID)
	s1 := cr.join("s1")
	s2 := cr.join("s2")
	ctx := context.Background()

	require.NoError(t, s1.RaiseHand(ctx))
	require.Eventually(t, func() bool { return teacher.State().HandRaised("s1") }, waitFor, pollEvery)

	require.NoError(t, s2.channel.Publish(ctx, syncstate.NameHandRaiseUpdate, syncstate.HandRaiseUpdate{ParticipantID: "s1", IsRaised: false}))
	require.NoError(t, s2.channel.Publish(ctx, syncstate.NameUnderstandingUpdate, syncstate.UnderstandingUpdate{ParticipantID: "s1", Level: syncstate.UnderstandingConfused}))

	assert.Eventually(t, func() bool {
		return teacher.State().Understanding["s2"] == syncstate.UnderstandingConfused
	}, waitFor, pollEvery)
	state := teacher.State()
	assert.True(t, state.HandRaised("s1"))
	assert.NotContains(t, state.Understanding, "s1")
}

// gatedDevices refuses local media until opened.
type gatedDevices struct {
	open atomic.Bool
	media.SampleProvider
}

func (d *gatedDevices) LocalStream(ctx context.Context, c media.Constraints) (*media.Handle, error) {
	if !d.open.Load() {
		return nil, errors.New("camera busy")
	}
	return d.SampleProvider.LocalStream(ctx, c)
}

func TestAcquireMediaAfterJoin(t *testing.T) {
	cr := newClassroom(t)
	cr.join(teacherID)
	devices := &gatedDevices{SampleProvider: media.SampleProvider{StreamPrefix: "s1"}}
	student := cr.join("s1", func(o *Options) {
		o.Devices = devices
		o.Constraints = media.Constraints{Audio: true, Video: true}
	})
	assert.False(t, student.Media().Ready())

	devices.open.Store(true)
	require.NoError(t, student.AcquireMedia(context.Background()))
	assert.True(t, student.Media().Ready())
	assert.Len(t, student.Media().Tracks(), 2)
}

func stateMessage(t *testing.T, seq uint64, from string, e syncstate.Event) signaling.Message {
	t.Helper()
	data, err := json.Marshal(e)
	require.NoError(t, err)
	return signaling.Message{ID: uuid.NewString(), Seq: seq, Name: e.EventName(), From: from, Data: data}
}

func TestSnapshotReplaysWhatTheTeacherHadNotApplied(t *testing.T) {
	cr := newClassroom(t)
	student := cr.controller("s1")
	ctx := context.Background()

	student.handleMessage(ctx, stateMessage(t, 5, "s2", syncstate.HandRaiseUpdate{ParticipantID: "s2", IsRaised: true}))
	confused := syncstate.UnderstandingUpdate{ParticipantID: "s1", Level: syncstate.UnderstandingConfused}
	student.applyOwn(confused)

	teacherView := syncstate.NewState(0)
	teacherView.SpotlightedParticipantID = "s9"
	student.handleMessage(ctx, stateMessage(t, 6, teacherID, syncstate.StateSnapshot{State: teacherView, AppliedSeq: 4}))

	s := student.State()
	assert.Equal(t, "s9", s.SpotlightedParticipantID)
	assert.True(t, s.HandRaised("s2"), "sequenced after the snapshot's view")
	assert.Equal(t, syncstate.UnderstandingConfused, s.Understanding["s1"], "still in flight")

	// The echo settles the own event; a later snapshot that includes the
	// hand acknowledgement wins.
	student.handleMessage(ctx, stateMessage(t, 7, "s1", confused))
	teacherView.Understanding = map[string]syncstate.Understanding{"s1": syncstate.UnderstandingConfused}
	student.handleMessage(ctx, stateMessage(t, 9, teacherID, syncstate.StateSnapshot{State: teacherView, AppliedSeq: 8}))

	s = student.State()
	assert.False(t, s.HandRaised("s2"))
	assert.Equal(t, syncstate.UnderstandingConfused, s.Understanding["s1"])
}
