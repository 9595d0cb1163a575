package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/scoring"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/signaling"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/syncstate"
	"github.com/beebee-coder/classroom-virtuelle-sub001/lib/logger/sl"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

// emit applies e locally and publishes it. While reconnecting the publish is
// queued by the transport; once degraded nothing is accepted. A publish that
// fails takes the local change back.
func (c *Controller) emit(ctx context.Context, e syncstate.Event) error {
	ch, err := c.writable()
	if err != nil {
		return err
	}
	prev, version := c.applyOwn(e)
	if err := ch.Publish(ctx, e.EventName(), e); err != nil {
		c.rollback(ctx, e, prev, version)
		return fmt.Errorf("session: publish %s: %w", e.EventName(), err)
	}
	return nil
}

func (c *Controller) writable() (signaling.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.mode {
	case ModeLive, ModeReconnecting:
		return c.channel, nil
	case ModeDegraded:
		return nil, ErrDegraded
	case ModeIdle, ModeJoining:
		return nil, ErrNotJoined
	default:
		return nil, ErrLeft
	}
}

func (c *Controller) teacherOnly() error {
	if !c.IsTeacher() {
		return ErrNotTeacher
	}
	return nil
}

// Spotlight features participantID for everyone. Empty clears it.
func (c *Controller) Spotlight(ctx context.Context, participantID string) error {
	if err := c.teacherOnly(); err != nil {
		return err
	}
	return c.emit(ctx, syncstate.Spotlight{ParticipantID: participantID})
}

func (c *Controller) RaiseHand(ctx context.Context) error {
	return c.emit(ctx, syncstate.HandRaiseUpdate{ParticipantID: c.opts.Self.ID, IsRaised: true})
}

func (c *Controller) LowerHand(ctx context.Context) error {
	return c.emit(ctx, syncstate.HandRaiseUpdate{ParticipantID: c.opts.Self.ID, IsRaised: false})
}

func (c *Controller) AcknowledgeHand(ctx context.Context, participantID string) error {
	if err := c.teacherOnly(); err != nil {
		return err
	}
	return c.emit(ctx, syncstate.HandAcknowledged{ParticipantID: participantID})
}

func (c *Controller) SetUnderstanding(ctx context.Context, level syncstate.Understanding) error {
	return c.emit(ctx, syncstate.UnderstandingUpdate{
		ParticipantID: c.opts.Self.ID,
		Level:         syncstate.ParseUnderstanding(string(level)),
	})
}

func (c *Controller) SetActiveTool(ctx context.Context, tool syncstate.Tool) error {
	if err := c.teacherOnly(); err != nil {
		return err
	}
	return c.emit(ctx, syncstate.ActiveToolChanged{Tool: syncstate.ParseTool(string(tool))})
}

// ShareDocument points everyone at url, optionally switching to the
// document tool.
func (c *Controller) ShareDocument(ctx context.Context, url string, switchTool bool) error {
	if err := c.teacherOnly(); err != nil {
		return err
	}
	url = strings.TrimSpace(url)
	if url == "" {
		return ErrDocumentURL
	}
	return c.emit(ctx, syncstate.DocumentShared{URL: url, SharedBy: c.opts.Self.ID, SwitchTool: switchTool})
}

// SetWhiteboardController hands the whiteboard to participantID. Empty takes
// it back.
func (c *Controller) SetWhiteboardController(ctx context.Context, participantID string) error {
	if err := c.teacherOnly(); err != nil {
		return err
	}
	return c.emit(ctx, syncstate.WhiteboardControllerUpdate{ParticipantID: participantID})
}

func (c *Controller) StartTimer(ctx context.Context) error {
	if err := c.teacherOnly(); err != nil {
		return err
	}
	remaining := c.State().Timer.RemainingSeconds
	return c.emit(ctx, syncstate.TimerStarted{RemainingSeconds: &remaining})
}

func (c *Controller) PauseTimer(ctx context.Context) error {
	if err := c.teacherOnly(); err != nil {
		return err
	}
	remaining := c.State().Timer.RemainingSeconds
	return c.emit(ctx, syncstate.TimerPaused{RemainingSeconds: &remaining})
}

// ResetTimer stops the timer at seconds; zero or less means the default.
func (c *Controller) ResetTimer(ctx context.Context, seconds int) error {
	if err := c.teacherOnly(); err != nil {
		return err
	}
	if seconds < 0 {
		seconds = 0
	}
	return c.emit(ctx, syncstate.TimerReset{Duration: seconds})
}

// StartQuiz opens def for responses. Answer keys stay with the teacher; the
// broadcast carries the questions only.
func (c *Controller) StartQuiz(ctx context.Context, def syncstate.QuizDefinition) (string, error) {
	if err := c.teacherOnly(); err != nil {
		return "", err
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	full := def
	full.Questions = append([]syncstate.Question(nil), def.Questions...)

	if _, err := c.writable(); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.quiz = &full
	c.mu.Unlock()

	evt := syncstate.QuizStartedEvent{Quiz: def.Public(), StartedAt: time.Now().UTC()}
	if err := c.emit(ctx, evt); err != nil {
		return def.ID, err
	}
	return def.ID, nil
}

// SubmitQuizResponse records answers for the current quiz. A later
// submission replaces an earlier one.
func (c *Controller) SubmitQuizResponse(ctx context.Context, answers map[string]string) error {
	quiz := c.State().Quiz
	if quiz.ID == "" || !quiz.Phase.Accepting() {
		return ErrNoActiveQuiz
	}
	cp := make(map[string]string, len(answers))
	for k, v := range answers {
		cp[k] = v
	}
	return c.emit(ctx, syncstate.QuizResponseEvent{
		QuizID:        quiz.ID,
		ParticipantID: c.opts.Self.ID,
		Answers:       cp,
		SubmittedAt:   time.Now().UTC(),
	})
}

// EndQuiz scores the collected responses, publishes the results and hands
// the winners to the awarder. The results are returned even when awarding
// fails; awarding the same quiz again is safe.
func (c *Controller) EndQuiz(ctx context.Context) (*syncstate.QuizResults, error) {
	const op = "session.controller.endQuiz"
	log := c.log.With(slog.String("op", op))

	if err := c.teacherOnly(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	quiz := c.state.Quiz
	def := c.quiz
	c.mu.RUnlock()
	if def == nil || quiz.ID != def.ID || !quiz.Phase.Accepting() {
		return nil, ErrNoActiveQuiz
	}

	submissions := make([]scoring.Submission, 0, len(quiz.Responses))
	for _, r := range quiz.Responses {
		submissions = append(submissions, scoring.Submission{
			ParticipantID: r.ParticipantID,
			Answers:       r.Answers,
			SubmittedAt:   r.SubmittedAt,
		})
	}
	rules := c.opts.Rules
	ranked := rules.Compute(def.AnswerKey(), quiz.StartedAt, submissions)
	winners := rules.Winners(ranked)
	results := syncstate.QuizResults{Scores: ranked, Winners: scoring.WinnerIDs(winners)}

	if err := c.emit(ctx, syncstate.QuizEndedEvent{QuizID: quiz.ID, Results: results}); err != nil {
		return nil, err
	}

	if c.opts.Awarder == nil {
		return &results, nil
	}
	outcome, err := c.opts.Awarder.AwardQuizPoints(ctx, quiz.ID, winners)
	if err != nil {
		log.Error("awarding quiz points failed", slog.String("quiz_id", quiz.ID), sl.Err(err))
		return &results, fmt.Errorf("%s: %w", op, err)
	}
	log.Info("quiz points awarded",
		slog.String("quiz_id", quiz.ID),
		slog.Int("winners", len(winners)),
		slog.Bool("already_awarded", outcome.AlreadyAwarded),
	)
	return &results, nil
}

func (c *Controller) CloseQuiz(ctx context.Context) error {
	if err := c.teacherOnly(); err != nil {
		return err
	}
	quiz := c.State().Quiz
	if quiz.ID == "" {
		return ErrNoActiveQuiz
	}
	if err := c.emit(ctx, syncstate.QuizClosedEvent{QuizID: quiz.ID}); err != nil {
		return err
	}
	c.mu.Lock()
	c.quiz = nil
	c.mu.Unlock()
	return nil
}

// StartBreakout splits the class. Duplicate memberships are rectified before
// the rooms are published, so every client sees the same partition.
func (c *Controller) StartBreakout(ctx context.Context, rooms []syncstate.BreakoutRoom) error {
	if err := c.teacherOnly(); err != nil {
		return err
	}
	return c.emit(ctx, syncstate.BreakoutStarted{Rooms: syncstate.RectifyRooms(rooms)})
}

func (c *Controller) EndBreakout(ctx context.Context) error {
	if err := c.teacherOnly(); err != nil {
		return err
	}
	return c.emit(ctx, syncstate.BreakoutEnded{})
}

// AcquireMedia retries capturing local media after Join went ahead without
// it. Tracks reach every existing link.
func (c *Controller) AcquireMedia(ctx context.Context) error {
	if _, err := c.writable(); err != nil {
		return err
	}
	return c.media.Acquire(ctx, c.opts.Constraints)
}

// SetMediaEnabled mutes or unmutes the local track of kind.
func (c *Controller) SetMediaEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	return c.media.SetEnabled(kind, enabled)
}

func (c *Controller) StartScreenShare(ctx context.Context) error {
	if _, err := c.writable(); err != nil {
		return err
	}
	return c.media.StartScreenShare(ctx)
}

func (c *Controller) StopScreenShare() error {
	return c.media.StopScreenShare()
}
