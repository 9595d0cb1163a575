package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/domain"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/repository"
	"github.com/beebee-coder/classroom-virtuelle-sub001/lib/logger/sl"
	"github.com/google/uuid"
)

var (
	ErrSessionEnded        = errors.New("session ended")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrTeacherRequired     = errors.New("teacher id is required")
	ErrParticipantRequired = errors.New("participant id is required")
	ErrCannotRemoveTeacher = errors.New("teacher cannot be removed from own session")
	ErrNameTooLong         = errors.New("display name is too long")
	ErrNotOnRoster         = errors.New("participant is not on the session roster")
	ErrUnknownChannel      = errors.New("channel does not belong to a session")
)

const maxDisplayNameLength = 255

type SessionService struct {
	sessions    repository.SessionRepository
	broadcaster Broadcaster
	log         *slog.Logger

	mu             sync.RWMutex
	activeSessions map[uuid.UUID]*domain.Session
}

func NewSessionService(sessions repository.SessionRepository, broadcaster Broadcaster, log *slog.Logger) *SessionService {
	if log == nil {
		log = slog.Default()
	}
	return &SessionService{
		sessions:       sessions,
		broadcaster:    broadcaster,
		log:            log,
		activeSessions: make(map[uuid.UUID]*domain.Session),
	}
}

func (s *SessionService) CreateSession(ctx context.Context, teacherID, teacherName, classroomID string) (*domain.Session, error) {
	const op = "service.session.create"
	log := s.log.With(slog.String("op", op), slog.String("teacher_id", teacherID))

	teacherID = strings.TrimSpace(teacherID)
	if teacherID == "" {
		return nil, ErrTeacherRequired
	}
	name, err := cleanName(teacherName)
	if err != nil {
		return nil, err
	}

	session := domain.NewSession(teacherID, name, strings.TrimSpace(classroomID))
	if err := s.sessions.Create(ctx, session); err != nil {
		log.Error("failed to create session", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	s.activeSessions[session.ID] = session
	s.mu.Unlock()

	log.Info("session created", slog.String("session_id", session.ID.String()))
	return session, nil
}

func (s *SessionService) GetSession(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	if session := s.getActiveSession(id); session != nil {
		return session, nil
	}

	fromDB, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.activateSession(fromDB), nil
}

func (s *SessionService) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	return s.sessions.List(ctx)
}

// EndSession marks the session ended and tells every connected client. Ending
// an ended session returns it unchanged.
func (s *SessionService) EndSession(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	const op = "service.session.end"
	log := s.log.With(slog.String("op", op), slog.String("session_id", id.String()))

	session, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	session.Mutex.Lock()
	if !session.EndedAt.IsZero() {
		session.Mutex.Unlock()
		return session, nil
	}
	session.EndedAt = time.Now().UTC()
	endedAt := session.EndedAt
	session.Mutex.Unlock()

	if err := s.sessions.Update(ctx, session); err != nil {
		log.Error("failed to persist session end", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.broadcast(log, session, domain.EventSessionEnded, domain.SessionEndedPayload{
		SessionID: session.ID.String(),
		EndedAt:   endedAt,
	})
	log.Info("session ended")
	return session, nil
}

// AdmitParticipant adds a participant to the roster, or refreshes the display
// name of one already admitted. Only the session's teacher holds the teacher
// role.
func (s *SessionService) AdmitParticipant(ctx context.Context, sessionID uuid.UUID, participantID string, role domain.Role, displayName string) (*domain.Participant, error) {
	const op = "service.session.admit"
	log := s.log.With(
		slog.String("op", op),
		slog.String("session_id", sessionID.String()),
		slog.String("participant_id", participantID),
	)

	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return nil, ErrParticipantRequired
	}
	name, err := cleanName(displayName)
	if err != nil {
		return nil, err
	}

	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.IsEnded() {
		return nil, ErrSessionEnded
	}

	if participantID == session.TeacherID {
		role = domain.RoleTeacher
	} else {
		role = domain.RoleStudent
	}

	session.Mutex.Lock()
	p, existed := session.Participants[participantID]
	if existed {
		if name != "" {
			p.DisplayName = name
		}
	} else {
		p = domain.NewParticipant(participantID, role, name)
		session.Participants[participantID] = p
	}
	admitted := *p
	session.Mutex.Unlock()

	if err := s.sessions.Update(ctx, session); err != nil {
		log.Error("failed to persist roster", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if !existed {
		s.broadcast(log, session, domain.EventParticipantAdmitted, domain.ParticipantAdmittedPayload{Participant: admitted})
		log.Info("participant admitted", slog.String("role", string(admitted.Role)))
	}
	return &admitted, nil
}

// RemoveParticipant takes a participant off the roster. Losing presence never
// does this; only an explicit removal or departure does.
func (s *SessionService) RemoveParticipant(ctx context.Context, sessionID uuid.UUID, participantID string) error {
	const op = "service.session.remove"
	log := s.log.With(
		slog.String("op", op),
		slog.String("session_id", sessionID.String()),
		slog.String("participant_id", participantID),
	)

	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if participantID == session.TeacherID {
		return ErrCannotRemoveTeacher
	}

	session.Mutex.Lock()
	if _, ok := session.Participants[participantID]; !ok {
		session.Mutex.Unlock()
		return ErrParticipantNotFound
	}
	delete(session.Participants, participantID)
	session.Mutex.Unlock()

	if err := s.sessions.Update(ctx, session); err != nil {
		log.Error("failed to persist roster", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	s.broadcast(log, session, domain.EventParticipantRemoved, domain.ParticipantRemovedPayload{ParticipantID: participantID})
	log.Info("participant removed")
	return nil
}

func (s *SessionService) ListParticipants(ctx context.Context, sessionID uuid.UUID) ([]*domain.Participant, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	roster := session.Roster()
	sort.Slice(roster, func(i, j int) bool {
		if !roster[i].AdmittedAt.Equal(roster[j].AdmittedAt) {
			return roster[i].AdmittedAt.Before(roster[j].AdmittedAt)
		}
		return roster[i].ID < roster[j].ID
	})
	return roster, nil
}

// Authorize reports whether clientID may attach to a realtime channel: the
// channel must name a live session and the client must be on its roster.
func (s *SessionService) Authorize(ctx context.Context, clientID, channel string) error {
	id, ok := domain.ParseChannelName(channel)
	if !ok {
		return ErrUnknownChannel
	}

	session, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if session.IsEnded() {
		return ErrSessionEnded
	}

	session.Mutex.RLock()
	_, admitted := session.Participants[clientID]
	session.Mutex.RUnlock()
	if !admitted {
		return ErrNotOnRoster
	}
	return nil
}

func (s *SessionService) broadcast(log *slog.Logger, session *domain.Session, name string, payload any) {
	if s.broadcaster == nil {
		return
	}
	if err := s.broadcaster.Broadcast(session.ChannelName(), name, payload); err != nil {
		log.Error("failed to broadcast", slog.String("event", name), sl.Err(err))
	}
}

func (s *SessionService) getActiveSession(id uuid.UUID) *domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeSessions[id]
}

func (s *SessionService) activateSession(session *domain.Session) *domain.Session {
	if session.Participants == nil {
		session.Participants = make(map[string]*domain.Participant)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.activeSessions[session.ID]; existing != nil {
		return existing
	}
	s.activeSessions[session.ID] = session
	return session
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) > maxDisplayNameLength {
		return "", ErrNameTooLong
	}
	return name, nil
}
