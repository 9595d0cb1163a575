package service

import (
	"context"

	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/domain"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/scoring"
	"github.com/google/uuid"
)

type SessionInteractor interface {
	CreateSession(ctx context.Context, teacherID, teacherName, classroomID string) (*domain.Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	ListSessions(ctx context.Context) ([]*domain.Session, error)
	EndSession(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	AdmitParticipant(ctx context.Context, sessionID uuid.UUID, participantID string, role domain.Role, displayName string) (*domain.Participant, error)
	RemoveParticipant(ctx context.Context, sessionID uuid.UUID, participantID string) error
	ListParticipants(ctx context.Context, sessionID uuid.UUID) ([]*domain.Participant, error)
}

// QuizInteractor awards quiz points and reports totals. Implemented by
// scoring.Service.
type QuizInteractor interface {
	Award(ctx context.Context, sessionID, quizID string, scores []domain.Score) (*domain.AwardOutcome, error)
	ScoreAndAward(ctx context.Context, req scoring.ScoreRequest) (*scoring.ScoreResult, error)
	Totals(ctx context.Context, participantIDs ...string) ([]domain.PointTotal, error)
}

// Broadcaster publishes server-originated events on a realtime channel.
type Broadcaster interface {
	Broadcast(channel, name string, payload any) error
}
