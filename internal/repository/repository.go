package repository

import (
	"context"
	"errors"

	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrQuizNotFound    = errors.New("quiz not found")
)

type SessionRepository interface {
	Create(ctx context.Context, session *domain.Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	Update(ctx context.Context, session *domain.Session) error
	List(ctx context.Context) ([]*domain.Session, error)
}

// QuizRepository persists quiz award markers and point totals.
// AwardPoints must be safe to retry with the same quiz id.
type QuizRepository interface {
	AwardPoints(ctx context.Context, quiz *domain.QuizRecord, scores []domain.Score) (*domain.AwardOutcome, error)
	GetQuiz(ctx context.Context, quizID string) (*domain.QuizRecord, error)
	Totals(ctx context.Context, participantIDs ...string) ([]domain.PointTotal, error)
}
