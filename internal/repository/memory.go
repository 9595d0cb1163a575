package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/domain"
	"github.com/google/uuid"
)

type InMemorySessionRepository struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*domain.Session
}

func NewInMemorySessionRepository() *InMemorySessionRepository {
	return &InMemorySessionRepository{
		sessions: make(map[uuid.UUID]*domain.Session),
	}
}

func (r *InMemorySessionRepository) Create(ctx context.Context, session *domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[session.ID]; ok {
		return ErrSessionExists
	}

	r.sessions[session.ID] = session
	return nil
}

func (r *InMemorySessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}

	return session, nil
}

func (r *InMemorySessionRepository) Update(ctx context.Context, session *domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[session.ID]; !ok {
		return ErrSessionNotFound
	}

	r.sessions[session.ID] = session
	return nil
}

func (r *InMemorySessionRepository) List(ctx context.Context) ([]*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		result = append(result, session)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

type InMemoryQuizRepository struct {
	mu      sync.Mutex
	quizzes map[string]*domain.QuizRecord
	points  map[string]int
}

func NewInMemoryQuizRepository() *InMemoryQuizRepository {
	return &InMemoryQuizRepository{
		quizzes: make(map[string]*domain.QuizRecord),
		points:  make(map[string]int),
	}
}

// AwardPoints checks the quiz marker and applies the scores under one lock,
// so a quiz is awarded at most once however often it is called.
func (r *InMemoryQuizRepository) AwardPoints(ctx context.Context, quiz *domain.QuizRecord, scores []domain.Score) (*domain.AwardOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.quizzes[quiz.ID]
	if !ok {
		cp := *quiz
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now().UTC()
		}
		record = &cp
		r.quizzes[quiz.ID] = record
	}

	if record.Awarded() {
		return &domain.AwardOutcome{QuizID: quiz.ID, AlreadyAwarded: true}, nil
	}

	for _, s := range scores {
		r.points[s.ParticipantID] += s.Total
	}
	record.AwardedAt = time.Now().UTC()

	awarded := make([]domain.Score, len(scores))
	copy(awarded, scores)
	return &domain.AwardOutcome{QuizID: quiz.ID, Awarded: awarded}, nil
}

func (r *InMemoryQuizRepository) GetQuiz(ctx context.Context, quizID string) (*domain.QuizRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.quizzes[quizID]
	if !ok {
		return nil, ErrQuizNotFound
	}
	cp := *record
	return &cp, nil
}

func (r *InMemoryQuizRepository) Totals(ctx context.Context, participantIDs ...string) ([]domain.PointTotal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]domain.PointTotal, 0, len(participantIDs))
	for _, id := range participantIDs {
		result = append(result, domain.PointTotal{ParticipantID: id, Points: r.points[id]})
	}
	return result, nil
}
