package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/domain"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/metrics"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/repository"
	"github.com/beebee-coder/classroom-virtuelle-sub001/lib/logger/sl"
)

var ErrQuizIDRequired = errors.New("quiz id is required")

// PointAwarder persists quiz points. Calling it again with the same quiz id
// must leave totals untouched.
type PointAwarder interface {
	AwardQuizPoints(ctx context.Context, quizID string, scores []domain.Score) (*domain.AwardOutcome, error)
}

type Service struct {
	quizzes repository.QuizRepository
	rules   Rules
	log     *slog.Logger
}

func NewService(quizzes repository.QuizRepository, rules Rules, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{quizzes: quizzes, rules: rules, log: log}
}

func (s *Service) Rules() Rules {
	return s.rules
}

func (s *Service) AwardQuizPoints(ctx context.Context, quizID string, scores []domain.Score) (*domain.AwardOutcome, error) {
	return s.Award(ctx, "", quizID, scores)
}

// Award applies scores to point totals unless the quiz was already awarded.
func (s *Service) Award(ctx context.Context, sessionID, quizID string, scores []domain.Score) (*domain.AwardOutcome, error) {
	const op = "scoring.service.award"
	log := s.log.With(
		slog.String("op", op),
		slog.String("quiz_id", quizID),
	)

	if quizID == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrQuizIDRequired)
	}

	outcome, err := s.quizzes.AwardPoints(ctx, &domain.QuizRecord{ID: quizID, SessionID: sessionID}, scores)
	if err != nil {
		metrics.QuizAwards.WithLabelValues("error").Inc()
		log.Error("failed to award points", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if outcome.AlreadyAwarded {
		metrics.QuizAwards.WithLabelValues("already_awarded").Inc()
		log.Info("quiz already awarded")
		return outcome, nil
	}

	metrics.QuizAwards.WithLabelValues("awarded").Inc()
	log.Info("quiz points awarded", slog.Int("winners", len(outcome.Awarded)))
	return outcome, nil
}

// ScoreRequest is a complete quiz handed over for server-side scoring.
type ScoreRequest struct {
	SessionID   string
	QuizID      string
	StartedAt   time.Time
	AnswerKey   map[string]string
	Submissions []Submission
}

type ScoreResult struct {
	Scores  []domain.Score       `json:"scores"`
	Winners []string             `json:"winners"`
	Outcome *domain.AwardOutcome `json:"outcome"`
}

// ScoreAndAward ranks the submissions and awards the winners.
func (s *Service) ScoreAndAward(ctx context.Context, req ScoreRequest) (*ScoreResult, error) {
	const op = "scoring.service.scoreAndAward"

	ranked := s.rules.Compute(req.AnswerKey, req.StartedAt, req.Submissions)
	winners := s.rules.Winners(ranked)

	outcome, err := s.Award(ctx, req.SessionID, req.QuizID, winners)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &ScoreResult{
		Scores:  ranked,
		Winners: WinnerIDs(winners),
		Outcome: outcome,
	}, nil
}

func (s *Service) Totals(ctx context.Context, participantIDs ...string) ([]domain.PointTotal, error) {
	const op = "scoring.service.totals"

	totals, err := s.quizzes.Totals(ctx, participantIDs...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return totals, nil
}
