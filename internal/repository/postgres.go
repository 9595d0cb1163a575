package repository

import (
	"context"
	"errors"
	"time"

	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/domain"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/repository/model"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PostgresSessionRepository struct {
	db *gorm.DB
}

func NewPostgresSessionRepository(db *gorm.DB) *PostgresSessionRepository {
	return &PostgresSessionRepository{db: db}
}

func (r *PostgresSessionRepository) Create(ctx context.Context, session *domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if session == nil {
		return errors.New("session is nil")
	}

	if err := r.db.WithContext(ctx).Create(toModelSession(session)).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrSessionExists
		}
		return err
	}
	return nil
}

func (r *PostgresSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var session model.Session
	err := r.db.WithContext(ctx).Preload("Participants").First(&session, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	return toDomainSession(&session), nil
}

func (r *PostgresSessionRepository) Update(ctx context.Context, session *domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if session == nil {
		return errors.New("session is nil")
	}

	sessionModel := toModelSession(session)

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{}
		if sessionModel.EndedAt == nil {
			updates["ended_at"] = gorm.Expr("NULL")
		} else {
			updates["ended_at"] = sessionModel.EndedAt
		}

		res := tx.Model(&model.Session{}).Where("id = ?", sessionModel.ID).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrSessionNotFound
		}

		if err := tx.Where("session_id = ?", sessionModel.ID).Delete(&model.Participant{}).Error; err != nil {
			return err
		}

		if len(sessionModel.Participants) > 0 {
			if err := tx.Create(&sessionModel.Participants).Error; err != nil {
				return err
			}
		}

		return nil
	})
}

func (r *PostgresSessionRepository) List(ctx context.Context) ([]*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var sessions []model.Session
	if err := r.db.WithContext(ctx).Preload("Participants").Order("created_at").Find(&sessions).Error; err != nil {
		return nil, err
	}

	result := make([]*domain.Session, 0, len(sessions))
	for i := range sessions {
		result = append(result, toDomainSession(&sessions[i]))
	}

	return result, nil
}

type PostgresQuizRepository struct {
	db *gorm.DB
}

func NewPostgresQuizRepository(db *gorm.DB) *PostgresQuizRepository {
	return &PostgresQuizRepository{db: db}
}

// AwardPoints locks the quiz row, checks the awarded marker and applies the
// totals in the same transaction.
func (r *PostgresQuizRepository) AwardPoints(ctx context.Context, quiz *domain.QuizRecord, scores []domain.Score) (*domain.AwardOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if quiz == nil {
		return nil, errors.New("quiz is nil")
	}

	outcome := &domain.AwardOutcome{QuizID: quiz.ID}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		seed := model.Quiz{ID: quiz.ID, SessionID: quiz.SessionID, CreatedAt: now}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}

		var row model.Quiz
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", quiz.ID).Error; err != nil {
			return err
		}
		if row.AwardedAt != nil {
			outcome.AlreadyAwarded = true
			return nil
		}

		for _, s := range scores {
			total := model.PointTotal{ParticipantID: s.ParticipantID, Points: s.Total, UpdatedAt: now}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "participant_id"}},
				DoUpdates: clause.Assignments(map[string]any{
					"points":     gorm.Expr("point_totals.points + ?", s.Total),
					"updated_at": now,
				}),
			}).Create(&total).Error
			if err != nil {
				return err
			}
		}

		if err := tx.Model(&model.Quiz{}).Where("id = ?", quiz.ID).Update("awarded_at", now).Error; err != nil {
			return err
		}

		outcome.Awarded = append([]domain.Score(nil), scores...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return outcome, nil
}

func (r *PostgresQuizRepository) GetQuiz(ctx context.Context, quizID string) (*domain.QuizRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var row model.Quiz
	if err := r.db.WithContext(ctx).First(&row, "id = ?", quizID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrQuizNotFound
		}
		return nil, err
	}

	record := &domain.QuizRecord{ID: row.ID, SessionID: row.SessionID, CreatedAt: row.CreatedAt.UTC()}
	if row.AwardedAt != nil {
		record.AwardedAt = row.AwardedAt.UTC()
	}
	return record, nil
}

func (r *PostgresQuizRepository) Totals(ctx context.Context, participantIDs ...string) ([]domain.PointTotal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rows []model.PointTotal
	if err := r.db.WithContext(ctx).Where("participant_id IN ?", participantIDs).Find(&rows).Error; err != nil {
		return nil, err
	}

	byID := make(map[string]int, len(rows))
	for _, row := range rows {
		byID[row.ParticipantID] = row.Points
	}

	result := make([]domain.PointTotal, 0, len(participantIDs))
	for _, id := range participantIDs {
		result = append(result, domain.PointTotal{ParticipantID: id, Points: byID[id]})
	}
	return result, nil
}

func toModelSession(session *domain.Session) *model.Session {
	var endedAt *time.Time
	if !session.EndedAt.IsZero() {
		t := session.EndedAt.UTC()
		endedAt = &t
	}

	session.Mutex.RLock()
	participants := make([]model.Participant, 0, len(session.Participants))
	for _, p := range session.Participants {
		if p == nil {
			continue
		}
		admittedAt := p.AdmittedAt
		if admittedAt.IsZero() {
			admittedAt = time.Now().UTC()
		}
		participants = append(participants, model.Participant{
			SessionID:   session.ID,
			ID:          p.ID,
			Role:        string(p.Role),
			DisplayName: p.DisplayName,
			AdmittedAt:  admittedAt.UTC(),
		})
	}
	session.Mutex.RUnlock()

	return &model.Session{
		ID:           session.ID,
		TeacherID:    session.TeacherID,
		ClassroomID:  session.ClassroomID,
		CreatedAt:    session.CreatedAt.UTC(),
		EndedAt:      endedAt,
		Participants: participants,
	}
}

func toDomainSession(session *model.Session) *domain.Session {
	participants := make(map[string]*domain.Participant, len(session.Participants))
	for i := range session.Participants {
		p := session.Participants[i]
		participants[p.ID] = &domain.Participant{
			ID:          p.ID,
			Role:        domain.Role(p.Role),
			DisplayName: p.DisplayName,
			AdmittedAt:  p.AdmittedAt.UTC(),
		}
	}

	var endedAt time.Time
	if session.EndedAt != nil {
		endedAt = session.EndedAt.UTC()
	}

	return &domain.Session{
		ID:           session.ID,
		TeacherID:    session.TeacherID,
		ClassroomID:  session.ClassroomID,
		Participants: participants,
		CreatedAt:    session.CreatedAt.UTC(),
		EndedAt:      endedAt,
	}
}
