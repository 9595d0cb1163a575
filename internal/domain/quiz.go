package domain

import "time"

// QuizRecord is the persisted side of a quiz. AwardedAt is the marker that
// makes point awarding a one-shot operation.
type QuizRecord struct {
	ID        string
	SessionID string
	CreatedAt time.Time
	AwardedAt time.Time
}

func (q *QuizRecord) Awarded() bool {
	return q != nil && !q.AwardedAt.IsZero()
}

// Score is one student's result for a quiz.
type Score struct {
	ParticipantID   string    `json:"participant_id"`
	Correct         int       `json:"correct"`
	Bonus           int       `json:"bonus"`
	Total           int       `json:"total"`
	LastSubmittedAt time.Time `json:"last_submitted_at"`
}

// AwardOutcome reports what an award call did. AlreadyAwarded is set when the
// quiz had been awarded before and totals were left untouched.
type AwardOutcome struct {
	QuizID         string  `json:"quiz_id"`
	Awarded        []Score `json:"awarded"`
	AlreadyAwarded bool    `json:"already_awarded"`
}

type PointTotal struct {
	ParticipantID string `json:"participant_id"`
	Points        int    `json:"points"`
}
