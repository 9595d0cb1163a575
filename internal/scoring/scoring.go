// Package scoring turns quiz submissions into point scores and awards the
// winners exactly once per quiz.
package scoring

import (
	"sort"
	"time"

	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/config"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/domain"
)

type Rules struct {
	PointsPerCorrect int
	MaxSpeedBonus    int
	// BonusStep is how much submission delay costs one bonus point.
	BonusStep time.Duration
	TopN      int
}

func DefaultRules() Rules {
	return Rules{
		PointsPerCorrect: 10,
		MaxSpeedBonus:    5,
		BonusStep:        2 * time.Second,
		TopN:             3,
	}
}

// RulesFromConfig falls back to DefaultRules for every unset field.
func RulesFromConfig(cfg config.QuizConfig) Rules {
	r := DefaultRules()
	if cfg.PointsPerCorrect > 0 {
		r.PointsPerCorrect = cfg.PointsPerCorrect
	}
	if cfg.MaxSpeedBonus > 0 {
		r.MaxSpeedBonus = cfg.MaxSpeedBonus
	}
	if cfg.BonusStep > 0 {
		r.BonusStep = cfg.BonusStep
	}
	if cfg.Winners > 0 {
		r.TopN = cfg.Winners
	}
	return r
}

// Submission is a student's final answer set for a quiz.
type Submission struct {
	ParticipantID string            `json:"participant_id"`
	Answers       map[string]string `json:"answers"`
	SubmittedAt   time.Time         `json:"submitted_at"`
}

// Compute scores every submission against key and returns them ranked, best
// first. A submission earns the speed bonus only if it has at least one
// correct answer; the bonus shrinks by one point per BonusStep elapsed since
// startedAt and never goes below zero.
func (r Rules) Compute(key map[string]string, startedAt time.Time, submissions []Submission) []domain.Score {
	scores := make([]domain.Score, 0, len(submissions))
	seen := make(map[string]int, len(submissions))

	for _, sub := range submissions {
		if sub.ParticipantID == "" {
			continue
		}

		correct := 0
		for qid, want := range key {
			if got, ok := sub.Answers[qid]; ok && got == want {
				correct++
			}
		}

		score := domain.Score{
			ParticipantID:   sub.ParticipantID,
			Correct:         correct,
			LastSubmittedAt: sub.SubmittedAt,
		}
		if correct > 0 {
			score.Bonus = r.speedBonus(startedAt, sub.SubmittedAt)
		}
		score.Total = correct*r.PointsPerCorrect + score.Bonus

		// A later submission from the same participant replaces the earlier one.
		if i, ok := seen[sub.ParticipantID]; ok {
			if sub.SubmittedAt.Before(scores[i].LastSubmittedAt) {
				continue
			}
			scores[i] = score
			continue
		}
		seen[sub.ParticipantID] = len(scores)
		scores = append(scores, score)
	}

	Rank(scores)
	return scores
}

func (r Rules) speedBonus(startedAt, submittedAt time.Time) int {
	if r.MaxSpeedBonus <= 0 || submittedAt.IsZero() {
		return 0
	}
	gap := submittedAt.Sub(startedAt)
	if startedAt.IsZero() || gap < 0 {
		gap = 0
	}
	if r.BonusStep <= 0 {
		return r.MaxSpeedBonus
	}
	bonus := r.MaxSpeedBonus - int(gap/r.BonusStep)
	if bonus < 0 {
		return 0
	}
	return bonus
}

// Rank orders scores by total, then earlier final submission, then id.
func Rank(scores []domain.Score) {
	sort.SliceStable(scores, func(i, j int) bool {
		a, b := scores[i], scores[j]
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		if !a.LastSubmittedAt.Equal(b.LastSubmittedAt) {
			return a.LastSubmittedAt.Before(b.LastSubmittedAt)
		}
		return a.ParticipantID < b.ParticipantID
	})
}

// Winners returns the top scores of a ranked slice. Zero totals never win.
func (r Rules) Winners(ranked []domain.Score) []domain.Score {
	out := make([]domain.Score, 0, r.TopN)
	for _, s := range ranked {
		if len(out) == r.TopN {
			break
		}
		if s.Total <= 0 {
			break
		}
		out = append(out, s)
	}
	return out
}

func WinnerIDs(winners []domain.Score) []string {
	ids := make([]string, len(winners))
	for i, s := range winners {
		ids[i] = s.ParticipantID
	}
	return ids
}
