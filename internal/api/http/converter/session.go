package converter

import (
	"sort"
	"time"

	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/domain"
	"github.com/google/uuid"
)

type SessionResponse struct {
	ID           uuid.UUID             `json:"id"`
	TeacherID    string                `json:"teacher_id"`
	ClassroomID  string                `json:"classroom_id,omitempty"`
	Channel      string                `json:"channel"`
	Participants []ParticipantResponse `json:"participants"`
	CreatedAt    time.Time             `json:"created_at"`
	EndedAt      *time.Time            `json:"ended_at,omitempty"`
	IsEnded      bool                  `json:"is_ended"`
}

type ParticipantResponse struct {
	ID          string      `json:"id"`
	Role        domain.Role `json:"role"`
	DisplayName string      `json:"display_name"`
	AdmittedAt  time.Time   `json:"admitted_at"`
}

func SessionToApi(s *domain.Session) *SessionResponse {
	roster := s.Roster()
	sort.Slice(roster, func(i, j int) bool { return roster[i].AdmittedAt.Before(roster[j].AdmittedAt) })

	s.Mutex.RLock()
	resp := &SessionResponse{
		ID:           s.ID,
		TeacherID:    s.TeacherID,
		ClassroomID:  s.ClassroomID,
		Channel:      s.ChannelName(),
		Participants: ParticipantsToApi(roster),
		CreatedAt:    s.CreatedAt,
	}
	if !s.EndedAt.IsZero() {
		ended := s.EndedAt
		resp.EndedAt = &ended
	}
	s.Mutex.RUnlock()
	resp.IsEnded = resp.EndedAt != nil
	return resp
}

func ParticipantsToApi(ps []*domain.Participant) []ParticipantResponse {
	out := make([]ParticipantResponse, 0, len(ps))
	for _, p := range ps {
		out = append(out, ParticipantResponse{
			ID:          p.ID,
			Role:        p.Role,
			DisplayName: p.DisplayName,
			AdmittedAt:  p.AdmittedAt,
		})
	}
	return out
}
