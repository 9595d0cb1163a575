package domain

import "time"

type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

func (r Role) Valid() bool {
	return r == RoleTeacher || r == RoleStudent
}

// Participant is a roster entry. Presence on the realtime channel is tracked
// separately; a participant that drops its connection stays on the roster.
type Participant struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	DisplayName string    `json:"display_name"`
	AdmittedAt  time.Time `json:"admitted_at"`
}

func NewParticipant(id string, role Role, displayName string) *Participant {
	if !role.Valid() {
		role = RoleStudent
	}
	return &Participant{
		ID:          id,
		Role:        role,
		DisplayName: displayName,
		AdmittedAt:  time.Now().UTC(),
	}
}
