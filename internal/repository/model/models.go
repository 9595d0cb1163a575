package model

import (
	"time"

	"github.com/google/uuid"
)

type Session struct {
	ID           uuid.UUID     `gorm:"type:uuid;primaryKey"`
	TeacherID    string        `gorm:"size:64;index;not null"`
	ClassroomID  string        `gorm:"size:64;index"`
	CreatedAt    time.Time     `gorm:"not null"`
	EndedAt      *time.Time    `gorm:"index"`
	Participants []Participant `gorm:"constraint:OnDelete:CASCADE"`
}

type Participant struct {
	SessionID   uuid.UUID `gorm:"type:uuid;primaryKey"`
	ID          string    `gorm:"size:64;primaryKey"`
	Role        string    `gorm:"size:16;not null"`
	DisplayName string    `gorm:"size:255;not null"`
	AdmittedAt  time.Time `gorm:"not null"`
}

type Quiz struct {
	ID        string     `gorm:"size:64;primaryKey"`
	SessionID string     `gorm:"size:64;index"`
	CreatedAt time.Time  `gorm:"not null"`
	AwardedAt *time.Time `gorm:"index"`
}

type PointTotal struct {
	ParticipantID string    `gorm:"size:64;primaryKey"`
	Points        int       `gorm:"not null;default:0"`
	UpdatedAt     time.Time `gorm:"not null"`
}
