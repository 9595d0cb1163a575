package domain

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const channelPrefix = "session:"

// Session is one live class. Everything but EndedAt is fixed at creation;
// the roster is owned by the session and changes only on explicit admit or
// departure.
type Session struct {
	Mutex        sync.RWMutex
	ID           uuid.UUID
	TeacherID    string
	ClassroomID  string
	Participants map[string]*Participant
	CreatedAt    time.Time
	EndedAt      time.Time
}

// NewSession constructs a session and admits its teacher to the roster.
func NewSession(teacherID, teacherName, classroomID string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:           uuid.New(),
		TeacherID:    teacherID,
		ClassroomID:  classroomID,
		Participants: make(map[string]*Participant),
		CreatedAt:    now,
	}
	s.Participants[teacherID] = NewParticipant(teacherID, RoleTeacher, teacherName)
	return s
}

// IsEnded reports whether the teacher has ended the session.
func (s *Session) IsEnded() bool {
	if s == nil {
		return true
	}
	return !s.EndedAt.IsZero()
}

// ChannelName is the realtime channel every participant of the session attaches to.
func (s *Session) ChannelName() string {
	return ChannelName(s.ID)
}

func ChannelName(id uuid.UUID) string {
	return channelPrefix + id.String()
}

// ParseChannelName returns the session id a channel name belongs to.
func ParseChannelName(name string) (uuid.UUID, bool) {
	rest, ok := strings.CutPrefix(name, channelPrefix)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// Roster returns a copy of the admitted participants.
func (s *Session) Roster() []*Participant {
	s.Mutex.RLock()
	defer s.Mutex.RUnlock()

	out := make([]*Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		cp := *p
		out = append(out, &cp)
	}
	return out
}
