package domain

import "time"

// Roster and lifecycle events the server publishes on a session channel.
const (
	EventSessionEnded        = "sessionEnded"
	EventParticipantAdmitted = "participantAdmitted"
	EventParticipantRemoved  = "participantRemoved"
)

type SessionEndedPayload struct {
	SessionID string    `json:"sessionId"`
	EndedAt   time.Time `json:"endedAt"`
}

type ParticipantAdmittedPayload struct {
	Participant Participant `json:"participant"`
}

type ParticipantRemovedPayload struct {
	ParticipantID string `json:"participantId"`
}
