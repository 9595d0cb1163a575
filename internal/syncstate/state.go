// Package syncstate holds the shared ephemeral state of a live session and
// the pure reducer every client folds broadcast events through.
package syncstate

import (
	"strconv"
	"time"

	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/domain"
)

type Tool string

const (
	ToolCamera       Tool = "camera"
	ToolWhiteboard   Tool = "whiteboard"
	ToolDocument     Tool = "document"
	ToolQuiz         Tool = "quiz"
	ToolBreakout     Tool = "breakout"
	ToolScreen       Tool = "screen"
	ToolChat         Tool = "chat"
	ToolParticipants Tool = "participants"

	DefaultTool = ToolCamera
)

// ParseTool maps unknown names to DefaultTool.
func ParseTool(s string) Tool {
	switch t := Tool(s); t {
	case ToolCamera, ToolWhiteboard, ToolDocument, ToolQuiz, ToolBreakout, ToolScreen, ToolChat, ToolParticipants:
		return t
	default:
		return DefaultTool
	}
}

type Understanding string

const (
	UnderstandingUnderstood Understanding = "understood"
	UnderstandingConfused   Understanding = "confused"
	UnderstandingLost       Understanding = "lost"
	UnderstandingNone       Understanding = "none"
)

// ParseUnderstanding maps unknown levels to UnderstandingNone.
func ParseUnderstanding(s string) Understanding {
	switch u := Understanding(s); u {
	case UnderstandingUnderstood, UnderstandingConfused, UnderstandingLost:
		return u
	default:
		return UnderstandingNone
	}
}

type QuizPhase string

const (
	QuizIdle       QuizPhase = "idle"
	QuizStarted    QuizPhase = "started"
	QuizCollecting QuizPhase = "collecting-responses"
	QuizEnded      QuizPhase = "ended"
	QuizClosed     QuizPhase = "closed"
)

// Accepting reports whether responses and the end of the quiz are taken.
func (p QuizPhase) Accepting() bool {
	return p == QuizStarted || p == QuizCollecting
}

type Question struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Options []string `json:"options,omitempty"`
	// Correct is kept by the quiz owner and stripped before broadcast.
	Correct string `json:"correct,omitempty"`
}

type QuizDefinition struct {
	ID        string     `json:"id"`
	Title     string     `json:"title,omitempty"`
	Questions []Question `json:"questions"`
}

// Public returns a copy of d without answer keys.
func (d QuizDefinition) Public() QuizDefinition {
	out := d
	out.Questions = make([]Question, len(d.Questions))
	for i, q := range d.Questions {
		q.Correct = ""
		out.Questions[i] = q
	}
	return out
}

// AnswerKey maps question id to correct option.
func (d QuizDefinition) AnswerKey() map[string]string {
	key := make(map[string]string, len(d.Questions))
	for _, q := range d.Questions {
		if q.Correct != "" {
			key[q.ID] = q.Correct
		}
	}
	return key
}

type QuizResponse struct {
	ParticipantID string            `json:"participantId"`
	Answers       map[string]string `json:"answers"`
	SubmittedAt   time.Time         `json:"submittedAt"`
}

type QuizResults struct {
	Scores  []domain.Score `json:"scores"`
	Winners []string       `json:"winners"`
}

type QuizState struct {
	ID         string                  `json:"id,omitempty"`
	Phase      QuizPhase               `json:"phase"`
	Definition *QuizDefinition         `json:"definition,omitempty"`
	StartedAt  time.Time               `json:"startedAt,omitempty"`
	Responses  map[string]QuizResponse `json:"responses"`
	Results    *QuizResults            `json:"results,omitempty"`
}

type Timer struct {
	Running          bool `json:"running"`
	RemainingSeconds int  `json:"remainingSeconds"`
}

type Document struct {
	URL      string `json:"url"`
	SharedBy string `json:"sharedBy"`
}

type BreakoutRoom struct {
	ID             string   `json:"id"`
	Task           string   `json:"task"`
	ParticipantIDs []string `json:"participantIds"`
	DocumentURL    string   `json:"documentUrl,omitempty"`
}

// State is the replicated session state. An empty id field means unset.
type State struct {
	SpotlightedParticipantID string                   `json:"spotlightedParticipantId,omitempty"`
	HandRaiseQueue           []string                 `json:"handRaiseQueue"`
	Understanding            map[string]Understanding `json:"understanding"`
	ActiveTool               Tool                     `json:"activeTool"`
	CurrentDocument          *Document                `json:"currentDocument,omitempty"`
	WhiteboardControllerID   string                   `json:"whiteboardControllerId,omitempty"`
	Timer                    Timer                    `json:"timer"`
	Quiz                     QuizState                `json:"quiz"`
	BreakoutRooms            []BreakoutRoom           `json:"breakoutRooms"`
}

func NewState(timerSeconds int) State {
	if timerSeconds <= 0 {
		timerSeconds = DefaultTimerSeconds
	}
	return State{
		HandRaiseQueue: []string{},
		Understanding:  map[string]Understanding{},
		ActiveTool:     DefaultTool,
		Timer:          Timer{RemainingSeconds: timerSeconds},
		Quiz:           QuizState{Phase: QuizIdle, Responses: map[string]QuizResponse{}},
		BreakoutRooms:  []BreakoutRoom{},
	}
}

// BreakoutRoomFor returns the room participantID is assigned to.
func (s State) BreakoutRoomFor(participantID string) (BreakoutRoom, bool) {
	for _, room := range s.BreakoutRooms {
		for _, id := range room.ParticipantIDs {
			if id == participantID {
				return room, true
			}
		}
	}
	return BreakoutRoom{}, false
}

func (s State) HandRaised(participantID string) bool {
	return indexOf(s.HandRaiseQueue, participantID) >= 0
}

// Tick advances a running timer by seconds of local wall-clock time. The
// timer stops on reaching zero.
func Tick(s State, seconds int) State {
	if !s.Timer.Running || seconds <= 0 {
		return s
	}
	remaining := s.Timer.RemainingSeconds - seconds
	if remaining <= 0 {
		s.Timer = Timer{Running: false, RemainingSeconds: 0}
		return s
	}
	s.Timer.RemainingSeconds = remaining
	return s
}

// RectifyRooms enforces that every participant sits in at most one room: the
// first room listing an id keeps it and later listings are dropped. Empty ids
// are dropped and rooms lacking a unique id are named room-<n>.
func RectifyRooms(rooms []BreakoutRoom) []BreakoutRoom {
	out := make([]BreakoutRoom, 0, len(rooms))
	seenRoom := make(map[string]struct{}, len(rooms))
	seenMember := make(map[string]struct{})

	for i, room := range rooms {
		id := room.ID
		if _, dup := seenRoom[id]; id == "" || dup {
			id = "room-" + strconv.Itoa(i+1)
		}
		seenRoom[id] = struct{}{}

		members := make([]string, 0, len(room.ParticipantIDs))
		for _, pid := range room.ParticipantIDs {
			if pid == "" {
				continue
			}
			if _, taken := seenMember[pid]; taken {
				continue
			}
			seenMember[pid] = struct{}{}
			members = append(members, pid)
		}

		out = append(out, BreakoutRoom{
			ID:             id,
			Task:           room.Task,
			ParticipantIDs: members,
			DocumentURL:    room.DocumentURL,
		})
	}
	return out
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
