package syncstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event names as published on the session channel.
const (
	NameSpotlight                   = "spotlight"
	NameHandRaiseUpdate             = "handRaiseUpdate"
	NameHandAcknowledged            = "handAcknowledged"
	NameUnderstandingUpdate         = "understandingUpdate"
	NameActiveToolChanged           = "activeToolChanged"
	NameDocumentShared              = "documentShared"
	NameWhiteboardControllerUpdate  = "whiteboardControllerUpdate"
	NameWhiteboardControllerCleared = "whiteboardControllerCleared"
	NameTimerStarted                = "timerStarted"
	NameTimerPaused                 = "timerPaused"
	NameTimerReset                  = "timerReset"
	NameQuizStarted                 = "quizStarted"
	NameQuizResponse                = "quizResponse"
	NameQuizEnded                   = "quizEnded"
	NameQuizClosed                  = "quizClosed"
	NameBreakoutStarted             = "breakoutStarted"
	NameBreakoutEnded               = "breakoutEnded"
	NameParticipantLeft             = "participantLeft"
	NameStateSnapshot               = "stateSnapshot"
)

const DefaultTimerSeconds = 300

var (
	ErrUnknownEvent = errors.New("syncstate: unknown event")
	ErrMalformed    = errors.New("syncstate: malformed payload")
)

// Event is one of the closed set of state events below.
type Event interface {
	EventName() string
	event()
}

type Spotlight struct {
	ParticipantID string `json:"participantId"`
}

type HandRaiseUpdate struct {
	ParticipantID string `json:"participantId"`
	IsRaised      bool   `json:"isRaised"`
}

type HandAcknowledged struct {
	ParticipantID string `json:"participantId"`
}

type UnderstandingUpdate struct {
	ParticipantID string        `json:"participantId"`
	Level         Understanding `json:"level"`
}

type ActiveToolChanged struct {
	Tool Tool `json:"tool"`
}

// DocumentShared points everyone at a document. SwitchTool also selects the
// document tool.
type DocumentShared struct {
	URL        string `json:"url"`
	SharedBy   string `json:"sharedBy"`
	SwitchTool bool   `json:"switchTool,omitempty"`
}

// WhiteboardControllerUpdate hands the whiteboard to ParticipantID; empty
// clears it.
type WhiteboardControllerUpdate struct {
	ParticipantID string `json:"participantId"`
}

// WhiteboardControllerCleared clears the controller only if it is still
// ParticipantID.
type WhiteboardControllerCleared struct {
	ParticipantID string `json:"participantId"`
}

type TimerStarted struct {
	RemainingSeconds *int `json:"remainingSeconds,omitempty"`
}

type TimerPaused struct {
	RemainingSeconds *int `json:"remainingSeconds,omitempty"`
}

type TimerReset struct {
	Duration int `json:"duration"`
}

type QuizStartedEvent struct {
	Quiz      QuizDefinition `json:"quiz"`
	StartedAt time.Time      `json:"startedAt"`
}

type QuizResponseEvent struct {
	QuizID        string            `json:"quizId"`
	ParticipantID string            `json:"participantId"`
	Answers       map[string]string `json:"answers"`
	SubmittedAt   time.Time         `json:"submittedAt"`
}

type QuizEndedEvent struct {
	QuizID  string      `json:"quizId"`
	Results QuizResults `json:"results"`
}

type QuizClosedEvent struct {
	QuizID string `json:"quizId"`
}

type BreakoutStarted struct {
	Rooms []BreakoutRoom `json:"rooms"`
}

type BreakoutEnded struct{}

// ParticipantLeft announces an explicit departure from the session.
type ParticipantLeft struct {
	ParticipantID string `json:"participantId"`
}

// StateSnapshot carries the full state from the session teacher.
// AppliedSeq is the last channel sequence number folded into State;
// receivers re-apply what they saw after it.
type StateSnapshot struct {
	State      State  `json:"state"`
	AppliedSeq uint64 `json:"appliedSeq,omitempty"`
}

func (Spotlight) EventName() string                   { return NameSpotlight }
func (HandRaiseUpdate) EventName() string             { return NameHandRaiseUpdate }
func (HandAcknowledged) EventName() string            { return NameHandAcknowledged }
func (UnderstandingUpdate) EventName() string         { return NameUnderstandingUpdate }
func (ActiveToolChanged) EventName() string           { return NameActiveToolChanged }
func (DocumentShared) EventName() string              { return NameDocumentShared }
func (WhiteboardControllerUpdate) EventName() string  { return NameWhiteboardControllerUpdate }
func (WhiteboardControllerCleared) EventName() string { return NameWhiteboardControllerCleared }
func (TimerStarted) EventName() string                { return NameTimerStarted }
func (TimerPaused) EventName() string                 { return NameTimerPaused }
func (TimerReset) EventName() string                  { return NameTimerReset }
func (QuizStartedEvent) EventName() string            { return NameQuizStarted }
func (QuizResponseEvent) EventName() string           { return NameQuizResponse }
func (QuizEndedEvent) EventName() string              { return NameQuizEnded }
func (QuizClosedEvent) EventName() string             { return NameQuizClosed }
func (BreakoutStarted) EventName() string             { return NameBreakoutStarted }
func (BreakoutEnded) EventName() string               { return NameBreakoutEnded }
func (ParticipantLeft) EventName() string             { return NameParticipantLeft }
func (StateSnapshot) EventName() string               { return NameStateSnapshot }

func (Spotlight) event()                   {}
func (HandRaiseUpdate) event()             {}
func (HandAcknowledged) event()            {}
func (UnderstandingUpdate) event()         {}
func (ActiveToolChanged) event()           {}
func (DocumentShared) event()              {}
func (WhiteboardControllerUpdate) event()  {}
func (WhiteboardControllerCleared) event() {}
func (TimerStarted) event()                {}
func (TimerPaused) event()                 {}
func (TimerReset) event()                  {}
func (QuizStartedEvent) event()            {}
func (QuizResponseEvent) event()           {}
func (QuizEndedEvent) event()              {}
func (QuizClosedEvent) event()             {}
func (BreakoutStarted) event()             {}
func (BreakoutEnded) event()               {}
func (ParticipantLeft) event()             {}
func (StateSnapshot) event()               {}

// IsStateEvent reports whether name is handled by Decode.
func IsStateEvent(name string) bool {
	_, ok := decoders[name]
	return ok
}

var decoders = map[string]func(json.RawMessage) (Event, error){
	NameSpotlight: func(data json.RawMessage) (Event, error) {
		var e Spotlight
		if err := unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	},
	NameHandRaiseUpdate: func(data json.RawMessage) (Event, error) {
		var e HandRaiseUpdate
		if err := unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, requireID(e.ParticipantID)
	},
	NameHandAcknowledged: func(data json.RawMessage) (Event, error) {
		var e HandAcknowledged
		if err := unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, requireID(e.ParticipantID)
	},
	NameUnderstandingUpdate: func(data json.RawMessage) (Event, error) {
		var raw struct {
			ParticipantID string `json:"participantId"`
			Level         string `json:"level"`
		}
		if err := unmarshal(data, &raw); err != nil {
			return nil, err
		}
		return UnderstandingUpdate{ParticipantID: raw.ParticipantID, Level: ParseUnderstanding(raw.Level)}, requireID(raw.ParticipantID)
	},
	NameActiveToolChanged: func(data json.RawMessage) (Event, error) {
		var raw struct {
			Tool string `json:"tool"`
		}
		// Anything unreadable becomes the default tool.
		_ = unmarshal(data, &raw)
		return ActiveToolChanged{Tool: ParseTool(raw.Tool)}, nil
	},
	NameDocumentShared: func(data json.RawMessage) (Event, error) {
		var e DocumentShared
		if err := unmarshal(data, &e); err != nil {
			return nil, err
		}
		if e.URL == "" {
			return nil, fmt.Errorf("%w: document url is required", ErrMalformed)
		}
		return e, nil
	},
	NameWhiteboardControllerUpdate: func(data json.RawMessage) (Event, error) {
		var e WhiteboardControllerUpdate
		if err := unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	},
	NameWhiteboardControllerCleared: func(data json.RawMessage) (Event, error) {
		var e WhiteboardControllerCleared
		if err := unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, requireID(e.ParticipantID)
	},
	NameTimerStarted: func(data json.RawMessage) (Event, error) {
		var e TimerStarted
		_ = unmarshal(data, &e)
		e.RemainingSeconds = nonNegative(e.RemainingSeconds)
		return e, nil
	},
	NameTimerPaused: func(data json.RawMessage) (Event, error) {
		var e TimerPaused
		_ = unmarshal(data, &e)
		e.RemainingSeconds = nonNegative(e.RemainingSeconds)
		return e, nil
	},
	NameTimerReset: func(data json.RawMessage) (Event, error) {
		var raw struct {
			Duration json.Number `json:"duration"`
		}
		_ = unmarshal(data, &raw)
		d, err := raw.Duration.Int64()
		if err != nil || d <= 0 {
			d = 0
		}
		return TimerReset{Duration: int(d)}, nil
	},
	NameQuizStarted: func(data json.RawMessage) (Event, error) {
		var e QuizStartedEvent
		if err := unmarshal(data, &e); err != nil {
			return nil, err
		}
		if e.Quiz.ID == "" {
			return nil, fmt.Errorf("%w: quiz id is required", ErrMalformed)
		}
		return e, nil
	},
	NameQuizResponse: func(data json.RawMessage) (Event, error) {
		var e QuizResponseEvent
		if err := unmarshal(data, &e); err != nil {
			return nil, err
		}
		if e.Answers == nil {
			e.Answers = map[string]string{}
		}
		return e, requireID(e.ParticipantID)
	},
	NameQuizEnded: func(data json.RawMessage) (Event, error) {
		var e QuizEndedEvent
		if err := unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	},
	NameQuizClosed: func(data json.RawMessage) (Event, error) {
		var e QuizClosedEvent
		_ = unmarshal(data, &e)
		return e, nil
	},
	NameBreakoutStarted: func(data json.RawMessage) (Event, error) {
		var e BreakoutStarted
		if err := unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	},
	NameBreakoutEnded: func(json.RawMessage) (Event, error) {
		return BreakoutEnded{}, nil
	},
	NameParticipantLeft: func(data json.RawMessage) (Event, error) {
		var e ParticipantLeft
		if err := unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, requireID(e.ParticipantID)
	},
	NameStateSnapshot: func(data json.RawMessage) (Event, error) {
		var e StateSnapshot
		if err := unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	},
}

// Decode turns a published payload into its typed event. Out-of-range
// values are coerced to defaults; payloads that cannot be applied at all
// yield ErrMalformed.
func Decode(name string, data json.RawMessage) (Event, error) {
	decode, ok := decoders[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	e, err := decode(data)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func unmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func requireID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: participant id is required", ErrMalformed)
	}
	return nil
}

func nonNegative(v *int) *int {
	if v == nil || *v >= 0 {
		return v
	}
	return nil
}
