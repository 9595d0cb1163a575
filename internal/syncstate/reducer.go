package syncstate

// Envelope is an event with its origin. Local marks an event the client
// applied itself before publishing, as opposed to one received from the
// channel.
type Envelope struct {
	From  string
	Local bool
	Event Event
}

// Reducer folds events into State. Apply never mutates its input: fields it
// changes are copied first, so earlier states stay valid.
type Reducer struct {
	LocalID string
	// TeacherID is the only origin whose snapshots are accepted. Empty
	// accepts snapshots from any remote.
	TeacherID           string
	DefaultTimerSeconds int
}

func (r Reducer) Apply(s State, env Envelope) State {
	switch e := env.Event.(type) {
	case Spotlight:
		s.SpotlightedParticipantID = e.ParticipantID

	case HandRaiseUpdate:
		if e.IsRaised {
			if indexOf(s.HandRaiseQueue, e.ParticipantID) < 0 {
				s.HandRaiseQueue = appendCopy(s.HandRaiseQueue, e.ParticipantID)
			}
		} else {
			s.HandRaiseQueue = without(s.HandRaiseQueue, e.ParticipantID)
		}

	case HandAcknowledged:
		s.HandRaiseQueue = without(s.HandRaiseQueue, e.ParticipantID)

	case UnderstandingUpdate:
		if s.Understanding[e.ParticipantID] == e.Level {
			return s
		}
		next := make(map[string]Understanding, len(s.Understanding)+1)
		for k, v := range s.Understanding {
			next[k] = v
		}
		next[e.ParticipantID] = ParseUnderstanding(string(e.Level))
		s.Understanding = next

	case ActiveToolChanged:
		s.ActiveTool = ParseTool(string(e.Tool))

	case DocumentShared:
		// The sharer applied it locally already; its echo must not flip the tool again.
		if env.From == r.LocalID && !env.Local {
			return s
		}
		s.CurrentDocument = &Document{URL: e.URL, SharedBy: e.SharedBy}
		if e.SwitchTool {
			s.ActiveTool = ToolDocument
		}

	case WhiteboardControllerUpdate:
		s.WhiteboardControllerID = e.ParticipantID

	case WhiteboardControllerCleared:
		if s.WhiteboardControllerID == e.ParticipantID {
			s.WhiteboardControllerID = ""
		}

	case TimerStarted:
		s.Timer.Running = true
		if e.RemainingSeconds != nil {
			s.Timer.RemainingSeconds = *e.RemainingSeconds
		}

	case TimerPaused:
		s.Timer.Running = false
		if e.RemainingSeconds != nil {
			s.Timer.RemainingSeconds = *e.RemainingSeconds
		}

	case TimerReset:
		d := e.Duration
		if d <= 0 {
			d = r.defaultTimer()
		}
		s.Timer = Timer{Running: false, RemainingSeconds: d}

	case QuizStartedEvent:
		if s.Quiz.ID == e.Quiz.ID && s.Quiz.Phase != QuizIdle {
			return s
		}
		def := e.Quiz.Public()
		s.Quiz = QuizState{
			ID:         e.Quiz.ID,
			Phase:      QuizStarted,
			Definition: &def,
			StartedAt:  e.StartedAt,
			Responses:  map[string]QuizResponse{},
		}

	case QuizResponseEvent:
		if !s.Quiz.Phase.Accepting() || !sameQuiz(s.Quiz.ID, e.QuizID) {
			return s
		}
		responses := make(map[string]QuizResponse, len(s.Quiz.Responses)+1)
		for k, v := range s.Quiz.Responses {
			responses[k] = v
		}
		responses[e.ParticipantID] = QuizResponse{
			ParticipantID: e.ParticipantID,
			Answers:       copyAnswers(e.Answers),
			SubmittedAt:   e.SubmittedAt,
		}
		s.Quiz.Responses = responses
		s.Quiz.Phase = QuizCollecting

	case QuizEndedEvent:
		if !s.Quiz.Phase.Accepting() || !sameQuiz(s.Quiz.ID, e.QuizID) {
			return s
		}
		results := e.Results
		s.Quiz.Phase = QuizEnded
		s.Quiz.Results = &results

	case QuizClosedEvent:
		if !sameQuiz(s.Quiz.ID, e.QuizID) {
			return s
		}
		s.Quiz = QuizState{
			ID:         s.Quiz.ID,
			Phase:      QuizClosed,
			Definition: s.Quiz.Definition,
			StartedAt:  s.Quiz.StartedAt,
			Responses:  map[string]QuizResponse{},
		}
		s.ActiveTool = DefaultTool

	case BreakoutStarted:
		s.BreakoutRooms = RectifyRooms(e.Rooms)

	case BreakoutEnded:
		s.BreakoutRooms = []BreakoutRoom{}

	case ParticipantLeft:
		s.HandRaiseQueue = without(s.HandRaiseQueue, e.ParticipantID)
		if s.WhiteboardControllerID == e.ParticipantID {
			s.WhiteboardControllerID = ""
		}
		if s.SpotlightedParticipantID == e.ParticipantID {
			s.SpotlightedParticipantID = ""
		}

	case StateSnapshot:
		if env.Local || env.From == r.LocalID {
			return s
		}
		if r.TeacherID != "" && env.From != r.TeacherID {
			return s
		}
		return Normalize(e.State, r.defaultTimer())
	}
	return s
}

// Fold applies events in order.
func (r Reducer) Fold(s State, envs ...Envelope) State {
	for _, env := range envs {
		s = r.Apply(s, env)
	}
	return s
}

func (r Reducer) defaultTimer() int {
	if r.DefaultTimerSeconds > 0 {
		return r.DefaultTimerSeconds
	}
	return DefaultTimerSeconds
}

// Normalize repairs a state received whole: it enforces the queue, tool,
// room and timer invariants and fills nil collections.
func Normalize(s State, defaultTimer int) State {
	queue := make([]string, 0, len(s.HandRaiseQueue))
	for _, id := range s.HandRaiseQueue {
		if id != "" && indexOf(queue, id) < 0 {
			queue = append(queue, id)
		}
	}
	s.HandRaiseQueue = queue

	understanding := make(map[string]Understanding, len(s.Understanding))
	for id, level := range s.Understanding {
		understanding[id] = ParseUnderstanding(string(level))
	}
	s.Understanding = understanding

	s.ActiveTool = ParseTool(string(s.ActiveTool))
	s.BreakoutRooms = RectifyRooms(s.BreakoutRooms)

	if s.Timer.RemainingSeconds < 0 {
		s.Timer.RemainingSeconds = defaultTimer
	}

	switch s.Quiz.Phase {
	case QuizIdle, QuizStarted, QuizCollecting, QuizEnded, QuizClosed:
	default:
		s.Quiz.Phase = QuizIdle
	}
	responses := make(map[string]QuizResponse, len(s.Quiz.Responses))
	for id, resp := range s.Quiz.Responses {
		responses[id] = resp
	}
	s.Quiz.Responses = responses
	if s.Quiz.Phase == QuizClosed {
		s.Quiz.Responses = map[string]QuizResponse{}
		s.Quiz.Results = nil
	}
	return s
}

// sameQuiz treats an empty event id as addressing the current quiz.
func sameQuiz(current, id string) bool {
	return id == "" || current == id
}

func appendCopy(ids []string, id string) []string {
	out := make([]string, len(ids), len(ids)+1)
	copy(out, ids)
	return append(out, id)
}

func without(ids []string, id string) []string {
	i := indexOf(ids, id)
	if i < 0 {
		return ids
	}
	out := make([]string, 0, len(ids)-1)
	out = append(out, ids[:i]...)
	return append(out, ids[i+1:]...)
}

func copyAnswers(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
