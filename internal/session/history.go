package session

import (
	"reflect"

	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/syncstate"
)

const (
	historySize = 512
	pendingSize = 256
)

type sequenced struct {
	seq uint64
	env syncstate.Envelope
}

// history remembers what a snapshot may not contain yet: state events
// received from the channel, and own events published but not echoed back.
// Callers hold the controller lock.
type history struct {
	received []sequenced
	pending  []syncstate.Event
}

func (h *history) record(seq uint64, env syncstate.Envelope) {
	if seq == 0 {
		return
	}
	h.received = append(h.received, sequenced{seq: seq, env: env})
	if n := len(h.received); n > historySize {
		h.received = append([]sequenced(nil), h.received[n-historySize:]...)
	}
}

func (h *history) published(e syncstate.Event) {
	h.pending = append(h.pending, e)
	if n := len(h.pending); n > pendingSize {
		h.pending = append([]syncstate.Event(nil), h.pending[n-pendingSize:]...)
	}
}

// echoed settles the oldest pending event equal to e. Pending events ahead
// of it never made it through and are forgotten.
func (h *history) echoed(e syncstate.Event) {
	for i, p := range h.pending {
		if reflect.DeepEqual(p, e) {
			h.pending = append([]syncstate.Event(nil), h.pending[i+1:]...)
			return
		}
	}
}

// withdraw forgets the newest pending event equal to e.
func (h *history) withdraw(e syncstate.Event) {
	for i := len(h.pending) - 1; i >= 0; i-- {
		if reflect.DeepEqual(h.pending[i], e) {
			h.pending = append(h.pending[:i:i], h.pending[i+1:]...)
			return
		}
	}
}

// after returns, in order, the received events newer than seq followed by
// the pending own events of localID.
func (h *history) after(seq uint64, localID string) []syncstate.Envelope {
	var out []syncstate.Envelope
	for _, r := range h.received {
		if r.seq > seq {
			out = append(out, r.env)
		}
	}
	for _, e := range h.pending {
		out = append(out, syncstate.Envelope{From: localID, Local: true, Event: e})
	}
	return out
}
