// Package presence derives the live membership set of a session channel
// from presence enter/leave notifications.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/domain"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/signaling"
)

// Member is what a client announces when it enters presence.
type Member struct {
	ID          string      `json:"-"`
	Role        domain.Role `json:"role"`
	DisplayName string      `json:"display_name"`
}

func memberFrom(m signaling.Member) Member {
	out := Member{ID: m.ClientID}
	if len(m.Data) > 0 {
		// Unreadable data still leaves a usable member.
		_ = json.Unmarshal(m.Data, &out)
	}
	out.ID = m.ClientID
	if !out.Role.Valid() {
		out.Role = domain.RoleStudent
	}
	return out
}

// Tracker holds the set of ids currently present. Duplicate join or leave
// notifications change nothing and fire no callbacks. The local id is kept
// in the set but never reported to callbacks.
type Tracker struct {
	self string
	log  *slog.Logger

	mu      sync.RWMutex
	present map[string]Member

	subMu   sync.RWMutex
	nextSub int
	joins   map[int]func(Member)
	departs map[int]func(string)
}

func New(selfID string, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		self:    selfID,
		log:     log.With(slog.String("component", "presence"), slog.String("self", selfID)),
		present: make(map[string]Member),
		joins:   make(map[int]func(Member)),
		departs: make(map[int]func(string)),
	}
}

func (t *Tracker) OnJoin(fn func(Member)) (cancel func()) {
	t.subMu.Lock()
	id := t.nextSub
	t.nextSub++
	t.joins[id] = fn
	t.subMu.Unlock()
	return func() {
		t.subMu.Lock()
		delete(t.joins, id)
		t.subMu.Unlock()
	}
}

// OnDepart registers fn for every remote id that leaves presence.
func (t *Tracker) OnDepart(fn func(id string)) (cancel func()) {
	t.subMu.Lock()
	id := t.nextSub
	t.nextSub++
	t.departs[id] = fn
	t.subMu.Unlock()
	return func() {
		t.subMu.Lock()
		delete(t.departs, id)
		t.subMu.Unlock()
	}
}

// Join records m as present. It reports whether the set changed.
func (t *Tracker) Join(m Member) bool {
	if m.ID == "" {
		return false
	}
	t.mu.Lock()
	_, ok := t.present[m.ID]
	t.present[m.ID] = m
	t.mu.Unlock()

	if ok {
		return false
	}
	t.log.Debug("member joined", slog.String("member", m.ID))
	if m.ID != t.self {
		t.fireJoin(m)
	}
	return true
}

// Leave removes id. It reports whether the set changed.
func (t *Tracker) Leave(id string) bool {
	t.mu.Lock()
	_, ok := t.present[id]
	delete(t.present, id)
	t.mu.Unlock()

	if !ok {
		return false
	}
	t.log.Debug("member departed", slog.String("member", id))
	if id != t.self {
		t.fireDepart(id)
	}
	return true
}

// Reconcile replaces the set with members, firing join and depart callbacks
// for the difference. Used on first entry and after every reconnect.
func (t *Tracker) Reconcile(members []Member) (joined []string, departed []string) {
	next := make(map[string]Member, len(members))
	for _, m := range members {
		if m.ID != "" {
			next[m.ID] = m
		}
	}

	t.mu.Lock()
	var joinedMembers []Member
	for id, m := range next {
		if _, ok := t.present[id]; !ok {
			joinedMembers = append(joinedMembers, m)
		}
	}
	for id := range t.present {
		if _, ok := next[id]; !ok {
			departed = append(departed, id)
		}
	}
	t.present = next
	t.mu.Unlock()

	sort.Slice(joinedMembers, func(i, j int) bool { return joinedMembers[i].ID < joinedMembers[j].ID })
	sort.Strings(departed)

	for _, id := range departed {
		if id != t.self {
			t.fireDepart(id)
		}
	}
	for _, m := range joinedMembers {
		joined = append(joined, m.ID)
		if m.ID != t.self {
			t.fireJoin(m)
		}
	}
	return joined, departed
}

// Attach feeds presence notifications from p into the tracker.
func (t *Tracker) Attach(p signaling.Presence) (cancel func()) {
	return p.Subscribe(func(evt signaling.PresenceEvent) {
		switch evt.Action {
		case signaling.PresenceEnter:
			t.Join(memberFrom(evt.Member))
		case signaling.PresenceLeave:
			t.Leave(evt.Member.ClientID)
		}
	})
}

// Enter announces self on p and seeds the set from the current member list.
func (t *Tracker) Enter(ctx context.Context, p signaling.Presence, self Member) error {
	const op = "presence.tracker.enter"

	if err := p.Enter(ctx, self); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return t.Resync(ctx, p)
}

// Resync reconciles the set against a fresh member list.
func (t *Tracker) Resync(ctx context.Context, p signaling.Presence) error {
	const op = "presence.tracker.resync"

	list, err := p.List(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	members := make([]Member, 0, len(list))
	for _, m := range list {
		members = append(members, memberFrom(m))
	}
	joined, departed := t.Reconcile(members)
	t.log.Info("presence reconciled", slog.Int("members", len(members)), slog.Int("joined", len(joined)), slog.Int("departed", len(departed)))
	return nil
}

func (t *Tracker) Has(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.present[id]
	return ok
}

func (t *Tracker) Get(id string) (Member, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.present[id]
	return m, ok
}

// Remote returns the sorted ids present other than self.
func (t *Tracker) Remote() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.present))
	for id := range t.present {
		if id != t.self {
			ids = append(ids, id)
		}
	}
	t.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Clear empties the set without firing callbacks. Used on local leave.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.present = make(map[string]Member)
	t.mu.Unlock()
}

func (t *Tracker) fireJoin(m Member) {
	t.subMu.RLock()
	subs := make([]func(Member), 0, len(t.joins))
	for _, fn := range t.joins {
		subs = append(subs, fn)
	}
	t.subMu.RUnlock()
	for _, fn := range subs {
		fn(m)
	}
}

func (t *Tracker) fireDepart(id string) {
	t.subMu.RLock()
	subs := make([]func(string), 0, len(t.departs))
	for _, fn := range t.departs {
		subs = append(subs, fn)
	}
	t.subMu.RUnlock()
	for _, fn := range subs {
		fn(id)
	}
}
