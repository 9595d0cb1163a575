package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/beebee-coder/classroom-virtuelle-sub001/lib/logger/sl"
	"github.com/google/uuid"
)

// Sender writes one frame to the hub. Transports provide it.
type Sender interface {
	Send(ctx context.Context, frame Frame) error
}

type SenderFunc func(ctx context.Context, frame Frame) error

func (f SenderFunc) Send(ctx context.Context, frame Frame) error { return f(ctx, frame) }

// Conn is the transport-independent half of a Connection. A transport feeds
// it inbound frames through Deliver and reports link changes through SetState;
// Conn takes care of channel routing, request/reply for presence lists and
// the outgoing queue while the link is down.
type Conn struct {
	clientID   string
	log        *slog.Logger
	outboxSize int

	mu       sync.RWMutex
	sender   Sender
	state    ConnState
	channels map[string]*channel
	pending  map[string]chan Frame
	outbox   []Frame
	closeFn  func() error

	// While flushing, every send joins the outbox so nothing overtakes the
	// re-attach frames or older queued publishes. flushGen retires a flush
	// that a newer link has superseded.
	flushing bool
	flushGen int

	subMu     sync.RWMutex
	nextSub   int
	stateSubs map[int]func(ConnState)
}

func NewConn(clientID string, outboxSize int, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	return &Conn{
		clientID:   clientID,
		log:        log.With(slog.String("client_id", clientID)),
		outboxSize: outboxSize,
		state:      StateConnecting,
		channels:   make(map[string]*channel),
		pending:    make(map[string]chan Frame),
		stateSubs:  make(map[int]func(ConnState)),
	}
}

func (c *Conn) ClientID() string { return c.clientID }

func (c *Conn) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetSender swaps the underlying link, e.g. after a redial.
func (c *Conn) SetSender(s Sender) {
	c.mu.Lock()
	c.sender = s
	c.mu.Unlock()
}

// SetCloser installs the function Close runs to release the transport.
func (c *Conn) SetCloser(fn func() error) {
	c.mu.Lock()
	c.closeFn = fn
	c.mu.Unlock()
}

func (c *Conn) OnStateChange(fn func(ConnState)) (cancel func()) {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.stateSubs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.stateSubs, id)
		c.subMu.Unlock()
	}
}

// SetState records a link transition. Entering StateConnected re-attaches
// every channel and drains frames queued while the link was down, in order,
// before any new send goes out directly.
func (c *Conn) SetState(state ConnState) {
	c.mu.Lock()
	if c.state == state || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = state
	c.flushGen++
	gen := c.flushGen

	var attach []Frame
	c.flushing = false
	if state == StateConnected {
		for name := range c.channels {
			attach = append(attach, Frame{Action: ActionAttach, Channel: name})
		}
		c.flushing = true
	}
	if state == StateFailed || state == StateClosed {
		c.outbox = nil
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
	}
	sender := c.sender
	c.mu.Unlock()

	c.log.Debug("connection state changed", slog.String("from", string(prev)), slog.String("to", string(state)))

	if state == StateConnected {
		c.flush(gen, sender, attach)
	}

	c.subMu.RLock()
	subs := make([]func(ConnState), 0, len(c.stateSubs))
	for _, fn := range c.stateSubs {
		subs = append(subs, fn)
	}
	c.subMu.RUnlock()

	for _, fn := range subs {
		fn(state)
	}
}

// flush writes the attach frames and then drains the outbox one frame at a
// time, picking up frames queued during the drain. It stops early when the
// link drops or a newer connection takes over.
func (c *Conn) flush(gen int, sender Sender, attach []Frame) {
	for _, f := range attach {
		if !c.flushCurrent(gen) {
			return
		}
		c.write(sender, f)
	}

	for {
		c.mu.Lock()
		if c.flushGen != gen || c.state != StateConnected {
			c.mu.Unlock()
			return
		}
		if len(c.outbox) == 0 {
			c.flushing = false
			c.mu.Unlock()
			return
		}
		f := c.outbox[0]
		c.outbox = c.outbox[1:]
		c.mu.Unlock()

		c.write(sender, f)
	}
}

func (c *Conn) flushCurrent(gen int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flushGen == gen && c.state == StateConnected
}

func (c *Conn) write(sender Sender, f Frame) {
	if sender == nil {
		return
	}
	if err := sender.Send(context.Background(), f); err != nil {
		c.log.Warn("flush failed", slog.String("action", string(f.Action)), sl.Err(err))
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	closeFn := c.closeFn
	c.mu.Unlock()

	c.SetState(StateClosed)

	if closeFn != nil {
		return closeFn()
	}
	return nil
}

func (c *Conn) Channel(name string) Channel {
	c.mu.Lock()
	ch, ok := c.channels[name]
	if !ok {
		ch = newChannel(c, name)
		c.channels[name] = ch
	}
	state := c.state
	sender := c.sender
	c.mu.Unlock()

	if !ok && state == StateConnected && sender != nil {
		if err := sender.Send(context.Background(), Frame{Action: ActionAttach, Channel: name}); err != nil {
			c.log.Warn("attach failed", slog.String("channel", name), sl.Err(err))
		}
	}
	return ch
}

// Deliver routes one inbound frame.
func (c *Conn) Deliver(f Frame) {
	switch f.Action {
	case ActionMessage:
		if ch := c.lookup(f.Channel); ch != nil {
			ch.dispatch(Message{ID: f.ID, Seq: f.Seq, Name: f.Name, From: f.From, Data: f.Data})
		}
	case ActionPresence:
		if f.Presence == nil {
			return
		}
		if ch := c.lookup(f.Channel); ch != nil {
			ch.presence.dispatch(*f.Presence)
		}
	case ActionList, ActionError:
		c.mu.Lock()
		reply, ok := c.pending[f.ID]
		if ok {
			delete(c.pending, f.ID)
		}
		c.mu.Unlock()
		if ok {
			reply <- f
			close(reply)
			return
		}
		if f.Action == ActionError {
			c.log.Warn("hub error", slog.String("channel", f.Channel), slog.String("error", f.Error))
		}
	}
}

func (c *Conn) lookup(name string) *channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channels[name]
}

// send writes f now, queues it while the link is down, or fails once the
// connection is gone for good.
func (c *Conn) send(ctx context.Context, f Frame, queue bool) error {
	c.mu.Lock()
	state := c.state
	sender := c.sender
	switch state {
	case StateConnected:
		if c.flushing {
			c.outbox = append(c.outbox, f)
			c.mu.Unlock()
			return nil
		}
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateFailed:
		c.mu.Unlock()
		return ErrNotConnected
	default:
		if !queue {
			c.mu.Unlock()
			return ErrNotConnected
		}
		if c.outboxSize > 0 && len(c.outbox) >= c.outboxSize {
			c.log.Debug("outbox full, dropping oldest frame", slog.String("name", c.outbox[0].Name))
			c.outbox = c.outbox[1:]
		}
		c.outbox = append(c.outbox, f)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if sender == nil {
		return ErrNotConnected
	}
	return sender.Send(ctx, f)
}

func (c *Conn) request(ctx context.Context, f Frame) (Frame, error) {
	f.ID = uuid.NewString()
	reply := make(chan Frame, 1)

	c.mu.Lock()
	c.pending[f.ID] = reply
	c.mu.Unlock()

	drop := func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}

	if err := c.send(ctx, f, false); err != nil {
		drop()
		return Frame{}, err
	}

	select {
	case <-ctx.Done():
		drop()
		return Frame{}, ctx.Err()
	case resp, ok := <-reply:
		if !ok {
			return Frame{}, ErrNotConnected
		}
		if resp.Action == ActionError {
			return Frame{}, fmt.Errorf("%w: %s", ErrRejected, resp.Error)
		}
		return resp, nil
	}
}

type channel struct {
	conn     *Conn
	name     string
	presence *presence

	mu      sync.RWMutex
	nextSub int
	subs    map[int]subscription
}

type subscription struct {
	name string
	h    Handler
}

func newChannel(conn *Conn, name string) *channel {
	ch := &channel{
		conn: conn,
		name: name,
		subs: make(map[int]subscription),
	}
	ch.presence = &presence{ch: ch, subs: make(map[int]func(PresenceEvent))}
	return ch
}

func (ch *channel) Name() string { return ch.name }

func (ch *channel) Presence() Presence { return ch.presence }

func (ch *channel) Publish(ctx context.Context, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("signaling: encode %s: %w", name, err)
	}
	return ch.conn.send(ctx, Frame{
		Action:  ActionPublish,
		Channel: ch.name,
		Name:    name,
		ID:      uuid.NewString(),
		Data:    data,
	}, true)
}

func (ch *channel) Subscribe(name string, h Handler) (cancel func()) {
	ch.mu.Lock()
	id := ch.nextSub
	ch.nextSub++
	ch.subs[id] = subscription{name: name, h: h}
	ch.mu.Unlock()

	return func() {
		ch.mu.Lock()
		delete(ch.subs, id)
		ch.mu.Unlock()
	}
}

func (ch *channel) dispatch(msg Message) {
	ch.mu.RLock()
	handlers := make([]Handler, 0, len(ch.subs))
	for _, s := range ch.subs {
		if s.name == "" || s.name == msg.Name {
			handlers = append(handlers, s.h)
		}
	}
	ch.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}

type presence struct {
	ch *channel

	mu      sync.RWMutex
	nextSub int
	subs    map[int]func(PresenceEvent)
}

func (p *presence) Enter(ctx context.Context, data any) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("signaling: encode presence data: %w", err)
		}
		raw = b
	}
	return p.ch.conn.send(ctx, Frame{Action: ActionEnter, Channel: p.ch.name, Data: raw}, false)
}

func (p *presence) Leave(ctx context.Context) error {
	return p.ch.conn.send(ctx, Frame{Action: ActionLeave, Channel: p.ch.name}, false)
}

func (p *presence) List(ctx context.Context) ([]Member, error) {
	resp, err := p.ch.conn.request(ctx, Frame{Action: ActionList, Channel: p.ch.name})
	if err != nil {
		return nil, err
	}
	return resp.Members, nil
}

func (p *presence) Subscribe(fn func(PresenceEvent)) (cancel func()) {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

func (p *presence) dispatch(evt PresenceEvent) {
	p.mu.RLock()
	subs := make([]func(PresenceEvent), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.RUnlock()

	for _, fn := range subs {
		fn(evt)
	}
}
