// Package hub is the server side of the realtime transport: named channels,
// presence and publish fan-out. Every frame for a client goes through that
// client's buffered Events queue. A client whose queue is full is evicted:
// its queue is closed so the transport reconnects and the client resyncs,
// rather than carrying on with a gap in what it received.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/metrics"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/signaling"
	"github.com/google/uuid"
)

// ServerClientID is the origin of events the hub publishes itself.
const ServerClientID = "server"

var (
	ErrNotAttached   = errors.New("hub: channel not attached")
	ErrUnknownAction = errors.New("hub: unknown action")
	ErrForbidden     = errors.New("hub: attach forbidden")
	ErrClientClosed  = errors.New("hub: client closed")

	errQueueFull = errors.New("hub: client queue full")
)

// Authorizer decides whether clientID may attach to a channel.
type Authorizer func(clientID, channel string) error

// Client is one connected transport endpoint.
type Client struct {
	ID     string
	Events chan signaling.Frame

	hub      *Hub
	mu       sync.Mutex
	attached map[string]struct{}
	closed   bool
}

func (c *Client) enqueue(f signaling.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.Events <- f:
		return nil
	default:
		return errQueueFull
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) isAttached(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.attached[channel]
	return ok
}

type channel struct {
	name     string
	members  map[string]*Client
	presence map[string]signaling.Member

	// fanMu serializes fan-out so every member sees one order; seq numbers
	// messages in that order.
	fanMu sync.Mutex
	seq   uint64
}

type Hub struct {
	log       *slog.Logger
	queueSize int

	mu        sync.RWMutex
	clients   map[string]*Client
	channels  map[string]*channel
	authorize Authorizer
}

func New(queueSize int, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Hub{
		log:       log,
		queueSize: queueSize,
		clients:   make(map[string]*Client),
		channels:  make(map[string]*channel),
	}
}

// SetAuthorizer installs the attach check. Without one every attach is allowed.
func (h *Hub) SetAuthorizer(a Authorizer) {
	h.mu.Lock()
	h.authorize = a
	h.mu.Unlock()
}

// Register adds a client. A previous client with the same id is
// unregistered first, so at most one connection per id is live.
func (h *Hub) Register(clientID string) *Client {
	h.mu.RLock()
	old := h.clients[clientID]
	h.mu.RUnlock()
	if old != nil {
		h.log.Info("replacing client connection", slog.String("client_id", clientID))
		h.Unregister(old)
	}

	c := &Client{
		ID:       clientID,
		Events:   make(chan signaling.Frame, h.queueSize),
		hub:      h,
		attached: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.clients[clientID] = c
	h.mu.Unlock()

	metrics.HubClients.Inc()
	h.log.Debug("client registered", slog.String("client_id", clientID))
	return c
}

// Unregister detaches c from every channel, dropping its presence, and
// closes its queue. Calling it twice is a no-op.
func (h *Hub) Unregister(c *Client) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	// Closed first so the leave fan-out below skips c.
	c.closed = true
	channels := make([]string, 0, len(c.attached))
	for name := range c.attached {
		channels = append(channels, name)
	}
	c.mu.Unlock()

	for _, name := range channels {
		h.detach(c, name)
	}

	h.mu.Lock()
	if h.clients[c.ID] == c {
		delete(h.clients, c.ID)
	}
	h.mu.Unlock()

	c.mu.Lock()
	close(c.Events)
	c.mu.Unlock()

	metrics.HubClients.Dec()
	h.log.Debug("client unregistered", slog.String("client_id", c.ID))
}

// Handle applies one frame sent by c. Frames from an unregistered client
// are ignored.
func (h *Hub) Handle(c *Client, f signaling.Frame) error {
	if c.isClosed() {
		return ErrClientClosed
	}
	switch f.Action {
	case signaling.ActionAttach:
		h.mu.RLock()
		authorize := h.authorize
		h.mu.RUnlock()
		if authorize != nil {
			if err := authorize(c.ID, f.Channel); err != nil {
				h.log.Info("attach refused",
					slog.String("client_id", c.ID),
					slog.String("channel", f.Channel),
					slog.String("reason", err.Error()),
				)
				return h.reject(c, f, fmt.Errorf("%w: %v", ErrForbidden, err))
			}
		}
		h.attach(c, f.Channel)
		return nil
	case signaling.ActionDetach:
		h.detach(c, f.Channel)
		return nil
	case signaling.ActionPublish:
		if !c.isAttached(f.Channel) {
			return h.reject(c, f, ErrNotAttached)
		}
		h.publish(f.Channel, c.ID, f.Name, f.ID, f.Data)
		return nil
	case signaling.ActionEnter:
		if !c.isAttached(f.Channel) {
			return h.reject(c, f, ErrNotAttached)
		}
		h.enter(c, f.Channel, f.Data)
		return nil
	case signaling.ActionLeave:
		h.leave(c.ID, f.Channel)
		return nil
	case signaling.ActionList:
		if !c.isAttached(f.Channel) {
			return h.reject(c, f, ErrNotAttached)
		}
		h.deliver(c, signaling.Frame{
			Action:  signaling.ActionList,
			Channel: f.Channel,
			ID:      f.ID,
			Members: h.Members(f.Channel),
		})
		return nil
	default:
		return h.reject(c, f, ErrUnknownAction)
	}
}

func (h *Hub) reject(c *Client, f signaling.Frame, err error) error {
	h.deliver(c, signaling.Frame{
		Action:  signaling.ActionError,
		Channel: f.Channel,
		ID:      f.ID,
		Error:   err.Error(),
	})
	return err
}

// Broadcast publishes an event on behalf of the server.
func (h *Hub) Broadcast(channelName, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	h.publish(channelName, ServerClientID, name, "", data)
	return nil
}

// Members returns the presence set of a channel.
func (h *Hub) Members(channelName string) []signaling.Member {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ch, ok := h.channels[channelName]
	if !ok {
		return []signaling.Member{}
	}
	out := make([]signaling.Member, 0, len(ch.presence))
	for _, m := range ch.presence {
		out = append(out, m)
	}
	return out
}

func (h *Hub) attach(c *Client, name string) {
	if name == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	ch, ok := h.channels[name]
	if !ok {
		ch = &channel{
			name:     name,
			members:  make(map[string]*Client),
			presence: make(map[string]signaling.Member),
		}
		h.channels[name] = ch
	}
	ch.members[c.ID] = c
	c.attached[name] = struct{}{}
}

func (h *Hub) detach(c *Client, name string) {
	h.leave(c.ID, name)

	h.mu.Lock()
	if ch, ok := h.channels[name]; ok {
		if ch.members[c.ID] == c {
			delete(ch.members, c.ID)
		}
		if len(ch.members) == 0 && len(ch.presence) == 0 {
			delete(h.channels, name)
			metrics.HubPresenceMembers.DeleteLabelValues(name)
		}
	}
	h.mu.Unlock()

	c.mu.Lock()
	delete(c.attached, name)
	c.mu.Unlock()
}

func (h *Hub) enter(c *Client, name string, data json.RawMessage) {
	h.mu.Lock()
	ch, ok := h.channels[name]
	if !ok {
		h.mu.Unlock()
		return
	}
	_, already := ch.presence[c.ID]
	member := signaling.Member{ClientID: c.ID, Data: data}
	ch.presence[c.ID] = member
	size := len(ch.presence)
	h.mu.Unlock()

	if already {
		return
	}
	metrics.HubPresenceMembers.WithLabelValues(name).Set(float64(size))
	h.log.Debug("presence enter", slog.String("channel", name), slog.String("client_id", c.ID))
	h.fanout(name, signaling.Frame{
		Action:   signaling.ActionPresence,
		Channel:  name,
		Presence: &signaling.PresenceEvent{Action: signaling.PresenceEnter, Member: member},
	})
}

func (h *Hub) leave(clientID, name string) {
	h.mu.Lock()
	ch, ok := h.channels[name]
	if !ok {
		h.mu.Unlock()
		return
	}
	member, present := ch.presence[clientID]
	if present {
		delete(ch.presence, clientID)
	}
	size := len(ch.presence)
	h.mu.Unlock()

	if !present {
		return
	}
	metrics.HubPresenceMembers.WithLabelValues(name).Set(float64(size))
	h.log.Debug("presence leave", slog.String("channel", name), slog.String("client_id", clientID))
	h.fanout(name, signaling.Frame{
		Action:   signaling.ActionPresence,
		Channel:  name,
		Presence: &signaling.PresenceEvent{Action: signaling.PresenceLeave, Member: signaling.Member{ClientID: member.ClientID}},
	})
}

func (h *Hub) publish(channelName, from, name, id string, data json.RawMessage) {
	if id == "" {
		id = uuid.NewString()
	}
	metrics.HubFramesPublished.Inc()
	h.fanout(channelName, signaling.Frame{
		Action:  signaling.ActionMessage,
		Channel: channelName,
		Name:    name,
		ID:      id,
		From:    from,
		Data:    data,
	})
}

// fanout delivers f to every attached member, the sender included.
// Messages are stamped with the channel's next sequence number.
func (h *Hub) fanout(channelName string, f signaling.Frame) {
	h.mu.RLock()
	ch, ok := h.channels[channelName]
	h.mu.RUnlock()
	if !ok {
		return
	}

	ch.fanMu.Lock()
	h.mu.RLock()
	members := make([]*Client, 0, len(ch.members))
	for _, c := range ch.members {
		members = append(members, c)
	}
	h.mu.RUnlock()

	if f.Action == signaling.ActionMessage {
		ch.seq++
		f.Seq = ch.seq
	}
	var slow []*Client
	for _, c := range members {
		if err := c.enqueue(f); errors.Is(err, errQueueFull) {
			slow = append(slow, c)
		}
	}
	ch.fanMu.Unlock()

	// Eviction fans out presence leaves on this channel, so it runs after
	// the lock is released.
	for _, c := range slow {
		h.evict(c, f)
	}
}

// deliver queues a reply for c and evicts c when it cannot keep up.
func (h *Hub) deliver(c *Client, f signaling.Frame) {
	if err := c.enqueue(f); errors.Is(err, errQueueFull) {
		h.evict(c, f)
	}
}

func (h *Hub) evict(c *Client, dropped signaling.Frame) {
	metrics.HubFramesDropped.Inc()
	h.log.Warn("evicting slow client",
		slog.String("client_id", c.ID),
		slog.String("action", string(dropped.Action)),
		slog.String("name", dropped.Name),
	)
	h.Unregister(c)
}
