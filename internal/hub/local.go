package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/signaling"
)

// LocalTransport connects clients to a Hub in the same process. It backs
// single-process deployments and tests, and can simulate a dropped link.
type LocalTransport struct {
	Hub        *Hub
	OutboxSize int
	Log        *slog.Logger

	mu    sync.Mutex
	links map[string]*localLink
}

func NewLocalTransport(h *Hub, outboxSize int, log *slog.Logger) *LocalTransport {
	return &LocalTransport{Hub: h, OutboxSize: outboxSize, Log: log, links: make(map[string]*localLink)}
}

func (t *LocalTransport) Connect(ctx context.Context, clientID string, _ signaling.CredentialSource) (signaling.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if clientID == "" {
		return nil, errors.New("hub: client id is required")
	}

	l := &localLink{t: t, clientID: clientID}
	l.conn = signaling.NewConn(clientID, t.OutboxSize, t.Log)
	l.conn.SetCloser(l.close)
	l.up()

	t.mu.Lock()
	t.links[clientID] = l
	t.mu.Unlock()

	return l.conn, nil
}

// Interrupt drops the hub side of a client's link, as a network failure
// would. The client's connection moves to StateDisconnected.
func (t *LocalTransport) Interrupt(clientID string) {
	if l := t.link(clientID); l != nil {
		l.down(signaling.StateDisconnected)
	}
}

// Resume re-registers an interrupted client and reports it connected.
func (t *LocalTransport) Resume(clientID string) {
	if l := t.link(clientID); l != nil {
		l.up()
	}
}

// Fail drops a client's link for good, as exhausted reconnect retries would.
func (t *LocalTransport) Fail(clientID string) {
	if l := t.link(clientID); l != nil {
		l.down(signaling.StateFailed)
	}
}

func (t *LocalTransport) link(clientID string) *localLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.links[clientID]
}

type localLink struct {
	t        *LocalTransport
	clientID string
	conn     *signaling.Conn

	mu     sync.Mutex
	client *Client
	closed bool
}

func (l *localLink) up() {
	l.mu.Lock()
	if l.closed || l.client != nil {
		l.mu.Unlock()
		return
	}
	c := l.t.Hub.Register(l.clientID)
	l.client = c
	l.mu.Unlock()

	go func() {
		for f := range c.Events {
			l.conn.Deliver(f)
		}
		l.evicted(c)
	}()

	l.conn.SetSender(signaling.SenderFunc(func(_ context.Context, f signaling.Frame) error {
		// Rejections come back to the client as error frames.
		_ = l.t.Hub.Handle(c, f)
		return nil
	}))
	l.conn.SetState(signaling.StateConnected)
}

// evicted reconnects when the hub closed c's queue on its own, as a
// websocket client redials after the hub drops it.
func (l *localLink) evicted(c *Client) {
	l.mu.Lock()
	ours := l.client == c
	l.mu.Unlock()
	if !ours {
		return
	}
	l.down(signaling.StateDisconnected)
	l.up()
}

func (l *localLink) down(state signaling.ConnState) {
	l.mu.Lock()
	c := l.client
	l.client = nil
	l.mu.Unlock()

	if c != nil {
		l.t.Hub.Unregister(c)
	}
	l.conn.SetState(state)
}

func (l *localLink) close() error {
	l.mu.Lock()
	c := l.client
	l.client = nil
	l.closed = true
	l.mu.Unlock()

	if c != nil {
		l.t.Hub.Unregister(c)
	}

	l.t.mu.Lock()
	if l.t.links[l.clientID] == l {
		delete(l.t.links, l.clientID)
	}
	l.t.mu.Unlock()
	return nil
}
