package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/beebee-coder/classroom-virtuelle-sub001/lib/logger/sl"
	"github.com/gorilla/websocket"
)

// WSTransport dials the hub's websocket endpoint. A dropped socket is
// redialled with exponential backoff; frames published meanwhile are queued
// (up to OutboxSize, oldest dropped first). When every attempt fails the
// connection moves to StateFailed and stays there.
type WSTransport struct {
	URL                string
	Dialer             *websocket.Dialer
	ReconnectAttempts  int
	ReconnectBaseDelay time.Duration
	OutboxSize         int
	WriteTimeout       time.Duration
	Log                *slog.Logger
}

func (t *WSTransport) Connect(ctx context.Context, clientID string, creds CredentialSource) (Connection, error) {
	const op = "signaling.ws.connect"

	log := t.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("op", op), slog.String("client_id", clientID))

	if clientID == "" {
		return nil, fmt.Errorf("%s: client id is required", op)
	}

	w := &wsLink{
		t:        t,
		clientID: clientID,
		creds:    creds,
		log:      log,
		done:     make(chan struct{}),
	}
	w.conn = NewConn(clientID, t.OutboxSize, log)
	w.conn.SetCloser(w.close)

	socket, err := w.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	w.attach(socket)

	go w.run(socket)

	return w.conn, nil
}

type wsLink struct {
	t        *WSTransport
	clientID string
	creds    CredentialSource
	log      *slog.Logger
	conn     *Conn

	writeMu sync.Mutex
	socket  *websocket.Conn

	closeOnce sync.Once
	done      chan struct{}
}

func (w *wsLink) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(w.t.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("client_id", w.clientID)
	if w.creds != nil {
		token, err := w.creds(ctx)
		if err != nil {
			return nil, fmt.Errorf("credentials: %w", err)
		}
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()

	dialer := w.t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	socket, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return socket, nil
}

func (w *wsLink) attach(socket *websocket.Conn) {
	w.writeMu.Lock()
	w.socket = socket
	w.writeMu.Unlock()

	w.conn.SetSender(SenderFunc(w.send))
	w.conn.SetState(StateConnected)
}

func (w *wsLink) send(ctx context.Context, f Frame) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if w.socket == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(w.writeTimeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = w.socket.SetWriteDeadline(deadline)
	return w.socket.WriteJSON(f)
}

func (w *wsLink) writeTimeout() time.Duration {
	if w.t.WriteTimeout > 0 {
		return w.t.WriteTimeout
	}
	return 10 * time.Second
}

func (w *wsLink) run(socket *websocket.Conn) {
	for {
		w.readLoop(socket)

		select {
		case <-w.done:
			return
		default:
		}

		w.writeMu.Lock()
		w.socket = nil
		w.writeMu.Unlock()
		w.conn.SetState(StateDisconnected)

		next, err := w.redial()
		if err != nil {
			w.log.Error("reconnect exhausted", sl.Err(err))
			w.conn.SetState(StateFailed)
			return
		}
		socket = next
		w.attach(socket)
		w.log.Info("reconnected")
	}
}

func (w *wsLink) readLoop(socket *websocket.Conn) {
	defer socket.Close()

	for {
		var f Frame
		if err := socket.ReadJSON(&f); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				w.log.Debug("socket closed by hub")
			} else {
				w.log.Warn("socket read failed", sl.Err(err))
			}
			return
		}
		w.conn.Deliver(f)
	}
}

func (w *wsLink) redial() (*websocket.Conn, error) {
	attempts := w.t.ReconnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := w.t.ReconnectBaseDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		select {
		case <-w.done:
			return nil, ErrClosed
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout())
		socket, err := w.dial(ctx)
		cancel()
		if err == nil {
			return socket, nil
		}
		lastErr = err
		w.log.Warn("reconnect attempt failed", slog.Int("attempt", i+1), sl.Err(err))
		delay *= 2
	}
	return nil, lastErr
}

func (w *wsLink) close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)

		w.writeMu.Lock()
		defer w.writeMu.Unlock()
		if w.socket != nil {
			_ = w.socket.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
				time.Now().Add(time.Second),
			)
			err = w.socket.Close()
			w.socket = nil
		}
	})
	return err
}
