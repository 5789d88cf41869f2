package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/duel/pkg/duelwire"
)

const DefaultDialTimeout = 10 * time.Second

// StateCallback observes client connection state changes.
type StateCallback func(State)

// WSConn is a participant's websocket to the host.
type WSConn struct {
	conn *websocket.Conn

	stateM  sync.RWMutex
	state   State
	onState []StateCallback

	closeOnce sync.Once
}

// Dial connects to the host's websocket at addr ("host:port" or a ws:// URL).
func Dial(ctx context.Context, addr string, header http.Header) (*WSConn, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultDialTimeout)
		defer cancel()
	}
	conn, _, err := websocket.Dial(ctx, wsURL(addr), &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      header,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrConnectionTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	conn.SetReadLimit(readLimit)
	return &WSConn{conn: conn, state: StateConnected}, nil
}

func wsURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	return "ws://" + strings.TrimRight(addr, "/") + "/ws"
}

func (c *WSConn) Send(ctx context.Context, env duelwire.Envelope) error {
	if c.State() != StateConnected {
		return ErrClosed
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultWriteTimeout)
		defer cancel()
	}
	if err := wsjson.Write(ctx, c.conn, env); err != nil {
		c.setState(StateDisconnected)
		return err
	}
	return nil
}

func (c *WSConn) Recv(ctx context.Context) (duelwire.Envelope, error) {
	var env duelwire.Envelope
	if err := wsjson.Read(ctx, c.conn, &env); err != nil {
		if ctx.Err() == nil {
			c.setState(StateDisconnected)
		}
		return duelwire.Envelope{}, err
	}
	return env, nil
}

func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close(websocket.StatusNormalClosure, "leave")
		c.setState(StateDisconnected)
	})
	return err
}

func (c *WSConn) State() State {
	c.stateM.RLock()
	defer c.stateM.RUnlock()
	return c.state
}

// OnStateChange registers cb for every later state change.
func (c *WSConn) OnStateChange(cb StateCallback) {
	c.stateM.Lock()
	c.onState = append(c.onState, cb)
	c.stateM.Unlock()
}

func (c *WSConn) setState(s State) {
	c.stateM.Lock()
	if c.state == s {
		c.stateM.Unlock()
		return
	}
	c.state = s
	cbs := append([]StateCallback(nil), c.onState...)
	c.stateM.Unlock()
	for _, cb := range cbs {
		cb(s)
	}
}
