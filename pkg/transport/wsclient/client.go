// Package wsclient implements chatsync.Transport over a single websocket connection.
package wsclient

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/chatsync"
	"github.com/go-go-golems/chatsync/pkg/transport"
	"github.com/go-go-golems/chatsync/pkg/wire"
)

var ErrClosed = errors.New("websocket transport is closed")

type Option func(*Client)

func WithLogger(l zerolog.Logger) Option { return func(c *Client) { c.log = l } }

func WithHeader(h http.Header) Option { return func(c *Client) { c.header = h } }

// WithPingInterval sets the keepalive interval. Zero disables pings and read deadlines.
func WithPingInterval(d time.Duration) Option { return func(c *Client) { c.pingInterval = d } }

func WithWriteTimeout(d time.Duration) Option { return func(c *Client) { c.writeTimeout = d } }

// Client is a websocket transport. Events are dispatched from the read goroutine, so the
// events of every channel arrive in order.
type Client struct {
	url          string
	header       http.Header
	pingInterval time.Duration
	writeTimeout time.Duration
	log          zerolog.Logger

	conn *websocket.Conn
	reg  *transport.Registry

	writeMu   sync.Mutex
	connected atomic.Bool

	mu     sync.Mutex
	joined map[string]bool

	done      chan struct{}
	stop      chan struct{}
	readErr   error
	closeOnce sync.Once
}

var _ chatsync.Transport = (*Client)(nil)

// Dial connects to url and starts the read loop.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:          url,
		pingInterval: 30 * time.Second,
		writeTimeout: 10 * time.Second,
		log:          log.With().Str("component", "wsclient").Logger(),
		reg:          transport.NewRegistry(),
		joined:       map[string]bool{},
		done:         make(chan struct{}),
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, url, c.header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s: status %d", url, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	c.conn = conn
	c.connected.Store(true)

	if c.pingInterval > 0 {
		pongWait := 2 * c.pingInterval
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go c.pingLoop()
	}
	go c.readLoop()
	c.log.Info().Str("url", url).Msg("websocket connected")
	return c, nil
}

func (c *Client) Connected() bool { return c.connected.Load() }

// Done is closed when the read loop has stopped.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the read loop, after Done is closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.readErr
	default:
		return nil
	}
}

// Join marks channel joined before the frame goes out, so events the server sends right after
// processing it are not dropped.
func (c *Client) Join(channel string) error {
	c.mu.Lock()
	c.joined[channel] = true
	c.mu.Unlock()
	if err := c.writeControl(wire.ControlFrame{Op: wire.OpJoin, Channel: channel}); err != nil {
		c.mu.Lock()
		delete(c.joined, channel)
		c.mu.Unlock()
		return err
	}
	return nil
}

// Leave stops delivery for channel right away and tells the server. It never waits for a
// handler that is currently running.
func (c *Client) Leave(channel string) error {
	c.mu.Lock()
	delete(c.joined, channel)
	c.mu.Unlock()
	return c.writeControl(wire.ControlFrame{Op: wire.OpLeave, Channel: channel})
}

func (c *Client) On(channel, event string, h chatsync.EventHandler) func() {
	return c.reg.On(channel, event, h)
}

// Close sends a close frame, closes the connection and waits for the read loop to stop.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.stop)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
		<-c.done
		c.reg.Clear()
	})
	return err
}

func (c *Client) writeControl(f wire.ControlFrame) error {
	if !c.Connected() {
		return ErrClosed
	}
	b, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "encode control frame")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return errors.Wrapf(err, "%s %s", f.Op, f.Channel)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.connected.Store(false)
			select {
			case <-c.stop:
			default:
				c.readErr = errors.Wrap(err, "read")
				c.log.Warn().Err(err).Msg("websocket read failed, transport disconnected")
			}
			return
		}
		f, err := wire.DecodeEvent(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		c.mu.Lock()
		joined := c.joined[f.Channel]
		c.mu.Unlock()
		if !joined {
			c.log.Debug().Str("channel", f.Channel).Str("event", f.Event).Msg("event for channel not joined")
			continue
		}
		c.reg.Dispatch(f.Channel, f.Event, f.Data)
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
			}
		}
	}
}
