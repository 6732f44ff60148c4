package devserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/chatsync/pkg/wire"
)

// Hub fans the pub/sub topic of each joined channel out to websocket connections.
//
// One reader per channel consumes the topic and broadcasts every payload to the channel's
// pool. A reader lives while its pool has connections, plus the idle timeout.
type Hub struct {
	sub         message.Subscriber
	upgrader    websocket.Upgrader
	idleTimeout time.Duration
	metrics     *Metrics
	log         zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	channels map[string]*channelReader
	conns    map[*wsConn]struct{}
}

type channelReader struct {
	pool   *channelPool
	cancel context.CancelFunc
}

func NewHub(sub message.Subscriber, idleTimeout time.Duration, metrics *Metrics, logger zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		sub:         sub,
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		idleTimeout: idleTimeout,
		metrics:     metrics,
		log:         logger,
		ctx:         ctx,
		cancel:      cancel,
		channels:    map[string]*channelReader{},
		conns:       map[*wsConn]struct{}{},
	}
}

// Subscribers reports how many connections are joined to channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.Lock()
	r := h.channels[channel]
	h.mu.Unlock()
	if r == nil {
		return 0
	}
	return r.pool.size()
}

// Close stops every channel reader, drops every connection and waits for the readers.
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	for ch, r := range h.channels {
		r.pool.disarm()
		r.cancel()
		delete(h.channels, ch)
		h.metrics.JoinedChannels.Dec()
	}
	for c := range h.conns {
		c.close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn := newWSConn(ws, h.log)
	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		conn.close()
		return
	}
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	h.metrics.WSConnections.Inc()
	h.log.Debug().Str("remote", r.RemoteAddr).Msg("websocket connected")

	joined := map[string]bool{}
	defer func() {
		for ch := range joined {
			h.leave(conn, ch)
		}
		conn.close()
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		h.metrics.WSConnections.Dec()
		h.log.Debug().Str("remote", r.RemoteAddr).Msg("websocket disconnected")
	}()

	pongWait := 2 * pingInterval
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := wire.DecodeControl(data)
		if err != nil {
			h.log.Debug().Err(err).Msg("ignoring bad control frame")
			continue
		}
		switch f.Op {
		case wire.OpJoin:
			if joined[f.Channel] {
				continue
			}
			if err := h.join(conn, f.Channel); err != nil {
				h.log.Warn().Err(err).Str("channel", f.Channel).Msg("join failed")
				continue
			}
			joined[f.Channel] = true
		case wire.OpLeave:
			if !joined[f.Channel] {
				continue
			}
			delete(joined, f.Channel)
			h.leave(conn, f.Channel)
		}
	}
}

func (h *Hub) join(conn *wsConn, channel string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx.Err() != nil {
		return errors.New("hub is closed")
	}
	r, ok := h.channels[channel]
	if !ok {
		ctx, cancel := context.WithCancel(h.ctx)
		msgs, err := h.sub.Subscribe(ctx, channel)
		if err != nil {
			cancel()
			return errors.Wrapf(err, "subscribe %s", channel)
		}
		r = &channelReader{cancel: cancel}
		r.pool = newChannelPool(channel, h.idleTimeout, func() { h.releaseIdle(channel) }, h.log)
		h.channels[channel] = r
		h.metrics.JoinedChannels.Inc()
		h.wg.Add(1)
		go h.read(ctx, channel, r.pool, msgs)
		h.log.Debug().Str("channel", channel).Msg("channel reader started")
	}
	r.pool.join(conn)
	return nil
}

func (h *Hub) leave(conn *wsConn, channel string) {
	h.mu.Lock()
	r := h.channels[channel]
	h.mu.Unlock()
	if r == nil {
		return
	}
	if r.pool.leave(conn) && h.idleTimeout <= 0 {
		h.releaseIdle(channel)
	}
}

func (h *Hub) releaseIdle(channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.channels[channel]
	if r == nil || r.pool.size() > 0 {
		return
	}
	r.cancel()
	delete(h.channels, channel)
	h.metrics.JoinedChannels.Dec()
	h.log.Debug().Str("channel", channel).Msg("channel reader released")
}

func (h *Hub) read(ctx context.Context, channel string, pool *channelPool, msgs <-chan *message.Message) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			n := pool.fanout(msg.Payload)
			msg.Ack()
			h.log.Trace().Str("channel", channel).Str("event", msg.Metadata.Get(wire.MetadataEvent)).Int("sent", n).Msg("broadcast")
		}
	}
}
