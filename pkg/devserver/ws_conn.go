package devserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
	pingInterval = 25 * time.Second
)

// wsConn owns the write side of one websocket. Frames are queued and written by a single
// goroutine; a full queue drops the connection rather than stalling channel readers.
type wsConn struct {
	conn *websocket.Conn
	log  zerolog.Logger
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(conn *websocket.Conn, logger zerolog.Logger) *wsConn {
	c := &wsConn{
		conn:   conn,
		log:    logger,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// enqueue reports false when the connection is closed or too slow.
func (c *wsConn) enqueue(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.log.Warn().Msg("ws send queue full, dropping connection")
		c.close()
		return false
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug().Err(err).Msg("ws write failed")
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				c.close()
				return
			}
		}
	}
}
