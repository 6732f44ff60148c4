package devserver

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// channelPool is the membership of one channel. Once the channel has had no members for
// linger, release runs. Any membership change in between cancels a pending release.
type channelPool struct {
	channel string
	linger  time.Duration
	release func()
	log     zerolog.Logger

	mu      sync.Mutex
	members map[*wsConn]struct{}
	gen     uint64
	timer   *time.Timer
}

func newChannelPool(channel string, linger time.Duration, release func(), logger zerolog.Logger) *channelPool {
	return &channelPool{
		channel: channel,
		linger:  linger,
		release: release,
		log:     logger,
		members: map[*wsConn]struct{}{},
	}
}

func (p *channelPool) join(c *wsConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.members[c] = struct{}{}
	p.disarmLocked()
}

// leave reports whether the pool is empty afterwards. The connection stays open.
func (p *channelPool) leave(c *wsConn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.members, c)
	return p.settleLocked()
}

// fanout queues frame on every member and returns how many took it. Members whose queue
// refused the frame are dropped from the pool.
func (p *channelPool) fanout(frame []byte) int {
	if len(frame) == 0 {
		return 0
	}
	p.mu.Lock()
	targets := make([]*wsConn, 0, len(p.members))
	for c := range p.members {
		targets = append(targets, c)
	}
	p.mu.Unlock()

	sent := 0
	var dropped []*wsConn
	for _, c := range targets {
		if c.enqueue(frame) {
			sent++
			continue
		}
		dropped = append(dropped, c)
	}
	if len(dropped) > 0 {
		p.mu.Lock()
		for _, c := range dropped {
			delete(p.members, c)
		}
		p.settleLocked()
		p.mu.Unlock()
		p.log.Warn().Str("channel", p.channel).Int("dropped", len(dropped)).Msg("dropped connections that stopped reading")
	}
	return sent
}

func (p *channelPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}

// disarm cancels a pending release, including one whose timer already fired.
func (p *channelPool) disarm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disarmLocked()
}

func (p *channelPool) disarmLocked() {
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *channelPool) settleLocked() bool {
	p.disarmLocked()
	if len(p.members) > 0 {
		return false
	}
	if p.linger > 0 && p.release != nil {
		gen := p.gen
		p.timer = time.AfterFunc(p.linger, func() { p.expire(gen) })
	}
	return true
}

func (p *channelPool) expire(gen uint64) {
	p.mu.Lock()
	due := gen == p.gen && len(p.members) == 0
	if due {
		p.timer = nil
	}
	p.mu.Unlock()
	if due {
		p.release()
	}
}
