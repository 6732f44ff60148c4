// Package transport holds the listener registry shared by the chatsync transports.
package transport

import (
	"encoding/json"
	"sync"

	"github.com/go-go-golems/chatsync/pkg/chatsync"
)

type listener struct {
	id int
	h  chatsync.EventHandler
}

// Registry maps (channel, event) to removable listeners. It is safe for concurrent use;
// Dispatch calls handlers outside the registry lock.
type Registry struct {
	mu        sync.Mutex
	nextID    int
	listeners map[string][]listener
}

func NewRegistry() *Registry {
	return &Registry{listeners: map[string][]listener{}}
}

func key(channel, event string) string { return channel + "\x00" + event }

// On registers h and returns a func removing it. The returned func is idempotent.
func (r *Registry) On(channel, event string, h chatsync.EventHandler) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	k := key(channel, event)
	r.listeners[k] = append(r.listeners[k], listener{id: id, h: h})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(k, id) })
	}
}

func (r *Registry) remove(k string, id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls := r.listeners[k]
	for i, l := range ls {
		if l.id == id {
			r.listeners[k] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(r.listeners[k]) == 0 {
		delete(r.listeners, k)
	}
}

// Dispatch calls every listener of (channel, event) in registration order. It reports how
// many listeners were called.
func (r *Registry) Dispatch(channel, event string, data json.RawMessage) int {
	r.mu.Lock()
	ls := append([]listener(nil), r.listeners[key(channel, event)]...)
	r.mu.Unlock()
	for _, l := range ls {
		l.h(data)
	}
	return len(ls)
}

// Count returns the number of listeners on channel across all events.
func (r *Registry) Count(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	prefix := channel + "\x00"
	for k, ls := range r.listeners {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			n += len(ls)
		}
	}
	return n
}

// Clear drops every listener.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = map[string][]listener{}
}
