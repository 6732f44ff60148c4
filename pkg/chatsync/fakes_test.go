package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	joinErr   error
	joined    map[string]bool
	joins     []string
	leaves    []string
	listeners map[string]map[int]EventHandler
	nextID    int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connected: true,
		joined:    map[string]bool{},
		listeners: map[string]map[int]EventHandler{},
	}
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Join(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joined[channel] = true
	f.joins = append(f.joins, channel)
	return nil
}

func (f *fakeTransport) Leave(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.joined, channel)
	f.leaves = append(f.leaves, channel)
	return nil
}

func (f *fakeTransport) On(channel, event string, h EventHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := channel + "|" + event
	if f.listeners[key] == nil {
		f.listeners[key] = map[int]EventHandler{}
	}
	id := f.nextID
	f.nextID++
	f.listeners[key][id] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners[key], id)
	}
}

func (f *fakeTransport) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.listeners {
		n += len(m)
	}
	return n
}

// emit delivers an event to the listeners of channel, regardless of whether it was joined.
func (f *fakeTransport) emit(channel, event string, payload any) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			panic(err)
		}
		data = b
	}
	f.emitRaw(channel, event, data)
}

func (f *fakeTransport) emitRaw(channel, event string, data json.RawMessage) {
	f.mu.Lock()
	var hs []EventHandler
	for _, h := range f.listeners[channel+"|"+event] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
}

type createCall struct {
	ConversationID string
	Content        string
	LocalID        string
}

type fakeAPI struct {
	mu         sync.Mutex
	history    map[string][]Message
	historyErr error
	createErr  error
	// gates block FetchHistory for a conversation until closed.
	gates   map[string]chan struct{}
	started chan string
	calls   []createCall
	convs   []string
	nextID  int
	// onCreate runs at the start of CreateMessage, before the fake takes its lock.
	onCreate func()
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		history: map[string][]Message{},
		gates:   map[string]chan struct{}{},
		started: make(chan string, 16),
		nextID:  100,
	}
}

func (f *fakeAPI) gate(convID string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[convID] = ch
	return ch
}

func (f *fakeAPI) FetchHistory(ctx context.Context, convID string) ([]Message, error) {
	f.mu.Lock()
	gate := f.gates[convID]
	f.mu.Unlock()
	select {
	case f.started <- convID:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	out := make([]Message, len(f.history[convID]))
	copy(out, f.history[convID])
	return out, nil
}

func (f *fakeAPI) CreateMessage(_ context.Context, convID, content, localID string) (Message, error) {
	f.mu.Lock()
	hook := f.onCreate
	f.onCreate = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, createCall{ConversationID: convID, Content: content, LocalID: localID})
	if f.createErr != nil {
		return Message{}, f.createErr
	}
	id := fmt.Sprintf("%d", f.nextID)
	f.nextID++
	return Message{
		ID:             id,
		LocalID:        localID,
		ConversationID: convID,
		SenderType:     SenderUser,
		Content:        content,
		CreatedAt:      time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeAPI) CreateConversation(_ context.Context, initial string) (Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("conv-%d", len(f.convs)+1)
	f.convs = append(f.convs, id)
	return Conversation{ID: id, Title: initial}, nil
}

func (f *fakeAPI) setCreateErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

func (f *fakeAPI) createCalls() []createCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]createCall, len(f.calls))
	copy(out, f.calls)
	return out
}

var errBoom = errors.New("boom")
