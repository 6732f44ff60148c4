package transport

import (
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/chatsync"
)

var ErrOffline = errors.New("no live transport")

// Offline is a transport that is never connected. Conversations opened over it are
// history-only.
type Offline struct{}

var _ chatsync.Transport = Offline{}

func (Offline) Connected() bool { return false }
func (Offline) Join(string) error { return ErrOffline }
func (Offline) Leave(string) error { return nil }
func (Offline) On(string, string, chatsync.EventHandler) func() { return func() {} }
