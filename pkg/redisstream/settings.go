package redisstream

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Settings holds Redis Streams transport configuration for Watermill.
type Settings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

func DefaultSettings() Settings {
	return Settings{Addr: "localhost:6379", Consumer: "ui-1"}
}

// WithDefaults fills empty fields. Every process gets its own consumer group unless one is
// configured, because a shared group splits the stream between readers.
func (s Settings) WithDefaults() Settings {
	d := DefaultSettings()
	if s.Addr == "" {
		s.Addr = d.Addr
	}
	if s.Group == "" {
		s.Group = "chatsync-" + uuid.NewString()
	}
	if s.Consumer == "" {
		s.Consumer = d.Consumer
	}
	return s
}

func (s Settings) Validate() error {
	if s.Enabled && s.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}
	return nil
}
