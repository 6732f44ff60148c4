// Package config loads the chatsync YAML configuration with environment overrides.
package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatsync/pkg/logging"
	"github.com/go-go-golems/chatsync/pkg/redisstream"
)

const (
	TransportWebsocket = "websocket"
	TransportRedis     = "redis"

	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

type Client struct {
	ServerURL      string        `yaml:"server_url"`
	WSURL          string        `yaml:"ws_url"`
	Token          string        `yaml:"token"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type Transport struct {
	Kind string `yaml:"kind"`
}

type Server struct {
	Addr               string        `yaml:"addr"`
	Store              string        `yaml:"store"`
	DSN                string        `yaml:"dsn"`
	ChunkDelay         time.Duration `yaml:"chunk_delay"`
	EndCarriesContent  bool          `yaml:"end_carries_content"`
	MaxMessagesPerConv int           `yaml:"max_messages_per_conversation"`
	SendRPS            float64       `yaml:"send_rps"`
	SendBurst          int           `yaml:"send_burst"`
}

type Config struct {
	Client    Client               `yaml:"client"`
	Transport Transport            `yaml:"transport"`
	Redis     redisstream.Settings `yaml:"redis"`
	Server    Server               `yaml:"server"`
	Logging   logging.Settings     `yaml:"logging"`
}

func Default() Config {
	return Config{
		Client: Client{
			ServerURL:      "http://localhost:8787",
			RequestTimeout: 15 * time.Second,
		},
		Transport: Transport{Kind: TransportWebsocket},
		Redis:     redisstream.DefaultSettings(),
		Server: Server{
			Addr:               ":8787",
			Store:              StoreMemory,
			ChunkDelay:         60 * time.Millisecond,
			EndCarriesContent:  true,
			MaxMessagesPerConv: 1000,
			SendRPS:            5,
			SendBurst:          10,
		},
		Logging: logging.Settings{Level: "info"},
	}
}

// DefaultPath is $XDG_CONFIG_HOME/chatsync/config.yaml, or "" when no config dir is known.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "chatsync", "config.yaml")
}

// Load reads path over the defaults. A missing file is not an error unless the path was given
// explicitly. A .env file in the working directory is loaded before environment overrides.
func Load(path string, explicit bool) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, errors.Wrapf(err, "parse %s", path)
			}
		case os.IsNotExist(err) && !explicit:
		default:
			return Config{}, errors.Wrapf(err, "read %s", path)
		}
	}
	_ = godotenv.Load(".env")
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.expandPaths(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// expandPaths resolves a leading ~ in file settings.
func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Logging.File, &c.Server.DSN} {
		if !strings.HasPrefix(*p, "~") {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return errors.Wrapf(err, "expand %s", *p)
		}
		*p = expanded
	}
	return nil
}

// ApplyEnv applies CHATSYNC_* overrides.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("CHATSYNC_SERVER_URL"); ok && v != "" {
		c.Client.ServerURL = v
	}
	if v, ok := lookup("CHATSYNC_WS_URL"); ok && v != "" {
		c.Client.WSURL = v
	}
	if v, ok := lookup("CHATSYNC_TOKEN"); ok && v != "" {
		c.Client.Token = v
	}
	if v, ok := lookup("CHATSYNC_REDIS_ADDR"); ok && v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v, ok := lookup("CHATSYNC_LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = v
	}
}

// WebsocketURL returns the configured ws url, or one derived from the server url.
func (c Config) WebsocketURL() (string, error) {
	if c.Client.WSURL != "" {
		return c.Client.WSURL, nil
	}
	u, err := url.Parse(c.Client.ServerURL)
	if err != nil {
		return "", errors.Wrap(err, "parse server url")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func (c Config) Validate() error {
	var problems []string
	if c.Client.ServerURL == "" {
		problems = append(problems, "client.server_url is empty")
	} else if u, err := url.Parse(c.Client.ServerURL); err != nil || u.Host == "" {
		problems = append(problems, "client.server_url is not an absolute url")
	}
	if c.Client.RequestTimeout < 0 {
		problems = append(problems, "client.request_timeout is negative")
	}
	switch c.Transport.Kind {
	case TransportWebsocket:
	case TransportRedis:
		if !c.Redis.Enabled {
			problems = append(problems, "transport.kind is redis but redis.enabled is false")
		}
	default:
		problems = append(problems, "transport.kind must be websocket or redis")
	}
	if err := c.Redis.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	switch c.Server.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.Server.DSN == "" {
			problems = append(problems, "server.dsn is required for the sqlite store")
		}
	default:
		problems = append(problems, "server.store must be memory or sqlite")
	}
	if c.Server.ChunkDelay < 0 {
		problems = append(problems, "server.chunk_delay is negative")
	}
	if len(problems) > 0 {
		return errors.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
