package cmds

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/chatsync"
	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/redisstream"
	"github.com/go-go-golems/chatsync/pkg/restapi"
	"github.com/go-go-golems/chatsync/pkg/transport"
	"github.com/go-go-golems/chatsync/pkg/transport/pubsub"
	"github.com/go-go-golems/chatsync/pkg/transport/wsclient"
)

// session is a connected client: REST api, live transport and the synchronizer on top.
type session struct {
	api     *restapi.Client
	sync    *chatsync.Synchronizer
	closers []func() error
}

func (s *session) Close() {
	if s.sync != nil {
		s.sync.CloseConversation()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Debug().Err(err).Msg("close")
		}
	}
}

// connect builds a session. A transport that cannot connect leaves the session history-only.
func (a *app) connect(ctx context.Context) (*session, error) {
	api, err := restapi.New(a.cfg.Client.ServerURL,
		restapi.WithToken(a.cfg.Client.Token),
		restapi.WithTimeout(a.cfg.Client.RequestTimeout))
	if err != nil {
		return nil, err
	}
	s := &session{api: api}

	var tr chatsync.Transport = transport.Offline{}
	switch a.cfg.Transport.Kind {
	case config.TransportRedis:
		ps, err := redisstream.BuildPubSub(a.cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, continuing without live updates")
			break
		}
		t := pubsub.New(ps.Subscriber)
		s.closers = append(s.closers, ps.Close, t.Close)
		tr = t
	default:
		wsURL, err := a.cfg.WebsocketURL()
		if err != nil {
			return nil, err
		}
		var opts []wsclient.Option
		if a.cfg.Client.Token != "" {
			opts = append(opts, wsclient.WithHeader(http.Header{"Authorization": {"Bearer " + a.cfg.Client.Token}}))
		}
		c, err := wsclient.Dial(ctx, wsURL, opts...)
		if err != nil {
			log.Warn().Err(err).Str("url", wsURL).Msg("websocket unavailable, continuing without live updates")
			break
		}
		s.closers = append(s.closers, c.Close)
		tr = c
	}

	sync, err := chatsync.New(api, tr)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.sync = sync
	return s, nil
}
