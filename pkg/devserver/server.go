// Package devserver is a small reference chat backend: REST endpoints for conversations and
// messages, a websocket channel server fed from watermill topics, and a scripted assistant
// that streams its replies word by word.
package devserver

import (
	"context"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatsync/pkg/persistence/chatstore"
)

type Options struct {
	Addr       string
	Store      chatstore.MessageStore
	Publisher  message.Publisher
	Subscriber message.Subscriber

	ChunkDelay time.Duration
	// EndCarriesContent puts the final text in streaming_end. The message id is always sent.
	EndCarriesContent bool
	SendRPS           float64
	SendBurst         int
	// IdleTimeout keeps a channel reader alive after its last connection leaves.
	IdleTimeout time.Duration
	Reply       ReplyFunc
	// Logger defaults to the global logger with component=devserver.
	Logger *zerolog.Logger
}

type Server struct {
	store     chatstore.MessageStore
	hub       *Hub
	responder *Responder
	limiter   *limiterPool
	metrics   *Metrics
	log       zerolog.Logger

	handler http.Handler
	httpSrv *http.Server
}

func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("devserver: store is nil")
	}
	if opts.Publisher == nil || opts.Subscriber == nil {
		return nil, errors.New("devserver: publisher and subscriber are required")
	}
	logger := log.With().Str("component", "devserver").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	m := NewMetrics()
	s := &Server{
		store:     opts.Store,
		hub:       NewHub(opts.Subscriber, opts.IdleTimeout, m, logger),
		responder: NewResponder(opts.Store, opts.Publisher, opts, m, logger),
		limiter:   newLimiterPool(opts.SendRPS, opts.SendBurst),
		metrics:   m,
		log:       logger,
	}
	s.handler = s.routes()
	s.httpSrv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the routes, for mounting under httptest.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Metrics() *Metrics { return s.metrics }

// Close stops the responder and the hub. It does not close the store or the pub/sub.
func (s *Server) Close() {
	s.responder.Close()
	s.hub.Close()
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	eg.Go(func() error {
		<-srvCtx.Done()
		s.log.Info().Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		err := s.httpSrv.Shutdown(shutdownCtx)
		s.Close()
		if err != nil {
			s.log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		s.log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		s.log.Info().Str("addr", s.httpSrv.Addr).Msg("starting chat server")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("server listen error")
			srvCancel()
			return err
		}
		return nil
	})

	return eg.Wait()
}
