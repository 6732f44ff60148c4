package cmds

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/devserver"
	"github.com/go-go-golems/chatsync/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatsync/pkg/redisstream"
)

func newServeCommand(a *app) *cobra.Command {
	var (
		addr        string
		store       string
		dsn         string
		chunkDelay  time.Duration
		noEndText   bool
		idleTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference chat backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sc := a.cfg.Server
			flags := cmd.Flags()
			if flags.Changed("addr") {
				sc.Addr = addr
			}
			if flags.Changed("store") {
				sc.Store = store
			}
			if flags.Changed("dsn") {
				sc.DSN = dsn
			}
			if flags.Changed("chunk-delay") {
				sc.ChunkDelay = chunkDelay
			}
			if noEndText {
				sc.EndCarriesContent = false
			}

			ms, err := openStore(sc)
			if err != nil {
				return err
			}
			defer func() { _ = ms.Close() }()

			ps, err := redisstream.BuildPubSub(a.cfg.Redis)
			if err != nil {
				return err
			}
			defer func() { _ = ps.Close() }()

			srv, err := devserver.New(devserver.Options{
				Addr:              sc.Addr,
				Store:             ms,
				Publisher:         ps.Publisher,
				Subscriber:        ps.Subscriber,
				ChunkDelay:        sc.ChunkDelay,
				EndCarriesContent: sc.EndCarriesContent,
				SendRPS:           sc.SendRPS,
				SendBurst:         sc.SendBurst,
				IdleTimeout:       idleTimeout,
			})
			if err != nil {
				return err
			}
			log.Info().Str("store", sc.Store).Bool("redis", !ps.InProcess).Dur("chunk_delay", sc.ChunkDelay).Msg("chat backend configured")
			return srv.Run(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "", "listen address (default from config, :8787)")
	f.StringVar(&store, "store", "", "message store: memory or sqlite")
	f.StringVar(&dsn, "dsn", "", "sqlite file or DSN")
	f.DurationVar(&chunkDelay, "chunk-delay", 0, "delay between streamed reply chunks")
	f.BoolVar(&noEndText, "no-end-content", false, "send streaming_end without the final text")
	f.DurationVar(&idleTimeout, "idle-timeout", 30*time.Second, "keep a channel reader this long after its last client leaves")
	return cmd
}

func openStore(sc config.Server) (chatstore.MessageStore, error) {
	switch sc.Store {
	case config.StoreSQLite:
		dsn, err := chatstore.SQLiteDSNForFile(sc.DSN)
		if err != nil {
			return nil, err
		}
		return chatstore.NewSQLiteMessageStore(dsn)
	case config.StoreMemory, "":
		return chatstore.NewInMemoryMessageStore(sc.MaxMessagesPerConv), nil
	default:
		return nil, errors.Errorf("unknown store %q", sc.Store)
	}
}
