// Package cmds holds the cobra commands of the chatsync binary.
package cmds

import (
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/logging"
)

// annotationTUI marks commands that own the terminal; their logs must not go to stderr.
const annotationTUI = "chatsync/tui"

type globalFlags struct {
	configPath string
	logLevel   string
	logFile    string
	withCaller bool
	serverURL  string
	wsURL      string
	transport  string
	redisAddr  string
}

// app is shared by every subcommand once the root pre-run has loaded the config.
type app struct {
	flags     globalFlags
	cfg       config.Config
	logCloser io.Closer
}

func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "chatsync",
		Short:         "Conversation client and reference chat backend with live streamed replies",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logCloser != nil {
				_ = a.logCloser.Close()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/chatsync/config.yaml)")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	pf.StringVar(&a.flags.logFile, "log-file", "", "write logs to this file instead of stderr")
	pf.BoolVar(&a.flags.withCaller, "with-caller", false, "include the caller in log lines")
	pf.StringVar(&a.flags.serverURL, "server-url", "", "REST base url of the chat server")
	pf.StringVar(&a.flags.wsURL, "ws-url", "", "websocket url (derived from --server-url when empty)")
	pf.StringVar(&a.flags.transport, "transport", "", "live event transport: websocket or redis")
	pf.StringVar(&a.flags.redisAddr, "redis-addr", "", "redis address, enables redis streams")

	root.AddCommand(
		newChatCommand(a),
		newSendCommand(a),
		newTailCommand(a),
		newConversationsCommand(a),
		newServeCommand(a),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	path, explicit := a.flags.configPath, a.flags.configPath != ""
	if !explicit {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path, explicit)
	if err != nil {
		return err
	}

	f := a.flags
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logFile != "" {
		cfg.Logging.File = f.logFile
	}
	if f.withCaller {
		cfg.Logging.WithCaller = true
	}
	if f.serverURL != "" {
		cfg.Client.ServerURL = f.serverURL
	}
	if f.wsURL != "" {
		cfg.Client.WSURL = f.wsURL
	}
	if f.redisAddr != "" {
		cfg.Redis.Addr = f.redisAddr
		cfg.Redis.Enabled = true
	}
	if f.transport != "" {
		cfg.Transport.Kind = f.transport
		if f.transport == config.TransportRedis {
			cfg.Redis.Enabled = true
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cmd.Annotations[annotationTUI] == "true" && cfg.Logging.File == "" {
		cfg.Logging.Quiet = true
	}
	closer, err := logging.Init(cfg.Logging)
	if err != nil {
		return errors.Wrap(err, "init logging")
	}
	a.cfg = cfg
	a.logCloser = closer
	return nil
}
