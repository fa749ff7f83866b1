package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	server     string
	token      string
	name       string
	queueDir   string
	wait       time.Duration
	debug      bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "board-client",
		Short:         "Work with a shared task board from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if opts.debug {
				log.SetLevel(log.DebugLevel)
			}
		},
	}
	f := root.PersistentFlags()
	f.StringVar(&opts.configPath, "config", "", "path to client.toml")
	f.StringVar(&opts.server, "server", "", "board server base URL")
	f.StringVar(&opts.token, "token", "", "bearer token")
	f.StringVar(&opts.name, "name", "", "display name announced to other users")
	f.StringVar(&opts.queueDir, "queue-dir", "", "directory for commands made while offline")
	f.DurationVar(&opts.wait, "wait", 3*time.Second, "how long to wait for the server")
	f.BoolVar(&opts.debug, "debug", false, "verbose logging")

	root.AddCommand(
		newWatchCommand(opts),
		newListCommand(opts),
		newCreateCommand(opts),
		newEditCommand(opts),
		newMoveCommand(opts),
		newReorderCommand(opts),
		newDeleteCommand(opts),
	)
	return root
}

// resolve loads the config file and applies flags given on the command line.
func (o *rootOptions) resolve(cmd *cobra.Command) (clientConfig, error) {
	cfg, err := loadConfig(o.configPath, o.configPath != "")
	if err != nil {
		return clientConfig{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.Server = o.server
	}
	if flags.Changed("token") {
		cfg.Token = o.token
	}
	if flags.Changed("name") {
		cfg.Name = o.name
	}
	if flags.Changed("queue-dir") {
		cfg.QueueDir = o.queueDir
	}
	if cfg.Server == "" {
		return clientConfig{}, fmt.Errorf("no server configured")
	}
	return cfg, nil
}
