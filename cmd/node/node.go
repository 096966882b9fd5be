// Package node assembles the relay process: configuration, logging, the
// event store and the websocket server.
package node

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tidemark-net/tidemark/cmd"
	"github.com/tidemark-net/tidemark/config"
	"github.com/tidemark-net/tidemark/relay"
	"github.com/tidemark-net/tidemark/signing"
	"github.com/tidemark-net/tidemark/sql"
	"github.com/tidemark-net/tidemark/sql/events"
)

// Cmd is the relay's root command.
var Cmd = &cobra.Command{
	Use:   "tidemark",
	Short: "tidemark is a relay for signed, content-addressed events",
	RunE: func(c *cobra.Command, _ []string) error {
		conf, err := cmd.LoadConfig(c)
		if err != nil {
			return err
		}
		return run(conf)
	},
	SilenceUsage: true,
}

func init() {
	cmd.AddFlags(Cmd)
}

func run(conf *config.Config) error {
	logger, err := conf.Logging.Build()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(conf.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data directory %s: %w", conf.DataDir, err)
	}
	db, err := sql.Open("file:"+conf.DatabasePath(),
		sql.WithConnections(conf.DBConnections),
		sql.WithLogger(logger.Named("db")),
		sql.WithSchema(events.Schema),
	)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer db.Close()

	verifier, err := signing.NewEventVerifier()
	if err != nil {
		return fmt.Errorf("create verifier: %w", err)
	}
	check, limiter, err := conf.Policy.Build(clockwork.NewRealClock(), verifier)
	if err != nil {
		return fmt.Errorf("build policy: %w", err)
	}

	srv := relay.NewServer(conf.Relay, db,
		relay.WithLogger(logger.Named("relay")),
		relay.WithPolicy(check),
		relay.WithRateLimit(limiter),
		relay.WithVersion(cmd.Version),
	)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := srv.Start(ctx); err != nil {
		return err
	}
	logger.Info("relay started", zap.String("version", cmd.Version))
	err = srv.Wait()
	logger.Info("relay stopped", zap.Error(err))
	return err
}
