// Command reportctl operates the report pipeline: it inspects and repairs
// queues, applies migrations, follows a report while it generates and
// drives load against a running API.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/bytedance/sonic"
	"github.com/iago/jyotish-reports/internal/app"
	"github.com/iago/jyotish-reports/internal/config"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalOptions struct {
	envFiles []string
	verbose  bool
}

func rootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "reportctl",
		Short:         "Operate the astrology report pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env", ".env.local"}, "dotenv files loaded before the environment is read")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log connection and migration details to stderr")

	cmd.AddCommand(
		migrateCmd(opts),
		statsCmd(opts),
		deadCmd(opts),
		requeueCmd(opts),
		enqueueCmd(opts),
		pollCmd(),
		benchCmd(),
	)
	return cmd
}

func (o *globalOptions) logger() *log.Logger {
	if !o.verbose {
		return log.New(io.Discard, "", 0)
	}
	return log.New(os.Stderr, "[reportctl] ", log.LstdFlags|log.LUTC)
}

// openRuntime loads configuration the same way the API does and connects
// the broker and store.
func (o *globalOptions) openRuntime(ctx context.Context) (*app.Runtime, error) {
	logger := o.logger()
	if _, err := config.LoadDotEnv(o.envFiles...); err != nil {
		return nil, err
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.BrokerURL() == app.LocalBrokerURL {
		return nil, fmt.Errorf("the in-process broker belongs to the API process; point REDIS_URL at the shared broker")
	}
	return app.Open(ctx, cfg, logger, nil)
}

func printJSON(w io.Writer, value any) error {
	encoded, err := sonic.ConfigStd.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(encoded))
	return err
}
