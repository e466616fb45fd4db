// Package cmd defines the catalogsync command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/catalog-sync/internal/app"
	"github.com/JakeFAU/catalog-sync/internal/config"
	"github.com/JakeFAU/catalog-sync/internal/flow"
)

// buildFunc builds the application; tests swap it to inject fakes.
type buildFunc func(ctx context.Context, cfg config.Config, opts ...app.Option) (*app.App, error)

type cli struct {
	cfgFile string
	build   buildFunc
	out     *lockedWriter
	app     *app.App
}

func newCLI(out io.Writer, build buildFunc) *cli {
	if build == nil {
		build = app.Build
	}
	return &cli{build: build, out: &lockedWriter{w: out}}
}

// rootCmd creates and configures the root command.
func (c *cli) rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalogsync",
		Short: "Drives catalog sync batch jobs against a WordPress admin endpoint.",
		Long: `catalogsync posts batched actions to the catalog sync plugin's
admin-ajax endpoint and follows each job to completion, printing the
server's progress notices along the way. "serve" exposes the same flows
over HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs after flags are parsed and before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a, err := c.build(cmd.Context(), cfg,
				app.WithNotifier(flow.NotifierFunc(c.printNotice)),
				app.WithReloader(flow.ReloaderFunc(func(context.Context, flow.State) {
					c.out.Printf("cache view reloaded\n")
				})),
			)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			c.app = a
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(
		c.syncCmd(),
		c.cacheCmd(),
		c.productCmd(),
		c.variationsCmd(),
		c.serveCmd(),
	)
	return cmd
}

// close releases the application built by PersistentPreRunE.
func (c *cli) close() error {
	if c.app == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.app.Close(ctx)
	c.app = nil
	return err
}

func (c *cli) printNotice(n flow.Notice) {
	c.out.Printf("[%s] %s: %s\n", n.Level, n.Flow, n.Message)
	for _, e := range n.Errors {
		c.out.Printf("  - %s\n", e)
	}
}

func (c *cli) execute(ctx context.Context, args []string) error {
	root := c.rootCmd()
	root.SetArgs(args)
	root.SetOut(c.out.w)
	err := root.ExecuteContext(ctx)
	if cerr := c.close(); cerr != nil && !errors.Is(cerr, context.Canceled) {
		err = errors.Join(err, cerr)
	}
	return err
}

// Execute runs the CLI and returns the process exit code. SIGINT and SIGTERM
// cancel the running flow.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newCLI(os.Stdout, nil).execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "catalogsync: %v\n", err)
		return 1
	}
	return 0
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, args...)
}
