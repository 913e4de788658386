// Command billingctl runs the dues engine jobs by hand against the
// configured database: backfills, incident recovery, one-off payments.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/warp/dues-engine/billing"
	"github.com/warp/dues-engine/config"
	"github.com/warp/dues-engine/lock"
	"github.com/warp/dues-engine/store/sqlite"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app is the state shared by every subcommand.
type app struct {
	configPath string
	nowFlag    string
	asJSON     bool

	store   *sqlite.Store
	engine  *billing.Engine
	cleanup []func()
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "billingctl",
		Short:         "Operate the dues billing engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd.Context(), cmd.ErrOrStderr())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&a.nowFlag, "now", "", "Run as of this RFC3339 time instead of the wall clock")
	rootCmd.PersistentFlags().BoolVarP(&a.asJSON, "json", "j", false, "Output as JSON")

	// Add subcommands
	rootCmd.AddCommand(rolloverCmd(a))
	rootCmd.AddCommand(sweepCmd(a))
	rootCmd.AddCommand(reconcileCmd(a))
	rootCmd.AddCommand(allocateCmd(a))
	rootCmd.AddCommand(unfreezeCmd(a))

	return rootCmd
}

func (a *app) open(ctx context.Context, logOut io.Writer) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	logger := config.NewLogger(cfg.Log)
	logger.SetOutput(logOut)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}
	a.store = store
	a.cleanup = append(a.cleanup, func() { store.Close() })

	a.engine = billing.NewEngine(store, config.Component(logger, "billingctl"))
	a.engine.FreezeMonths = cfg.Billing.FreezeMonths
	a.engine.SuspensionMonths = cfg.Billing.SuspensionMonths

	if cfg.Redis.Addr != "" {
		rdb, err := lock.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.close()
			return err
		}
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
		a.engine.Locker = lock.NewRedisLocker(rdb, config.Component(logger, "lock"))
	}
	return nil
}

func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

func (a *app) now() (time.Time, error) {
	if a.nowFlag == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, a.nowFlag)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --now: %w", err)
	}
	return t.UTC(), nil
}

// emit prints v as indented JSON with --json, otherwise runs text.
func (a *app) emit(w io.Writer, v any, text func(io.Writer)) error {
	if a.asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func printFailures(w io.Writer, failures []billing.ItemError) {
	for _, f := range failures {
		fmt.Fprintf(w, "  FAILED %s\n", f.Error())
	}
}
