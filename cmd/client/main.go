package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tenebris-backend/internal/config"
	"github.com/DoyleJ11/tenebris-backend/internal/logging"
	"github.com/DoyleJ11/tenebris-backend/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "tenebris:", err)
		os.Exit(1)
	}
}

// options are the flags shared by every subcommand. They override the
// environment.
type options struct {
	server   string
	user     string
	name     string
	profile  string
	stateDir string
}

func (o *options) load() (config.Client, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return config.Client{}, err
	}
	if o.server != "" {
		cfg.ServerURL = o.server
	}
	if o.user != "" {
		cfg.UserID = o.user
	}
	if o.name != "" {
		cfg.Name = o.name
	}
	if o.profile != "" {
		cfg.Profile = o.profile
	}
	if o.stateDir != "" {
		cfg.StateDir = o.stateDir
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "tenebris",
		Short:         "Tenebris terminal client",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", "", "websocket endpoint of the game server")
	flags.StringVar(&opts.user, "user", "", "user id (a new one is generated when empty)")
	flags.StringVar(&opts.name, "name", "", "display name")
	flags.StringVar(&opts.profile, "profile", "", "local profile the session is saved under")
	flags.StringVar(&opts.stateDir, "state-dir", "", "directory for saved sessions")

	root.AddCommand(newPlayCmd(opts))
	root.AddCommand(newStatusCmd(opts))
	root.AddCommand(newForgetCmd(opts))
	return root
}

func openStore(cfg config.Client, log *zap.Logger) (*store.File, error) {
	return store.NewFile(cfg.StateDir, cfg.Profile, log)
}

func newLogger(cfg config.Client) (*zap.Logger, error) {
	return logging.New(cfg.LogLevel, cfg.LogDev)
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the saved session of the profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			st, err := openStore(cfg, zap.NewNop())
			if err != nil {
				return err
			}
			snap, ok, err := st.Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !ok {
				_, _ = fmt.Fprintln(out, "no saved session")
				return nil
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
}

func newForgetCmd(opts *options) *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "forget",
		Short: "Clear the saved session, or part of it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			st, err := openStore(cfg, zap.NewNop())
			if err != nil {
				return err
			}
			return st.Clear(store.Scope(scope))
		},
	}
	cmd.Flags().StringVar(&scope, "scope", string(store.ScopeAll), "lobby, tournament or all")
	return cmd
}

// ensureUser reuses the identity of the saved session, or makes one up on a
// first run.
func ensureUser(cfg *config.Client, st store.SessionStore) {
	if cfg.UserID == "" {
		if snap, ok, err := st.Load(); err == nil && ok {
			cfg.UserID = snap.User.ID
			if cfg.Name == "" {
				cfg.Name = snap.User.Name
			}
		}
	}
	if cfg.UserID == "" {
		cfg.UserID = uuid.NewString()
	}
}
