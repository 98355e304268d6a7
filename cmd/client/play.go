package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/DoyleJ11/tenebris-backend/internal/client"
	"github.com/DoyleJ11/tenebris-backend/internal/engine"
	"github.com/DoyleJ11/tenebris-backend/internal/reconnect"
	"github.com/DoyleJ11/tenebris-backend/internal/recovery"
	"github.com/DoyleJ11/tenebris-backend/internal/tabs"
)

const playHelp = `commands:
  join <code>       join a lobby
  leave             leave the lobby
  start             start the tournament (host only)
  win | lose        report the current match
  forfeit           give up the current match
  sync              fetch the session from the server
  reconnect         reconnect now
  hide | show       move this client to the background or foreground
  status            print connection and session state
  quit`

func newPlayCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "play",
		Short: "Connect to the server and play from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()

			st, err := openStore(cfg, log)
			if err != nil {
				return err
			}
			ensureUser(&cfg, st)

			app, err := client.New(cfg, st, tabs.NewMemoryRegistry(log), log)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			watch(app, out)
			if err := app.Start(); err != nil {
				return err
			}
			defer func() {
				if app.Close() {
					_, _ = fmt.Fprintln(out, "left while in a game; run play again to resume")
				}
			}()

			_, _ = fmt.Fprintf(out, "user %s (%s)\n%s\n", cfg.UserID, cfg.Name, playHelp)
			return repl(cmd.Context(), app, cmd.InOrStdin(), out)
		},
	}
}

// watch prints connection, recovery and session changes as they happen.
func watch(app *client.App, out io.Writer) {
	app.Reconnect().OnConnectionStateChange(func(c reconnect.Change) {
		switch c.Status {
		case reconnect.StatusReconnecting:
			_, _ = fmt.Fprintf(out, "* reconnecting (attempt %d/%d, next in %s)\n",
				c.State.AttemptCount, c.MaxAttempts, c.State.NextAttemptIn)
		case reconnect.StatusExhausted:
			_, _ = fmt.Fprintf(out, "* gave up after %d attempts: %s (type reconnect to retry)\n",
				c.MaxAttempts, c.State.LastError)
		default:
			_, _ = fmt.Fprintf(out, "* %s\n", c.Status)
		}
	})
	app.Reconnect().OnRecovery(func(r recovery.Result) {
		switch {
		case r.FallbackToMenu:
			_, _ = fmt.Fprintf(out, "* session lost, back at the menu: %s\n", r.Error)
		case r.LocalOnly:
			_, _ = fmt.Fprintln(out, "* restored the saved session; the server could not confirm it")
		}
	})
	app.Machine().OnChange(func(c engine.Change) {
		if c.From == c.To {
			return
		}
		gs := c.Snapshot.GameSession
		_, _ = fmt.Fprintf(out, "> %s -> %s", c.From, c.To)
		if gs.LobbyID != "" {
			_, _ = fmt.Fprintf(out, " lobby=%s", gs.LobbyID)
		}
		if gs.MatchID != "" {
			_, _ = fmt.Fprintf(out, " match=%s vs %s", gs.MatchID, gs.OpponentID)
		}
		_, _ = fmt.Fprintln(out)
	})
	app.Tabs().OnSpectatorSwitch(func(r tabs.Resolution) {
		_, _ = fmt.Fprintf(out, "* another window took over (%s); now spectating\n", r.ConflictingTab)
	})
	app.Tabs().OnForcedLogout(func(r tabs.Resolution) {
		_, _ = fmt.Fprintf(out, "* another window took over (%s); logged out\n", r.ConflictingTab)
	})
	app.OnServerError(func(msg string) {
		_, _ = fmt.Fprintf(out, "! %s\n", msg)
	})
}

func repl(ctx context.Context, app *client.App, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			if fields[0] == "quit" || fields[0] == "exit" {
				return nil
			}
			if err := run(ctx, app, fields, out); err != nil {
				_, _ = fmt.Fprintf(out, "! %v\n", err)
			}
		}
	}
}

func run(ctx context.Context, app *client.App, fields []string, out io.Writer) error {
	snap := app.Machine().Snapshot()
	switch fields[0] {
	case "join":
		if len(fields) != 2 {
			return fmt.Errorf("usage: join <code>")
		}
		return app.Join(ctx, strings.ToUpper(fields[1]))
	case "leave":
		return app.Leave(ctx)
	case "start":
		return app.StartTournament(ctx)
	case "win":
		return app.Report(ctx, snap.User.ID)
	case "lose":
		return app.Report(ctx, snap.GameSession.OpponentID)
	case "forfeit":
		return app.Forfeit(ctx)
	case "sync":
		if r := app.Resync(ctx); !r.Success {
			return fmt.Errorf("sync failed: %s", r.Error)
		}
		return nil
	case "reconnect":
		app.Reconnect().ForceReconnect()
		return nil
	case "hide", "show":
		app.Tabs().SetForeground(fields[0] == "show")
		return nil
	case "status":
		st := app.Reconnect().State()
		stats := app.Tabs().Stats()
		_, _ = fmt.Fprintf(out, "phase=%s lobby=%s reconnecting=%v attempts=%d tabs=%d/%d master=%v\n",
			snap.GameSession.CurrentState, snap.GameSession.LobbyID,
			st.IsReconnecting, st.AttemptCount, stats.Active, stats.Total, stats.IsMaster)
		return nil
	case "help":
		_, _ = fmt.Fprintln(out, playHelp)
		return nil
	default:
		return fmt.Errorf("unknown command %q (try help)", fields[0])
	}
}
