// Command termctl opens a terminal session through the gateway.
//
// Credentials come from the environment only: SERVICENOW_INSTANCE,
// SERVICENOW_USERNAME, SERVICENOW_PASSWORD and ANTHROPIC_API_KEY. The last
// gateway and session id are remembered in a state file so -resume can
// reattach to a running session.
//
// Usage:
//
//	termctl -gateway http://localhost:8000
//	termctl -resume
//	termctl -list
//	termctl -disconnect -session sess_01J...
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/GriffinCanCode/termrelay/internal/client"
	"github.com/GriffinCanCode/termrelay/internal/infrastructure/config"
	"github.com/GriffinCanCode/termrelay/internal/infrastructure/logging"
	"go.uber.org/zap"
	"golang.org/x/term"
)

const defaultGateway = "http://localhost:8000"

type options struct {
	gateway    string
	instance   string
	username   string
	sessionID  string
	resume     bool
	list       bool
	disconnect bool
	statePath  string
}

func main() {
	env, err := config.LoadTermctl()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var opts options
	flag.StringVar(&opts.gateway, "gateway", env.Gateway, "Gateway base URL")
	flag.StringVar(&opts.instance, "instance", env.Instance, "Instance the shell talks to")
	flag.StringVar(&opts.username, "user", env.Username, "Instance user name")
	flag.StringVar(&opts.sessionID, "session", "", "Session id to attach to")
	flag.BoolVar(&opts.resume, "resume", false, "Attach to the last session")
	flag.BoolVar(&opts.list, "list", false, "List sessions and exit")
	flag.BoolVar(&opts.disconnect, "disconnect", false, "Stop the session and exit")
	flag.StringVar(&opts.statePath, "state", env.StatePath, "State file path")
	flag.Parse()

	logger := logging.FromLevel(env.LogLevel, true)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, env, logger.Component("termctl")); err != nil {
		fmt.Fprintf(os.Stderr, "termctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, env *config.TermctlConfig, log *zap.Logger) error {
	if opts.statePath == "" {
		opts.statePath = client.DefaultStatePath()
	}
	state, err := client.LoadState(opts.statePath)
	if err != nil {
		log.Warn("Ignoring unreadable state file", zap.Error(err))
		state = client.State{}
	}

	if opts.gateway == "" {
		opts.gateway = state.Gateway
	}
	if opts.gateway == "" {
		opts.gateway = defaultGateway
	}
	if opts.resume && opts.sessionID == "" {
		if state.SessionID == "" {
			return errors.New("no session to resume")
		}
		opts.sessionID = state.SessionID
	}

	api := client.NewAPI(opts.gateway)

	switch {
	case opts.list:
		return listSessions(ctx, api, os.Stdout)
	case opts.disconnect:
		if opts.sessionID == "" {
			opts.sessionID = state.SessionID
		}
		if opts.sessionID == "" {
			return errors.New("no session to disconnect")
		}
		if err := api.Disconnect(ctx, opts.sessionID); err != nil {
			return err
		}
		if state.SessionID == opts.sessionID {
			state.SessionID = ""
			return state.Save(opts.statePath)
		}
		return nil
	}

	resp, err := api.Connect(ctx, client.ConnectRequest{
		Instance:  opts.instance,
		Username:  opts.username,
		Password:  env.Password,
		APIKey:    env.APIKey,
		SessionID: opts.sessionID,
	})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	log.Info("Session ready", zap.String("session_id", resp.SessionID))

	state = client.State{
		Gateway:   opts.gateway,
		Instance:  opts.instance,
		Username:  opts.username,
		SessionID: resp.SessionID,
	}
	if err := state.Save(opts.statePath); err != nil {
		log.Warn("Could not save state", zap.Error(err))
	}

	conn, err := client.Dial(ctx, resp.WSURL)
	if err != nil {
		return err
	}
	t := client.NewTerminal(conn, client.TerminalOptions{Logger: log})
	defer t.Close()

	return attach(ctx, t, resp.SessionID)
}

// attach runs the interactive terminal until the connection ends or ctx is
// done.
func attach(ctx context.Context, t *client.Terminal, sessionID string) error {
	stdin := int(os.Stdin.Fd())
	if term.IsTerminal(stdin) {
		old, err := term.MakeRaw(stdin)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer func() { _ = term.Restore(stdin, old) }()

		if cols, rows, err := term.GetSize(stdin); err == nil {
			_ = t.Resize(cols, rows)
		}
		stopResize := watchResize(t, stdin)
		defer stopResize()
	}

	// stdin reads cannot be interrupted; the goroutine ends with the process
	go func() {
		_, _ = io.Copy(t, os.Stdin)
	}()

	pumped := make(chan error, 1)
	go func() {
		pumped <- t.Pump(os.Stdout, func(title string) {
			fmt.Fprintf(os.Stdout, "\x1b]0;%s\x07", title)
		})
	}()

	select {
	case err := <-pumped:
		fmt.Fprintf(os.Stderr, "\r\n[session %s detached]\r\n", sessionID)
		return err
	case <-ctx.Done():
		_ = t.Close()
		<-pumped
		return nil
	}
}

func listSessions(ctx context.Context, api *client.API, out io.Writer) error {
	sessions, err := api.Sessions(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTATUS\tATTACHED\tLAST ACTIVE")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.ID, s.Status, s.Attached, s.LastActive.Local().Format(time.DateTime))
	}
	return w.Flush()
}
