package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/iudanet/gophvault/internal/client/cli"
	"github.com/iudanet/gophvault/internal/client/collab"
	"github.com/iudanet/gophvault/internal/client/iocli"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

const dialTimeout = 15 * time.Second

type options struct {
	serverURL string
	platform  string
	tokens    cli.Tokens
	debug     bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(iocli.NewStdio()).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd(io iocli.IO) *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:          "gophvault SHARE_TOKEN",
		Short:        "Edit a shared GophVault document together with others",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return edit(cmd.Context(), io, opts, args[0])
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.serverURL, "server", "http://localhost:8080", "Server URL")
	flags.StringVar(&opts.platform, "platform", "desktop", "Client platform sent to the server (web, desktop, mobile)")
	flags.StringVar(&opts.tokens.FromArgs, "token", "", "Access token (not recommended, use env var or file)")
	flags.StringVar(&opts.tokens.FromFile, "token-file", "", "Path to file containing the access token")
	flags.BoolVar(&opts.debug, "debug", false, "Log protocol details to stderr")

	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(cmd)
		},
	}
}

func printVersion(cmd *cobra.Command) {
	cmd.Printf("GophVault Client\n")
	cmd.Printf("Version:    %s\n", Version)
	cmd.Printf("Build Date: %s\n", BuildDate)
	cmd.Printf("Git Commit: %s\n", GitCommit)
}

func edit(ctx context.Context, io iocli.IO, opts options, shareToken string) error {
	level := slog.LevelWarn
	if opts.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	accessToken, err := cli.ReadAccessToken(io, opts.tokens)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	client, err := collab.Dial(dialCtx, logger, collab.Options{
		ServerURL:   opts.serverURL,
		ShareToken:  shareToken,
		AccessToken: accessToken,
		Platform:    opts.platform,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Debug("failed to close connection", "error", err)
		}
	}()

	doc := client.Document()
	io.Printf("Connected as %s (%s), version %d. Type :help for commands.\n",
		doc.ConnectionID, doc.Role, doc.Version)

	// События сервера печатаются параллельно с вводом команд
	go func() {
		for ev := range client.Events() {
			if line := cli.FormatEvent(ev); line != "" {
				io.Println(line)
			}
		}
	}()

	editorDone := make(chan error, 1)
	go func() {
		editorDone <- cli.NewEditor(io, client).Run()
	}()

	select {
	case err := <-editorDone:
		return err
	case <-client.Done():
		err := client.Err()
		if err != nil && !errors.Is(err, collab.ErrClosed) &&
			!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return fmt.Errorf("session ended: %w", err)
		}
		io.Println("Session ended.")
		return nil
	case <-ctx.Done():
		return nil
	}
}
