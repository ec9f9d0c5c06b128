// Command sandchat is a terminal client for sandchat-server.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/martinemde/sandchat/chatclient"
	"github.com/martinemde/sandchat/transcript"
)

const defaultServer = "http://127.0.0.1:8080"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("SANDCHAT")
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:          "sandchat",
		Short:        "Chat with a sandchat server from the terminal",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := logrus.New()
			logger.SetOutput(cmd.ErrOrStderr())
			level, err := logrus.ParseLevel(v.GetString("log_level"))
			if err != nil {
				return err
			}
			logger.SetLevel(level)

			client := chatclient.New(v.GetString("server"), chatclient.WithLogger(logger))
			return repl(cmd.Context(), client, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("server", defaultServer, "Server base URL")
	cmd.Flags().String("log-level", "warn", "Log level")
	cobra.CheckErr(v.BindPFlag("server", cmd.Flags().Lookup("server")))
	cobra.CheckErr(v.BindPFlag("log_level", cmd.Flags().Lookup("log-level")))
	return cmd
}

// repl reads one message per line until EOF or /quit. Ctrl-C abandons the
// turn in flight and is ignored at the prompt.
func repl(ctx context.Context, client *chatclient.Client, in io.Reader, out io.Writer) error {
	if h, err := client.Health(ctx); err != nil {
		noteColor.Fprintf(out, "server not reachable yet: %v\n", err)
	} else {
		noteColor.Fprintf(out, "connected: root %s, model %s, %d tools\n", h.Root, h.Model, len(h.Tools))
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	lines := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !lines.Scan() {
			fmt.Fprintln(out)
			return lines.Err()
		}
		line := strings.TrimSpace(lines.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		if err := sendTurn(ctx, client, line, out, interrupts); err != nil {
			return err
		}
	}
}

func sendTurn(ctx context.Context, client *chatclient.Client, line string, out io.Writer, interrupts <-chan os.Signal) error {
	// Drop interrupts received while idle at the prompt.
	for drained := false; !drained; {
		select {
		case <-interrupts:
		default:
			drained = true
		}
	}

	r := newRenderer(out)
	finished := make(chan struct{})
	go func() {
		select {
		case <-interrupts:
			client.Abandon()
		case <-finished:
		}
	}()

	_, err := client.Send(ctx, line, r.update)
	close(finished)

	switch {
	case err == nil:
		r.finish()
	case errors.Is(err, transcript.ErrTurnAbandoned):
		r.note("(turn abandoned)")
	case errors.Is(err, chatclient.ErrRequestFailed):
		r.note("%v", err)
	case errors.Is(err, chatclient.ErrStreamInterrupted):
		r.note("(connection lost: %v)", err)
	default:
		r.finish()
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}
