// Command sandchat-server serves a tool-using chat assistant whose file
// tools are confined to a single root directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/martinemde/sandchat/agentloop"
	"github.com/martinemde/sandchat/config"
	"github.com/martinemde/sandchat/llm"
	"github.com/martinemde/sandchat/sandbox"
	"github.com/martinemde/sandchat/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	cmd := &cobra.Command{
		Use:          "sandchat-server",
		Short:        "Serve a chat assistant that can only touch files under --root",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), v, cmd.ErrOrStderr())
		},
	}
	cobra.CheckErr(config.BindFlags(v, cmd.Flags()))
	return cmd
}

func run(ctx context.Context, v *viper.Viper, stderr io.Writer) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger(stderr)

	root, err := sandbox.New(cfg.Root)
	if err != nil {
		return fmt.Errorf("sandbox root: %w", err)
	}

	adapterOpts := []llm.GollmAdapterOption{
		llm.WithModel(cfg.Model),
		llm.WithMaxTokens(cfg.MaxTokens),
	}
	if cfg.Temperature != nil {
		adapterOpts = append(adapterOpts, llm.WithTemperature(*cfg.Temperature))
	}
	adapter, err := llm.NewGollmAdapter(cfg.Provider, cfg.APIKey, adapterOpts...)
	if err != nil {
		return err
	}
	client := llm.NewClient(
		llm.WithProvider(cfg.Provider, adapter),
		llm.WithDefaultProvider(cfg.Provider),
		llm.WithMiddleware(llm.LoggingMiddleware(logger)),
	)
	defer client.Close()

	loop := agentloop.NewLoop(
		client,
		agentloop.NewCoreToolRegistry(),
		agentloop.NewLocalExecutionEnvironment(root),
		cfg.LoopConfig(),
		logger,
	)
	handler := server.New(loop, root, logger).Handler()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	logger.WithFields(logrus.Fields{
		"root":      root.Path(),
		"provider":  cfg.Provider,
		"model":     cfg.Model,
		"max_steps": cfg.MaxSteps,
	}).Info("starting sandchat server")

	return server.Serve(ctx, server.NewHTTPServer(cfg.Listen, handler), ln, cfg.ShutdownTimeout, logger)
}
