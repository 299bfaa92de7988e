// Command mcpstash wraps a stdio MCP server and parks oversized tool
// responses in a local TTL cache, exposing management tools to search and
// page through them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/mcpstash/mcpstash/internal/config"
	"github.com/mcpstash/mcpstash/internal/jsonrpc"
	"github.com/mcpstash/mcpstash/internal/proxy"
	"github.com/mcpstash/mcpstash/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mcpstash:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "mcpstash [flags] -- <target-command> [args...]",
		Short:   "MCP proxy that caches oversized tool responses",
		Version: proxy.Version,
		Args:    cobra.MinimumNArgs(1),
		RunE:    run,

		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.Flags()
	flags.String("cache-dir", "", "directory for cached responses (default: user cache dir)")
	flags.Duration("ttl", config.DefaultTTL, "how long cached responses stay retrievable")
	flags.Int("chunk-size", config.DefaultChunkSize, "byte size of one get_chunk slice")
	flags.Int("max-tokens", 0, "client token budget override (0 uses the client preset)")
	flags.String("client", "", "client name selecting a token-limit preset")
	flags.Bool("debug", false, "verbose logging and target stderr surfacing")

	flags.VisitAll(func(f *pflag.Flag) {
		if err := viper.BindPFlag(f.Name, f); err != nil {
			panic(err)
		}
	})

	viper.SetEnvPrefix("MCPSTASH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(args)
	if err != nil {
		return err
	}

	// Stdout belongs to the client protocol; all logging goes to stderr.
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport := jsonrpc.NewClient(log, cfg.TargetCommand, cfg.Debug)

	st, err := store.New(log, afero.NewOsFs(), cfg.CacheDir, cfg.TTL, cfg.ChunkSize)
	if err != nil {
		return err
	}

	p := proxy.New(log, cfg, transport, st)

	if err := p.Connect(ctx); err != nil {
		return err
	}

	defer func() {
		if err := p.Close(); err != nil {
			log.Warn("Shutdown error", "error", err)
		}
	}()

	// The sweeper follows the server's lifecycle: when Run returns, the
	// derived context cancels the sweeper too.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		st.RunSweeper(gctx, store.DefaultSweepInterval)

		return nil
	})

	g.Go(func() error {
		defer cancel()

		return p.Run(gctx)
	})

	return g.Wait()
}

func buildConfig(args []string) (config.Config, error) {
	cacheDir := viper.GetString("cache-dir")
	if cacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return config.Config{}, fmt.Errorf("resolve cache dir: %w", err)
		}

		cacheDir = filepath.Join(base, "mcpstash")
	}

	cfg := config.Config{
		TargetCommand: args,
		CacheDir:      cacheDir,
		TTL:           viper.GetDuration("ttl"),
		ChunkSize:     viper.GetInt("chunk-size"),
		MaxTokens:     viper.GetInt("max-tokens"),
		ClientName:    viper.GetString("client"),
		Debug:         viper.GetBool("debug"),
	}

	cfg = cfg.WithDefaults()

	if cfg.TTL < time.Second {
		return config.Config{}, fmt.Errorf("ttl must be at least one second, got %s", cfg.TTL)
	}

	return cfg, nil
}
