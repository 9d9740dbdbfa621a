package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	actors "github.com/glimte/mmate-actors"
	"github.com/glimte/mmate-actors/actor"
	"github.com/glimte/mmate-actors/config"
	"github.com/glimte/mmate-actors/health"
	"github.com/glimte/mmate-actors/registry"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "actorctl",
		Short: "Provision and inspect RabbitMQ actors",
		Long: `actorctl reads an actor configuration file and works against the broker it names.
It declares actor topology, reports queue depths and publishes test messages.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	// Global flags
	var (
		configPath string
		verbose    bool
	)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "actors.yaml", "Actor configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	load := func() (*config.Config, *slog.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		return cfg, config.NewLogger(cfg.Logging), nil
	}

	// Provision command
	provisionCmd := &cobra.Command{
		Use:   "provision [actor-names...]",
		Short: "Declare exchanges, queues and bindings",
		Long:  "Declare the topology of the named actors. If no names are provided, every configured actor is provisioned.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			reg, err := registry.New(cfg.RabbitMQ, registry.WithLogger(logger))
			if err != nil {
				return err
			}
			defer reg.Close()

			names, err := actorNames(cfg, args)
			if err != nil {
				return err
			}
			for _, name := range names {
				actorCfg := cfg.Actors[name]
				entry, err := reg.ForActor(ctx, actorCfg, registry.RoleProducer)
				if err != nil {
					return fmt.Errorf("failed to connect: %w", err)
				}
				err = actor.Provision(ctx, entry.Conn, name, actorCfg,
					actor.WithLogger(logger),
					actor.WithNamespace(cfg.RabbitMQ.Namespace),
				)
				if err != nil {
					return fmt.Errorf("failed to provision %s: %w", name, err)
				}
				fmt.Printf("Provisioned %s\n", name)
			}
			return nil
		},
	}

	// Pending command
	pendingCmd := &cobra.Command{
		Use:   "pending [actor-names...]",
		Short: "Show main and sideline queue depths",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			reg, err := registry.New(cfg.RabbitMQ, registry.WithLogger(logger))
			if err != nil {
				return err
			}
			defer reg.Close()

			names, err := actorNames(cfg, args)
			if err != nil {
				return err
			}

			rows := make([]pendingRow, 0, len(names))
			for _, name := range names {
				p, err := startPublisher(ctx, reg, cfg, name, logger)
				if err != nil {
					return err
				}
				rows = append(rows, pendingRow{
					name:     name,
					queue:    p.Names().Queue,
					pending:  p.PendingMessagesCount(ctx),
					sideline: p.PendingSidelineMessagesCount(ctx),
				})
				p.Stop()
			}

			printPending(rows)
			return nil
		},
	}

	// Publish command
	var (
		delay   time.Duration
		expiry  time.Duration
		headers []string
	)
	publishCmd := &cobra.Command{
		Use:   "publish <actor-name> <json-body>",
		Short: "Publish a JSON message to an actor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			body := json.RawMessage(args[1])
			if !json.Valid(body) {
				return errors.New("message body is not valid JSON")
			}

			cfg, logger, err := load()
			if err != nil {
				return err
			}
			reg, err := registry.New(cfg.RabbitMQ, registry.WithLogger(logger))
			if err != nil {
				return err
			}
			defer reg.Close()

			p, err := startPublisher(ctx, reg, cfg, args[0], logger)
			if err != nil {
				return err
			}
			defer p.Stop()

			switch {
			case delay > 0:
				err = p.PublishWithDelay(ctx, body, delay)
			case expiry > 0:
				err = p.PublishWithExpiry(ctx, body, expiry)
			case len(headers) > 0:
				table, parseErr := parseHeaders(headers)
				if parseErr != nil {
					return parseErr
				}
				err = p.PublishWithHeaders(ctx, body, table)
			default:
				err = p.Publish(ctx, body)
			}
			if err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}

			fmt.Printf("Published to %s\n", p.Names().Exchange)
			return nil
		},
	}
	publishCmd.Flags().DurationVarP(&delay, "delay", "d", 0, "Deliver after this delay")
	publishCmd.Flags().DurationVarP(&expiry, "expiry", "e", 0, "Expire the message after this duration")
	publishCmd.Flags().StringSliceVarP(&headers, "header", "H", nil, "Extra header as key=value (repeatable)")
	publishCmd.MarkFlagsMutuallyExclusive("delay", "expiry", "header")

	// Serve command
	var addr string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve /metrics and /health for every configured actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg, logger, err := load()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Metrics.Addr
			}

			promRegistry := prometheus.NewRegistry()
			bundle, err := actors.New(cfg, actors.WithLogger(logger), actors.WithRegisterer(promRegistry))
			if err != nil {
				return err
			}
			defer bundle.Stop()

			names, err := actorNames(cfg, nil)
			if err != nil {
				return err
			}
			for _, name := range names {
				// publish-only, so serving never takes deliveries away from the real consumers
				if _, err := actors.Register[json.RawMessage](ctx, bundle, name, nil, nil); err != nil {
					return err
				}
			}
			if err := bundle.Start(ctx); err != nil {
				return err
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
			mux.Handle("/health", health.NewHandler(bundle.Health(), 5*time.Second))

			server := &http.Server{
				Addr:              addr,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("serving", "addr", addr)
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		},
	}
	serveCmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (defaults to metrics.addr)")

	// Add all commands
	rootCmd.AddCommand(provisionCmd, pendingCmd, publishCmd, serveCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Fatal(err)
	}
}

// actorNames returns the requested actors, or every configured actor sorted
// by name when none are requested
func actorNames(cfg *config.Config, requested []string) ([]string, error) {
	if len(requested) == 0 {
		names := make([]string, 0, len(cfg.Actors))
		for name := range cfg.Actors {
			names = append(names, name)
		}
		sort.Strings(names)
		if len(names) == 0 {
			return nil, errors.New("no actors configured")
		}
		return names, nil
	}
	for _, name := range requested {
		if _, err := cfg.Actor(name); err != nil {
			return nil, err
		}
	}
	return requested, nil
}

func startPublisher(ctx context.Context, reg *registry.Registry, cfg *config.Config, name string, logger *slog.Logger) (*actor.Publisher[json.RawMessage], error) {
	actorCfg, err := cfg.Actor(name)
	if err != nil {
		return nil, err
	}
	entry, err := reg.ForActor(ctx, actorCfg, registry.RoleProducer)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	p, err := actor.NewPublisher[json.RawMessage](name, actorCfg, entry.Conn,
		actor.WithLogger(logger),
		actor.WithNamespace(cfg.RabbitMQ.Namespace),
	)
	if err != nil {
		return nil, err
	}
	if err := p.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start publisher %s: %w", name, err)
	}
	return p, nil
}

func parseHeaders(pairs []string) (map[string]any, error) {
	table := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("header %q is not key=value", pair)
		}
		table[key] = value
	}
	return table, nil
}

// Output formatting functions

type pendingRow struct {
	name     string
	queue    string
	pending  int64
	sideline int64
}

func printPending(rows []pendingRow) {
	fmt.Printf("%-25s %-45s %-10s %-10s\n", "Actor", "Queue", "Pending", "Sideline")
	fmt.Println(strings.Repeat("-", 93))

	for _, r := range rows {
		fmt.Printf("%-25s %-45s %-10s %-10s\n",
			truncate(r.name, 25),
			truncate(r.queue, 45),
			count(r.pending),
			count(r.sideline),
		)
	}
}

func count(n int64) string {
	if n == actor.UnknownCount {
		return "unknown"
	}
	return fmt.Sprint(n)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
