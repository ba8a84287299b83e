package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/alexjbarnes/chat-sync/internal/config"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/reconcile"
	"github.com/alexjbarnes/chat-sync/internal/render"
	"github.com/alexjbarnes/chat-sync/internal/server"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle hash-key subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-key" {
		hashKey()
		return
	}

	if err := run(); err != nil && !errors.Is(err, errQuit) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashKey prints a new MCP API key and the bcrypt hash to put in
// MCP_API_KEYS.
func hashKey() {
	key, hash, err := auth.GenerateAPIKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintln(os.Stderr, "API key (give this to the MCP client):")
	fmt.Println(key)
	fmt.Fprintln(os.Stderr, "Hash (add to MCP_API_KEYS as <user>:<hash>):")
	fmt.Println(string(hash))
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Stdout belongs to the terminal front end.
	logger := logging.New(os.Stderr, cfg.Environment)
	logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("endpoint", cfg.Endpoint),
		slog.String("group_id", cfg.GroupID),
		slog.Bool("terminal", cfg.EnableTerminal),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := chat.NewMetrics(reg)

	manager := chat.NewManager(chat.ManagerConfig{
		Endpoint:          cfg.Endpoint,
		ConversationID:    cfg.GroupID,
		ViewerID:          cfg.UserID,
		ReconnectMin:      cfg.ReconnectMin,
		ReconnectMax:      cfg.ReconnectMax,
		MaxAttempts:       cfg.MaxReconnectAttempts,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SendRate:          cfg.SendRate,
		SendBurst:         cfg.SendBurst,
		Logger:            logger.With(slog.String("service", "connection")),
		Metrics:           metrics,
	})

	outcomes := make(chan reconcile.Outcome, 64)

	client := chat.NewClient(chat.Config{
		Manager:    manager,
		ViewerID:   cfg.UserID,
		EchoWindow: cfg.EchoWindow,
		AckTimeout: cfg.AckTimeout,
		OnOutcome: func(o reconcile.Outcome) {
			select {
			case outcomes <- o:
			default:
				logger.Warn("outcome dropped", slog.String("token", o.Mutation.Token))
			}
		},
		Logger:  logger,
		Metrics: metrics,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := client.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})

	if cfg.EnableTerminal {
		term := &terminal{
			chat:     client,
			renderer: render.New(os.Stdout, client.Store(), render.WithViewer(client.ViewerID)),
			out:      os.Stdout,
			logger:   logger,
		}

		g.Go(func() error {
			return term.follow(gctx)
		})

		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case o := <-outcomes:
					if err := term.printf("%s", render.Outcome(o)); err != nil {
						return err
					}
				}
			}
		})

		g.Go(func() error {
			if err := term.run(gctx, os.Stdin); err != nil {
				return err
			}

			// Stdin closed: keep syncing for the MCP front end if it runs.
			if !cfg.EnableMCP {
				return errQuit
			}

			return nil
		})
	} else {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case o := <-outcomes:
					logger.Info("mutation settled", slog.String("outcome", render.Outcome(o)))
				}
			}
		})
	}

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, client, reg, logger)
		})
	}

	return g.Wait()
}

// runMCP starts the MCP HTTP server.
func runMCP(ctx context.Context, cfg *config.Config, client *chat.Client, reg *prometheus.Registry, logger *slog.Logger) error {
	entries, err := cfg.ParseMCPAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing MCP API keys: %w", err)
	}

	keys := make([]auth.APIKey, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, auth.APIKey{UserID: e.UserID, Hash: []byte(e.Hash)})
	}

	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chat-sync-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, client, mcpLogger)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Store:      auth.NewStore(keys),
		MCPHandler: mcpHandler,
		Gatherer:   reg,
		Health: func() server.Health {
			return server.Health{State: client.State().String(), Ready: client.Ready()}
		},
		Logger: mcpLogger,
	})

	srv := &http.Server{
		Addr:         cfg.MCPListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Int("keys", len(keys)),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
