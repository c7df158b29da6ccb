package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/kalambet/seedload/internal/api"
	"github.com/kalambet/seedload/internal/config"
	"github.com/kalambet/seedload/internal/ingest"
	"github.com/kalambet/seedload/internal/objectstore"
	"github.com/kalambet/seedload/internal/storage"
	"github.com/kalambet/seedload/internal/trigger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and ingestion worker (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running seedload server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show seedload server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "seedload.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "seedload version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, closeLog := config.SetupLogger(cfg.Log)
	defer closeLog()
	slog.SetDefault(logger)

	apiToken := cfg.Server.APIToken
	if apiToken == "" {
		apiToken, err = config.GetAPIToken(config.NewSecretStore())
		if err != nil {
			return fmt.Errorf("initializing API token: %w", err)
		}
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("seedload is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("seedload is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	objects, err := objectstore.New(ctx, objectConfig(cfg))
	if err != nil {
		return fmt.Errorf("opening object storage: %w", err)
	}

	sources, closeSources, err := buildSources(ctx, cfg, objects, logger)
	if err != nil {
		return err
	}
	defer closeSources()

	worker := ingest.NewWorker(ingest.WorkerConfig{
		Objects:              objects,
		Records:              store,
		Runs:                 store,
		BatchSize:            cfg.Ingest.BatchSize,
		MarkUnreadableFailed: cfg.Ingest.MarkUnreadableFailed,
		Logger:               logger.With("component", "ingest"),
	})
	dispatcher := trigger.NewDispatcher(trigger.DispatcherConfig{
		Ingester:      worker,
		MaxConcurrent: cfg.Trigger.MaxConcurrentRuns,
		Logger:        logger.With("component", "trigger"),
	})
	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()
	dispatchErr := make(chan error, 1)
	go func() {
		dispatchErr <- dispatcher.Run(dispatchCtx, sources...)
	}()
	slog.Info("ingestion trigger started", "source", cfg.Trigger.Source, "bucket", cfg.Object.Bucket)

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store}, version)
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewHandler(api.Deps{
			Store:  store,
			Token:  apiToken,
			Events: dispatcher,
			Logger: logger.With("component", "api"),
		}),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "seedload listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	case err := <-dispatchErr:
		dispatchErr = nil
		if err != nil {
			runErr = fmt.Errorf("ingestion trigger: %w", err)
		}
	}

	if err := stopServing(srv, stopDispatch, dispatchErr); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// stopServing shuts the HTTP server down first so no webhook is accepted
// after the dispatcher starts draining, then stops the dispatcher and waits
// for its in-flight and queued runs. A nil dispatchErr means the dispatcher
// has already returned.
func stopServing(srv shutdowner, stopDispatch context.CancelFunc, dispatchErr <-chan error) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := srv.Shutdown(shutdownCtx)

	stopDispatch()
	if dispatchErr != nil {
		slog.Info("waiting for in-flight ingestion runs")
		if err := <-dispatchErr; err != nil {
			return fmt.Errorf("ingestion trigger: %w", err)
		}
	}
	return shutdownErr
}

// buildSources returns the notification sources for the configured trigger.
// The webhook trigger needs none; events arrive through POST /events/s3.
func buildSources(ctx context.Context, cfg config.Config, objects objectstore.Store, logger *slog.Logger) ([]trigger.Source, func(), error) {
	noop := func() {}
	switch cfg.Trigger.Source {
	case config.TriggerListen:
		mc, ok := objects.(*objectstore.MinioStore)
		if !ok {
			return nil, noop, fmt.Errorf("trigger %q requires the minio object backend", cfg.Trigger.Source)
		}
		if err := mc.EnsureBucket(ctx, cfg.Object.Bucket); err != nil {
			return nil, noop, fmt.Errorf("preparing bucket: %w", err)
		}
		src := trigger.NewMinioSource(mc, cfg.Object.Bucket, cfg.Object.KeyPrefix+"/", logger.With("component", "listen"))
		return []trigger.Source{src}, noop, nil

	case config.TriggerRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Trigger.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, noop, fmt.Errorf("connecting to redis at %s: %w", cfg.Trigger.RedisAddr, err)
		}
		src := trigger.NewRedisSource(rdb, cfg.Trigger.RedisKey, logger.With("component", "redis"))
		return []trigger.Source{src}, func() { rdb.Close() }, nil

	default:
		return nil, noop, nil
	}
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("seedload is not running (no PID file)")
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return nil
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop seedload (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return nil
	}

	printSuccess("Sent stop signal to seedload (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	hc := &http.Client{Timeout: 2 * time.Second}
	resp, err := hc.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Object backend", "%s (%s)", cfg.Object.Backend, cfg.Object.Endpoint)
	printStatus("Bucket", "%s/%s", cfg.Object.Bucket, cfg.Object.KeyPrefix)
	printStatus("Trigger", "%s", cfg.Trigger.Source)
	printStatus("Batch size", "%d", cfg.Ingest.BatchSize)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
