// Command traceboard runs the local observability dashboard: serve
// starts the API server over an existing or new trace store, clean
// wipes the store, and export writes the corpus to JSON or CSV.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/traceboard/traceboard/internal/api"
	"github.com/traceboard/traceboard/internal/config"
	"github.com/traceboard/traceboard/internal/export"
	"github.com/traceboard/traceboard/internal/observability"
	"github.com/traceboard/traceboard/internal/store"
	"github.com/traceboard/traceboard/internal/version"
)

const defaultConfigPath = "traceboard.yaml"

const (
	otelShutdownTimeout     = 5 * time.Second
	serverShutdownTimeout   = 5 * time.Second
	serverReadHeaderTimeout = 10 * time.Second
	serverIdleTimeout       = 2 * time.Minute
)

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runServe(nil)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "serve", "ui":
		return runServe(args[1:])
	case "clean":
		return runClean(args[1:], os.Stdin, os.Stdout, os.Stderr)
	case "export":
		return runExport(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

type serveFlags struct {
	configPath string
	host       string
	port       int
	dbPath     string
}

func parseServeFlags(args []string, errOut io.Writer) (serveFlags, error) {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	flags := serveFlags{}
	flagSet.StringVar(&flags.configPath, "config", defaultConfigPath, "Path to config file")
	flagSet.StringVar(&flags.host, "host", "", "Host to bind to (overrides config)")
	flagSet.IntVar(&flags.port, "port", 0, "Port to serve on (overrides config)")
	flagSet.StringVar(&flags.dbPath, "db", "", "Path to the trace database (overrides config)")
	if err := flagSet.Parse(args); err != nil {
		return serveFlags{}, err
	}
	return flags, nil
}

func runServe(args []string) int {
	flags, err := parseServeFlags(args, os.Stderr)
	if err != nil {
		return 2
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	if flags.host != "" {
		cfg.Server.Host = flags.host
	}
	if flags.port != 0 {
		cfg.Server.Port = flags.port
	}
	if flags.dbPath != "" {
		cfg.Storage.Path = flags.dbPath
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config is invalid: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime)
	}

	traceStore, err := store.Open(cfg.Storage.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open trace store: %v\n", err)
		return 1
	}
	defer func() {
		if err := traceStore.Close(); err != nil {
			logger.Error("failed to close trace store", "error", err)
		}
	}()

	// The writer handle above guarantees the file exists; reads go
	// through a separate non-blocking read-only connection.
	readStore, err := store.OpenReadOnly(cfg.Storage.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open trace store for reading: %v\n", err)
		return 1
	}
	defer func() {
		if err := readStore.Close(); err != nil {
			logger.Error("failed to close read-only trace store", "error", err)
		}
	}()

	handler := api.NewRouter(api.RouterOptions{
		AppVersion:   version.String(),
		Store:        traceStore,
		ReadStore:    readStore,
		StoragePath:  traceStore.Path(),
		FeedInterval: cfg.Feed.Interval(),
		Logger:       logger,
	})
	if otelRuntime != nil {
		handler = otelRuntime.WrapHTTPHandler(handler)
	}

	server := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           handler,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		IdleTimeout:       serverIdleTimeout,
	}

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"db_path", traceStore.Path(),
		"config_path", flags.configPath,
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("dashboard stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("dashboard failed", "error", err)
			return 1
		}
		return 0
	}
}

func runClean(args []string, in io.Reader, out, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("clean", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	dbPath := flagSet.String("db", "", "Path to the trace database (overrides config)")
	yes := flagSet.Bool("yes", false, "Skip the confirmation prompt")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	path, err := resolveDBPath(*configPath, *dbPath)
	if err != nil {
		fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		return 1
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(out, "No database found at %s\n", path)
		return 0
	}

	if !*yes && !confirm(in, out, "This will delete ALL trace data. Continue? [y/N] ") {
		fmt.Fprintln(out, "Aborted.")
		return 1
	}

	traceStore, err := store.Open(path)
	if err != nil {
		fmt.Fprintf(errOut, "failed to open trace store: %v\n", err)
		return 1
	}
	defer traceStore.Close()

	deleted, err := traceStore.DeleteAll(context.Background())
	if err != nil {
		fmt.Fprintf(errOut, "failed to delete traces: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "Deleted %d traces from %s\n", deleted, path)
	return 0
}

func runExport(args []string, out, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("export", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	dbPath := flagSet.String("db", "", "Path to the trace database (overrides config)")
	output := flagSet.String("output", "", "Output file path (default: stdout for JSON)")
	format := flagSet.String("format", "json", "Export format: json or csv")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	path, err := resolveDBPath(*configPath, *dbPath)
	if err != nil {
		fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	switch strings.ToLower(*format) {
	case "csv":
		target := *output
		if target == "" {
			target = "traceboard_export.csv"
		}
		if err := export.CSVToFile(ctx, path, target, nil, true); err != nil {
			fmt.Fprintf(errOut, "export failed: %v\n", err)
			return 1
		}
		fmt.Fprintf(out, "Exported traces to %s\n", target)
		return 0
	case "json":
		if *output != "" {
			if err := export.JSONToFile(ctx, path, *output, nil); err != nil {
				fmt.Fprintf(errOut, "export failed: %v\n", err)
				return 1
			}
			fmt.Fprintf(out, "Exported traces to %s\n", *output)
			return 0
		}
		traceStore, err := store.OpenReadOnly(path)
		if err != nil {
			fmt.Fprintf(errOut, "export failed: %v\n", err)
			return 1
		}
		defer traceStore.Close()
		doc, err := export.BuildDocument(ctx, traceStore, nil)
		if err != nil {
			fmt.Fprintf(errOut, "export failed: %v\n", err)
			return 1
		}
		if err := export.WriteJSON(out, doc); err != nil {
			fmt.Fprintf(errOut, "export failed: %v\n", err)
			return 1
		}
		return 0
	default:
		fmt.Fprintf(errOut, "format must be json or csv (got %q)\n", *format)
		return 2
	}
}

func resolveDBPath(configPath, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	return cfg.Storage.Path, nil
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), otelShutdownTimeout)
	defer cancel()
	if err := runtime.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown opentelemetry", "error", err)
	}
}

func printUsage(out *os.File) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  traceboard serve [--config path/to/traceboard.yaml] [--host HOST] [--port PORT] [--db PATH]")
	fmt.Fprintln(out, "  traceboard clean [--config path/to/traceboard.yaml] [--db PATH] [--yes]")
	fmt.Fprintln(out, "  traceboard export [--config path/to/traceboard.yaml] [--db PATH] [--output PATH] [--format json|csv]")
	fmt.Fprintln(out, "  traceboard version")
}
