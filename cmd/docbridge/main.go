package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/woxQAQ/docbridge/internal/config"
	"github.com/woxQAQ/docbridge/internal/converter"
	"github.com/woxQAQ/docbridge/internal/formats"
	"github.com/woxQAQ/docbridge/internal/logging"
	"github.com/woxQAQ/docbridge/internal/service"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// A missing .env is fine; settings then come from the config file
	// and the environment.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	if len(os.Args) > 1 && os.Args[1] == service.WorkerCommand {
		err = runWorker(ctx, os.Args[2:])
	} else {
		err = runConvert(ctx, os.Args[1:])
	}
	if err != nil {
		color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "error: ")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(configPath string, worker bool) (*config.ServerConfig, *zap.Logger, func() error, error) {
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, closeLog, err := logging.New(service.LoggingOptions(cfg, worker))
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, closeLog, nil
}

// runWorker serves one process-isolated host over stdin and stdout.
func runWorker(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet(service.WorkerCommand, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, closeLog, err := setup(*configPath, true)
	if err != nil {
		return err
	}
	defer closeLog()

	logger = logger.With(zap.Int("pid", os.Getpid()))
	logger.Debug("Worker process started")
	return service.RunWorker(ctx, cfg, os.Stdin, os.Stdout, logger)
}

func runConvert(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("docbridge", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	inputPath := fs.String("input", "", "Document to convert")
	outputPath := fs.String("output", "", "Output file (default: input name with the target extension)")
	to := fs.String("to", "pdf", "Target format")
	from := fs.String("from", "", "Source format (default: from the input name or content)")
	filter := fs.String("filter", "", "Raw export filter options")
	pdfa := fs.String("pdfa", "", "PDF/A level for PDF output (PDF/A-1b, PDF/A-2b, PDF/A-3b)")
	quality := fs.Int("quality", 0, "JPEG quality for PDF output (1-100)")
	listFormats := fs.Bool("formats", false, "List output formats and exit")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		fmt.Printf("docbridge %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}
	if *listFormats {
		printFormats(formats.NewDefaultRegistry(zap.NewNop()))
		return nil
	}
	if *inputPath == "" {
		fs.Usage()
		return errors.New("-input is required")
	}

	cfg, logger, closeLog, err := setup(*configPath, false)
	if err != nil {
		return err
	}
	defer closeLog()

	logger.Info("Starting docbridge",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("date", date),
	)

	input, err := os.ReadFile(*inputPath)
	if err != nil {
		return err
	}

	svc, err := service.New(cfg, *configPath, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Host.DestroyTimeout+time.Second)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			logger.Warn("Failed to shut down cleanly", zap.Error(err))
		}
	}()

	if cfg.MetricsEnabled {
		srv := serveMetrics(cfg.MetricsPort, svc, logger)
		defer srv.Close()
	}

	if err := svc.Start(ctx); err != nil {
		return err
	}

	opts := converter.Options{
		InputFormat:   *from,
		OutputFormat:  *to,
		FilterOptions: *filter,
	}
	if *pdfa != "" || *quality != 0 {
		opts.PDF = &formats.PDFOptions{PDFALevel: *pdfa, Quality: *quality}
	}

	res, err := svc.Convert(ctx, input, opts, filepath.Base(*inputPath))
	if err != nil {
		return err
	}

	dest := *outputPath
	if dest == "" {
		dest = filepath.Join(filepath.Dir(*inputPath), res.Filename)
	}
	if err := os.WriteFile(dest, res.Data, 0o644); err != nil {
		return err
	}

	color.New(color.FgGreen, color.Bold).Print("converted ")
	fmt.Printf("%s -> %s ", *inputPath, dest)
	color.New(color.Faint).Printf("(%s, %d bytes, %s)\n", res.MimeType, len(res.Data), res.Duration.Round(time.Millisecond))
	return nil
}

func serveMetrics(port int, svc *service.Service, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", svc.MetricsHandler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()
	logger.Info("Serving metrics", zap.String("addr", srv.Addr))
	return srv
}

func printFormats(registry *formats.Registry) {
	heading := color.New(color.FgCyan, color.Bold)
	for _, family := range formats.Families() {
		heading.Println(family)
		for _, f := range registry.LookupByFamily(family) {
			fmt.Printf("  %-6s %s\n", f.Name, f.MimeType)
		}
	}
}
