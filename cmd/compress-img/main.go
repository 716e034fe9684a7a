package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"compress-img-go/internal/batch"
	"compress-img-go/internal/compressor"
	"compress-img-go/internal/config"
	"compress-img-go/internal/logger"
	"compress-img-go/internal/metadata"
	"compress-img-go/internal/progress"
	"compress-img-go/internal/session"
	"compress-img-go/internal/statistics"
	"compress-img-go/internal/web"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile      string
	verbose      bool
	quiet        bool
	outputPath   string
	maxWidth     int
	minSize      int
	encoderName  string
	showProgress bool
	targetDir    string
	workers      int
	jsonOutput   bool
	port         int
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "compress-img",
	Short: "Shrink images into a target size band",
	Long: `compress-img re-encodes images as JPEG, lowering the quality step by step
until the output is smaller than the original but not below a minimum size.

Features:
- Resizes to a maximum width before encoding
- Fixed-step quality descent with a quality floor
- imaging and jpegli JPEG encoders
- Batch mode with a worker pool and EXIF marking
- HTTP API with live WebSocket events`,
	SilenceUsage: true,
}

// compressCmd compresses one file.
var compressCmd = &cobra.Command{
	Use:   "compress <file>",
	Short: "Compress a single image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompress(cmd.Context(), args[0])
	},
}

// batchCmd compresses files and directories.
var batchCmd = &cobra.Command{
	Use:   "batch <paths...>",
	Short: "Compress every supported image under the given paths",
	Long: `Walks the given files and directories and compresses every image with a
supported extension. Outputs are written as <prefix><name>.jpg next to the
input or into --target. When the compressed file would not be smaller, the
original is copied instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatch(cmd.Context(), args)
	},
}

// inspectCmd prints image and EXIF information.
var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Show dimensions, type and EXIF metadata of an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(args[0])
	},
}

// serveCmd starts the HTTP API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Starts an HTTP server holding one selection session:

  POST /api/images     upload an image (multipart field "file")
  POST /api/cancel     cancel the active run
  GET  /api/status     current session state
  GET  /api/result     download the compressed image
  GET  /api/original   download the original image
  GET  /api/statistics run statistics
  GET  /ws             live session events`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	compressCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default: compressed_<name>.jpg next to the input)")
	compressCmd.Flags().IntVar(&maxWidth, "max-width", 0, "resize width in pixels")
	compressCmd.Flags().IntVar(&minSize, "min-size", -1, "minimum output size in bytes")
	compressCmd.Flags().StringVar(&encoderName, "encoder", "", "JPEG encoder: imaging or jpegli")
	compressCmd.Flags().BoolVar(&showProgress, "progress", false, "show the progress bar before compressing")

	batchCmd.Flags().StringVar(&targetDir, "target", "", "output directory (default: next to each input)")
	batchCmd.Flags().IntVar(&workers, "workers", 0, "number of worker goroutines")
	batchCmd.Flags().StringVar(&encoderName, "encoder", "", "JPEG encoder: imaging or jpegli")

	inspectCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")

	serveCmd.Flags().IntVar(&port, "port", 0, "port to run the server on (default from config)")

	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(serveCmd)
}

// runCompress compresses one file, optionally behind the progress bar.
func runCompress(ctx context.Context, inputPath string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if maxWidth > 0 {
		cfg.Compression.MaxWidth = maxWidth
	}
	if minSize >= 0 {
		cfg.Compression.MinTargetSizeBytes = minSize
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := setupLogger(cfg)
	ctrl, err := newController(cfg, log)
	if err != nil {
		return err
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	asset, err := compressor.ReadAsset(f, filepath.Base(inputPath), "", 0)
	f.Close()
	if err != nil {
		return err
	}

	var res *compressor.Result
	if showProgress {
		res, err = compressWithProgress(ctx, cfg, log, ctrl, asset)
	} else {
		res, err = ctrl.Compress(ctx, asset, cfg.CompressorConfig(), nil)
	}
	if err != nil {
		return fmt.Errorf("compression failed: %w", err)
	}

	out := outputPath
	if out == "" {
		out = filepath.Join(filepath.Dir(inputPath), asset.CompressedName())
	}
	if err := os.WriteFile(out, res.Blob, 0644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if !quiet {
		fmt.Printf("%s -> %s\n", inputPath, out)
		fmt.Printf("  %dx%d -> %dx%d\n", res.OriginalWidth, res.OriginalHeight, res.Width, res.Height)
		fmt.Printf("  %s -> %s at quality %.2f after %d attempt(s)\n",
			statistics.FormatBytes(int64(res.OriginalSize)),
			statistics.FormatBytes(int64(res.SizeBytes)),
			res.QualityUsed, res.Attempts)
		for _, d := range res.Diagnostics {
			fmt.Printf("  note: %s\n", d)
		}
	}
	return nil
}

// compressWithProgress drives a session so the progress bar runs first.
func compressWithProgress(ctx context.Context, cfg *config.Config, log *logrus.Logger, ctrl *compressor.Controller, asset *compressor.ImageAsset) (*compressor.Result, error) {
	events := make(chan session.Event, 64)
	s := session.New(ctrl, session.Options{
		Config:   cfg.CompressorConfig(),
		Ticker:   progress.NewTicker(cfg.Progress.Interval, cfg.Progress.Step),
		Logger:   log,
		Listener: func(ev session.Event) { events <- ev },
	})

	runID := s.Select(asset)
	for {
		select {
		case <-ctx.Done():
			s.Cancel()
			return nil, ctx.Err()
		case ev := <-events:
			if ev.RunID != runID {
				continue
			}
			switch ev.Type {
			case session.EventProgress:
				if !quiet {
					fmt.Fprintf(os.Stderr, "\r[%-20s] %3d%% %s", strings.Repeat("#", ev.Progress.Percent/5), ev.Progress.Percent, ev.Progress.SpeedLabel)
				}
			case session.EventAttempt:
				log.Debugf("Attempt %d at quality %.2f: %d bytes", ev.Attempt.Index+1, ev.Attempt.Quality, ev.Attempt.SizeBytes)
			case session.EventCompleted:
				if !quiet {
					fmt.Fprintln(os.Stderr)
				}
				return ev.Result, nil
			case session.EventFailed:
				if !quiet {
					fmt.Fprintln(os.Stderr)
				}
				return nil, fmt.Errorf("%s error: %s", ev.Failure.Kind, ev.Failure.Message)
			}
		}
	}
}

// runBatch compresses files and directories with a worker pool.
func runBatch(ctx context.Context, paths []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if workers > 0 {
		cfg.Batch.WorkerThreads = workers
	}

	log := setupLogger(cfg)
	ctrl, err := newController(cfg, log)
	if err != nil {
		return err
	}

	var marker batch.Marker
	if cfg.Batch.MarkOutput {
		m, err := metadata.NewExiftoolMarker()
		if err != nil {
			log.Warnf("Output marking disabled: %v", err)
		} else {
			marker = m
		}
	}

	stats := statistics.NewStatistics()
	runner := batch.NewRunner(ctrl, marker, stats, log)
	results, err := runner.Run(ctx, batch.Params{
		InputPaths:   paths,
		TargetDir:    targetDir,
		Extensions:   cfg.Batch.SupportedExtensions,
		Workers:      cfg.Batch.WorkerThreads,
		OutputPrefix: cfg.Batch.OutputPrefix,
		SkipMarked:   cfg.Batch.SkipMarked,
		Config:       cfg.CompressorConfig(),
	})
	stats.Finalize()
	if err != nil {
		return fmt.Errorf("batch failed: %w", err)
	}

	if !quiet {
		for _, r := range results {
			switch r.Action {
			case batch.ActionCompressed:
				fmt.Printf("%-10s %s -> %s (%.1f%% saved)\n", r.Action, r.InputPath, r.OutputPath, r.PercentageSaved)
			case batch.ActionError:
				fmt.Printf("%-10s %s: %s\n", r.Action, r.InputPath, r.Message)
			default:
				fmt.Printf("%-10s %s\n", r.Action, r.InputPath)
			}
		}
		fmt.Println("\n" + stats.GetSummary())
		if stats.RunsFailed > 0 {
			fmt.Println("\n" + stats.GetErrorSummary())
		}
	}
	return nil
}

// runInspect prints what the decoder and the EXIF reader see.
func runInspect(filePath string) error {
	if !fileExists(filePath) {
		return fmt.Errorf("file does not exist: %s", filePath)
	}

	info, err := metadata.DescribeFile(filePath)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	fmt.Printf("File:        %s\n", filePath)
	fmt.Printf("Type:        %s (%s)\n", info.MIMEType, info.Format)
	fmt.Printf("Dimensions:  %dx%d\n", info.Width, info.Height)
	fmt.Printf("Size:        %s\n", statistics.FormatBytes(int64(info.SizeBytes)))
	if !info.HasEXIF {
		fmt.Println("EXIF:        none")
		return nil
	}
	fmt.Printf("Camera:      %s %s\n", info.Make, info.Model)
	fmt.Printf("Software:    %s\n", info.Software)
	fmt.Printf("Orientation: %d\n", info.Orientation)
	if info.DateTaken != nil {
		fmt.Printf("Taken:       %s\n", info.DateTaken.Format("2006-01-02 15:04:05"))
	}
	if strings.Contains(info.Software, metadata.SoftwareMark) {
		fmt.Println("Marked:      yes")
	}
	return nil
}

// runServe starts the web server and handles graceful shutdown.
func runServe(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = port
	}

	log := setupLogger(cfg)
	ctrl, err := newController(cfg, log)
	if err != nil {
		return err
	}
	server := web.NewServer(cfg, log, ctrl)

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if !quiet {
		fmt.Printf("compress-img API listening on http://localhost:%d\n", cfg.Server.Port)
		fmt.Printf("Press Ctrl+C to stop the server\n\n")
	}

	select {
	case <-cmd.Context().Done():
	case err := <-errChan:
		return fmt.Errorf("server failed: %w", err)
	}
	log.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// loadConfig loads configuration and applies the shared CLI overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	if encoderName != "" {
		cfg.Compression.Encoder = encoderName
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func newController(cfg *config.Config, log *logrus.Logger) (*compressor.Controller, error) {
	enc, err := compressor.NewEncoder(cfg.Compression.Encoder)
	if err != nil {
		return nil, err
	}
	return compressor.NewController(compressor.NewImagingResizer(), enc, log), nil
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := logger.DefaultConfig()
	if cfg.Logging.Level != "" {
		loggerCfg.Level = cfg.Logging.Level
	}
	loggerCfg.FilePath = cfg.Logging.FilePath
	if cfg.Logging.MaxSize > 0 {
		loggerCfg.MaxSize = cfg.Logging.MaxSize
	}
	if cfg.Logging.MaxBackups > 0 {
		loggerCfg.MaxBackups = cfg.Logging.MaxBackups
	}
	if cfg.Logging.MaxAge > 0 {
		loggerCfg.MaxAge = cfg.Logging.MaxAge
	}
	loggerCfg.Compress = cfg.Logging.Compress
	loggerCfg.Console = verbose

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

// fileExists returns true if the given path exists and is a file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
