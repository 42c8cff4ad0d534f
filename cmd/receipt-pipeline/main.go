package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/zombor/receipt-pipeline/internal/batch"
	"github.com/zombor/receipt-pipeline/internal/catalog"
	"github.com/zombor/receipt-pipeline/internal/learning"
	"github.com/zombor/receipt-pipeline/internal/predict"
	"github.com/zombor/receipt-pipeline/internal/preprocess"
	"github.com/zombor/receipt-pipeline/internal/receipt"
	"github.com/zombor/receipt-pipeline/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("receipt-pipeline")
	var (
		port            = fs.IntLong("port", 8080, "HTTP server port")
		dbPath          = fs.StringLong("db", "receipt-pipeline.db", "Database file path")
		storagePath     = fs.StringLong("storage", "./receipts", "Storage directory path")
		backendList     = fs.StringLong("backends", "tesseract,gemini", "Comma separated text backends: tesseract, ocrspace, gemini, ollama")
		tesseractBin    = fs.StringLong("tesseract-bin", "tesseract", "Path to the tesseract binary")
		tesseractLang   = fs.StringLong("tesseract-lang", "eng", "Tesseract language")
		ocrSpaceKey     = fs.StringLong("ocrspace-key", "", "OCR.space API key")
		ocrSpaceURL     = fs.StringLong("ocrspace-url", "", "OCR.space endpoint (defaults to the public API)")
		geminiKey       = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel     = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL       = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel     = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, llava-phi3, qwen2-vl)")
		maxDimension    = fs.IntLong("max-dimension", preprocess.DefaultMaxDimension, "Longest image side after resizing")
		catalogPath     = fs.StringLong("catalog", "", "YAML file with extra merchants, categories and templates")
		retrainInterval = fs.DurationLong("retrain-interval", time.Hour, "How often user models are retrained (0 disables)")
		batchDir        = fs.StringLong("batch-dir", "", "Process every receipt in this directory once and exit")
		batchUser       = fs.StringLong("user", "cli", "User ID for --batch-dir runs")
		outPath         = fs.StringLong("out", "", "Write the --batch-dir result to this XLSX file")
		maxConcurrent   = fs.IntLong("max-concurrent", 5, "Concurrent receipts per --batch-dir run")
		authUser        = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass        = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion     = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_PIPELINE"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	slog.Info("Initializing database...")
	db, err := receipt.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize text backends
	apiKey := *geminiKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	backends, err := newBackends(ctx, strings.Split(*backendList, ","), backendOptions{
		tesseractBin:  *tesseractBin,
		tesseractLang: *tesseractLang,
		ocrSpaceKey:   *ocrSpaceKey,
		ocrSpaceURL:   *ocrSpaceURL,
		geminiKey:     apiKey,
		geminiModel:   *geminiModel,
		ollamaURL:     *ollamaURL,
		ollamaModel:   *ollamaModel,
	})
	if err != nil {
		slog.Error("Failed to initialize text backends", "error", err)
		os.Exit(1)
	}

	ensemble := scanning.NewEnsemble(backends, db.Transcripts(), scanning.DefaultTemplates(), scanning.EnsembleConfig{})
	defer ensemble.Close()

	registry := predict.DefaultRegistry()
	if *catalogPath != "" {
		f, err := catalog.Load(*catalogPath)
		if err != nil {
			slog.Error("Failed to load catalog", "path", *catalogPath, "error", err)
			os.Exit(1)
		}
		if err := f.Apply(registry, ensemble.Templates()); err != nil {
			slog.Error("Failed to apply catalog", "path", *catalogPath, "error", err)
			os.Exit(1)
		}
	}

	learner := learning.NewStore(db.Models())
	predictor := predict.NewPredictor(registry, learner)
	scheduler := batch.NewScheduler(preprocess.New(*maxDimension), ensemble, predictor, learner)

	// Initialize storage
	slog.Info("Initializing storage...")
	store, err := receipt.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	// Initialize service
	receiptService := receipt.NewService(db, scheduler, learner, store)

	if *batchDir != "" {
		cfg := batch.DefaultConfig()
		cfg.MaxConcurrent = *maxConcurrent
		if err := runDirectory(ctx, receiptService, *batchDir, *batchUser, *outPath, cfg); err != nil {
			slog.Error("Batch run failed", "dir", *batchDir, "error", err)
			os.Exit(1)
		}
		return
	}

	if *retrainInterval > 0 {
		go learner.RunRetrainer(ctx, *retrainInterval)
	}

	// Initialize server
	basicAuth := receipt.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := receipt.NewServer(receiptService, basicAuth)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "backends", *backendList)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	<-ctx.Done()

	stats := ensemble.Stats()
	slog.Info("Shutting down...", "processed", stats.Processed, "cache_hits", stats.CacheHits, "average_cost", stats.AverageCost)
}
