package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/toeic/internal/catalog"
	"github.com/pavelanni/toeic/internal/handler"
	appI18n "github.com/pavelanni/toeic/internal/i18n"
	"github.com/pavelanni/toeic/internal/llm"
	"github.com/pavelanni/toeic/internal/llm/prompts"
	"github.com/pavelanni/toeic/internal/model"
	"github.com/pavelanni/toeic/internal/session"
	"github.com/pavelanni/toeic/internal/store"
)

func main() {
	// A missing .env file is fine; real environment variables still apply.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "toeic",
		Short: "TOEIC Speaking & Writing exam simulator",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd(), catalogCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `toeic --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP exam server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "toeic.db", "SQLite database path (snapshots and graded results)")
	f.String("redis-url", "", "Keep exam snapshots in Redis instead of SQLite (redis://host:port/db)")
	f.Duration("redis-ttl", 24*time.Hour, "Expiry of idle snapshots in Redis (0 = never)")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("transcribe-model", "whisper-1", "Speech-to-text model name")
	f.String("prompt-variant", string(prompts.PromptStandard), "Grading prompt variant (strict, standard, lenient)")
	f.StringP("lang", "l", "en", "Default language for messages (en, vi)")
	f.StringSliceP("catalog", "c", nil, "Catalog JSON files replacing the built-in catalog of their exam type (repeatable)")
	f.Duration("tick-interval", time.Second, "How often countdowns are checked")
	f.Duration("session-idle-ttl", time.Hour, "Drop sessions unused for this long from memory; they reload on next use (0 = never)")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /toeic)")
	f.StringSlice("allowed-origins", nil, "Browser origins allowed to call the API (CORS)")
	f.Bool("skip-llm-check", false, "Start even if the LLM endpoint is unreachable")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export graded exam results as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "toeic.db", "SQLite database path")
	f.String("exam-type", "", "Only export this exam type (speaking, writing)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog <speaking|writing>",
		Short: "Print the effective question catalog",
		Args:  cobra.ExactArgs(1),
		RunE:  runCatalog,
	}
	f := cmd.Flags()
	f.StringSliceP("catalog", "c", nil, "Catalog JSON override files (repeatable)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "warn", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("TOEIC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("toeic")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/toeic")
	v.AddConfigPath("/etc/toeic")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cats, err := catalog.Load(v.GetStringSlice("catalog"))
	if err != nil {
		return fmt.Errorf("load catalogs: %w", err)
	}

	// Open database.
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if n, err := db.StateCount(ctx); err == nil && n > 0 {
		slog.Info("found persisted exam snapshots", "count", n)
	}

	// Snapshots go to Redis when configured, otherwise to SQLite.
	var kv session.KV = db
	if url := v.GetString("redis-url"); url != "" {
		rs, err := store.NewRedis(ctx, url, v.GetDuration("redis-ttl"))
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rs.Close()
		kv = rs
	}

	// Initialize i18n.
	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	// Create LLM client.
	promptVariant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(promptVariant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", promptVariant)
		promptVariant = string(prompts.PromptStandard)
	}
	llmClient, err := llm.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
		v.GetString("transcribe-model"),
		promptVariant,
	)
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}
	if err := llmClient.Ping(ctx); err != nil {
		if !v.GetBool("skip-llm-check") {
			return fmt.Errorf("LLM health check: %w", err)
		}
		slog.Warn("LLM endpoint unreachable, grading will use fallback results", "error", err)
	} else {
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
	}
	if err := db.SetMetadata(ctx, store.MetaPromptVariant, promptVariant); err != nil {
		return fmt.Errorf("record prompt variant: %w", err)
	}
	if err := db.SetMetadata(ctx, store.MetaCatalogSource, catalogSource(v.GetStringSlice("catalog"))); err != nil {
		return fmt.Errorf("record catalog source: %w", err)
	}

	// Normalize base path.
	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	examCfg := model.ExamConfig{
		BasePath:      basePath,
		PromptVariant: promptVariant,
		TickInterval:  v.GetDuration("tick-interval"),
	}
	if examCfg.TickInterval <= 0 {
		examCfg.TickInterval = time.Second
	}

	mgr := session.NewManager(session.Deps{
		Catalogs:    cats,
		Store:       kv,
		Grader:      llmClient,
		Transcriber: llmClient,
		Archive:     db,
		IdleTTL:     v.GetDuration("session-idle-ttl"),
	})
	go mgr.Run(ctx, examCfg.TickInterval)

	h := handler.New(mgr, db, examCfg)
	srv := &http.Server{
		Addr:              v.GetString("addr"),
		Handler:           h.Router(v.GetStringSlice("allowed-origins")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("starting server",
		"addr", srv.Addr,
		"model", v.GetString("llm-model"),
		"llm_url", v.GetString("llm-url"),
		"lang", lang,
		"prompt_variant", promptVariant,
		"redis", v.GetString("redis-url") != "",
		"tick_interval", examCfg.TickInterval,
		"session_idle_ttl", v.GetDuration("session-idle-ttl"),
		"base_path", basePath,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	examType := model.ExamType(v.GetString("exam-type"))
	if examType != "" && !examType.Valid() {
		return fmt.Errorf("invalid exam type %q", examType)
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportResults(cmd.Context(), examType)
	if err != nil {
		return fmt.Errorf("export results: %w", err)
	}
	slog.Info("exporting results", "count", len(export.Results), "exam_type", examType)
	return writeOutput(v.GetString("output"), export)
}

func runCatalog(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	cats, err := catalog.Load(v.GetStringSlice("catalog"))
	if err != nil {
		return fmt.Errorf("load catalogs: %w", err)
	}
	cat, err := cats.Get(model.ExamType(args[0]))
	if err != nil {
		return err
	}
	return writeOutput(v.GetString("output"), cat)
}

func writeOutput(outPath string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)
	return nil
}

func catalogSource(paths []string) string {
	if len(paths) == 0 {
		return "built-in"
	}
	return strings.Join(paths, ",")
}
