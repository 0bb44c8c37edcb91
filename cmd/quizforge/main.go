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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/quizforge/internal/cache"
	"github.com/pavelanni/quizforge/internal/handler"
	appI18n "github.com/pavelanni/quizforge/internal/i18n"
	"github.com/pavelanni/quizforge/internal/llm"
	"github.com/pavelanni/quizforge/internal/llm/prompts"
	"github.com/pavelanni/quizforge/internal/model"
	"github.com/pavelanni/quizforge/internal/session"
	"github.com/pavelanni/quizforge/internal/store"
)

const (
	shutdownTimeout = 15 * time.Second
	pruneInterval   = 5 * time.Minute
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "quizforge",
		Short: "Study quizzes generated from your own documents",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd(), pruneCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `quizforge --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP quiz server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("store", "sqlite", "Session snapshot store (sqlite, redis, none)")
	f.String("db", "quizforge.db", "SQLite database path")
	f.String("redis-addr", "localhost:6379", "Redis address or redis:// URL")
	f.Duration("session-ttl", cache.DefaultTTL, "How long idle session snapshots are kept")
	f.Duration("idle-timeout", 30*time.Minute, "Unload sessions from memory after this long without requests")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("prompt-variant", string(prompts.PromptStandard), "Report prompt variant (strict, standard, lenient)")
	f.Int("batch-size", session.DefaultBatchSize, "Questions per quick-quiz batch")
	f.Duration("request-timeout", session.DefaultRequestTimeout, "Timeout for each LLM request")
	f.Duration("tick", time.Second, "Exam countdown step")
	f.StringP("lang", "l", "en", "Default UI language (en, ru)")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /quiz)")
	f.Bool("secure-cookies", true, "Set Secure flag on cookies")
	f.String("access-password", "", "Shared access password (or set QUIZFORGE_ACCESS_PASSWORD); empty disables it")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export persisted sessions as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "quizforge.db", "SQLite database path")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func pruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete session snapshots idle longer than a given age",
		RunE:  runPrune,
	}
	f := cmd.Flags()
	f.String("db", "quizforge.db", "SQLite database path")
	f.Duration("older-than", cache.DefaultTTL, "Delete snapshots not updated for this long")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
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

	v.SetEnvPrefix("QUIZFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("quizforge")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/quizforge")
	v.AddConfigPath("/etc/quizforge")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// snapshotBackend is the persistence chosen with --store.
type snapshotBackend struct {
	store    session.Store
	exporter handler.Exporter
	health   func(context.Context) error
	db       *store.Store
	close    func()
}

func openBackend(ctx context.Context, v *viper.Viper) (snapshotBackend, error) {
	switch kind := strings.ToLower(v.GetString("store")); kind {
	case "sqlite", "":
		db, err := store.New(v.GetString("db"))
		if err != nil {
			return snapshotBackend{}, fmt.Errorf("open database: %w", err)
		}
		return snapshotBackend{
			store:    db,
			exporter: db,
			health:   db.Ping,
			db:       db,
			close:    func() { _ = db.Close() },
		}, nil
	case "redis":
		client, err := cache.Dial(ctx, v.GetString("redis-addr"))
		if err != nil {
			return snapshotBackend{}, err
		}
		return snapshotBackend{
			store:  cache.NewSnapshotCache(client, v.GetDuration("session-ttl")),
			health: func(ctx context.Context) error { return client.Ping(ctx).Err() },
			close:  func() { _ = client.Close() },
		}, nil
	case "none":
		slog.Warn("session persistence disabled")
		return snapshotBackend{close: func() {}}, nil
	default:
		return snapshotBackend{}, fmt.Errorf("unknown store %q (want sqlite, redis or none)", kind)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	if err := prompts.Load(prompts.Templates); err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}

	backend, err := openBackend(ctx, v)
	if err != nil {
		return err
	}
	defer backend.close()

	promptVariant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(promptVariant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", promptVariant)
		promptVariant = string(prompts.PromptStandard)
	}
	llmClient := llm.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
		prompts.PromptVariant(promptVariant),
	)
	if err := llmClient.Ping(ctx); err != nil {
		return fmt.Errorf("LLM health check: %w", err)
	}
	slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))

	batchSize := v.GetInt("batch-size")
	if backend.db != nil {
		info := model.ServerInfo{
			LLMModel:      v.GetString("llm-model"),
			PromptVariant: promptVariant,
			BatchSize:     batchSize,
			StartedAt:     time.Now().UTC(),
		}
		if err := backend.db.SetServerInfo(ctx, info); err != nil {
			return fmt.Errorf("record server info: %w", err)
		}
	}

	var passwordHash []byte
	if password := v.GetString("access-password"); password != "" {
		passwordHash, err = bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash access password: %w", err)
		}
	}

	manager := session.NewManager(llmClient, session.Options{
		Store:          backend.store,
		BatchSize:      batchSize,
		TickInterval:   v.GetDuration("tick"),
		RequestTimeout: v.GetDuration("request-timeout"),
	})
	defer manager.Close()
	go pruneLoop(ctx, manager, backend.db, v.GetDuration("idle-timeout"), v.GetDuration("session-ttl"))

	// Normalize base path.
	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	h := handler.New(manager, backend.exporter, backend.health, handler.Config{
		BasePath:           basePath,
		SecureCookies:      v.GetBool("secure-cookies"),
		AccessPasswordHash: passwordHash,
	})

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware())

	if basePath != "" {
		r.Route(basePath, h.Routes)
		r.Get(basePath, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, basePath+"/", http.StatusMovedPermanently)
		})
	} else {
		h.Routes(r)
	}

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", addr,
			"store", v.GetString("store"),
			"model", v.GetString("llm-model"),
			"llm_url", v.GetString("llm-url"),
			"lang", lang,
			"batch_size", batchSize,
			"prompt_variant", promptVariant,
			"base_path", basePath,
			"access_password", len(passwordHash) > 0,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// pruneLoop unloads sessions idle longer than idle and, when db is set,
// deletes snapshots idle longer than ttl. It runs at startup and then every
// pruneInterval until ctx is done.
func pruneLoop(ctx context.Context, manager *session.Manager, db *store.Store, idle, ttl time.Duration) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		if idle > 0 {
			manager.Prune(idle)
		}
		if db != nil && ttl > 0 {
			n, err := db.PruneSnapshots(ctx, time.Now().Add(-ttl))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("prune snapshots", "error", err)
			} else if n > 0 {
				slog.Info("pruned idle session snapshots", "count", n)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportAllSessions(cmd.Context())
	if err != nil {
		return fmt.Errorf("export sessions: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
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

	_, err = w.Write(data)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	slog.Info("exported sessions", "count", len(export.Sessions))
	return nil
}

func runPrune(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	olderThan := v.GetDuration("older-than")
	if olderThan <= 0 {
		return fmt.Errorf("--older-than must be positive, got %s", olderThan)
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	n, err := db.PruneSnapshots(cmd.Context(), time.Now().Add(-olderThan))
	if err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	slog.Info("pruned session snapshots", "count", n, "older_than", olderThan)
	return nil
}
