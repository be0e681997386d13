package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	authhttp "github.com/PaulFidika/kcbridge/adapters/http"
	"github.com/PaulFidika/kcbridge/backend"
	"github.com/PaulFidika/kcbridge/core"
	pgmigrations "github.com/PaulFidika/kcbridge/migrations/postgres"
	oidckit "github.com/PaulFidika/kcbridge/oidc"
	"github.com/PaulFidika/kcbridge/riverjobs"
	filestore "github.com/PaulFidika/kcbridge/storage/file"
	memorystore "github.com/PaulFidika/kcbridge/storage/memory"
	redisstore "github.com/PaulFidika/kcbridge/storage/redis"
)

type serveConfig struct {
	ListenAddr     string
	DBURL          string
	RedisURL       string
	AppSecret      string
	AppTokenTTL    time.Duration
	MigrateOnStart bool
	PurgeCron      string
	RetentionDays  int
}

func main() {
	var (
		envFile  string
		logFile  string
		logLevel string
	)
	root := &cobra.Command{
		Use:           "kcbridge-devserver",
		Short:         "Keycloak identity bridge: reference exchange backend and CLI host",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			return setupLogging(logFile, logLevel)
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file read before the environment")
	root.PersistentFlags().StringVar(&logFile, "log-file", envOr("KCBRIDGE_LOG_FILE", ""), "also write logs to this rotated file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", envOr("KCBRIDGE_LOG_LEVEL", "info"), "logrus level")

	root.AddCommand(serveCmd(), migrateCmd(), interactiveCmd("login"), interactiveCmd("register"), probeCmd(), logoutCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		fatal(err)
	}
}

func setupLogging(file, level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	if file != "" {
		logrus.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		}))
	}
	return nil
}

func loadServeConfig() (*serveConfig, error) {
	c := &serveConfig{
		ListenAddr:     envOr("KCBRIDGE_LISTEN_ADDR", ":8080"),
		DBURL:          firstEnv("DB_URL", "DATABASE_URL"),
		RedisURL:       strings.TrimSpace(os.Getenv("REDIS_URL")),
		AppSecret:      strings.TrimSpace(os.Getenv("KCBRIDGE_APP_SECRET")),
		AppTokenTTL:    envDuration("KCBRIDGE_APP_TOKEN_TTL", backend.DefaultAppTokenTTL),
		MigrateOnStart: envBool("KCBRIDGE_MIGRATE_ON_START", true),
		PurgeCron:      envOr("KCBRIDGE_AUDIT_PURGE_CRON", "30 3 * * *"),
		RetentionDays:  envInt("KCBRIDGE_AUDIT_RETENTION_DAYS", 30),
	}
	if c.AppSecret == "" {
		return nil, fmt.Errorf("KCBRIDGE_APP_SECRET is required (at least 16 bytes)")
	}
	return c, nil
}

func serveCmd() *cobra.Command {
	var jobs bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the exchange endpoint under /api and the host surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServeConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, jobs)
		},
	}
	cmd.Flags().BoolVar(&jobs, "jobs", envBool("KCBRIDGE_JOBS", false), "run the exchange audit purge on River (requires DB_URL)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbURL := firstEnv("DB_URL", "DATABASE_URL")
			if dbURL == "" {
				return fmt.Errorf("DB_URL (or DATABASE_URL) is required")
			}
			return runMigrations(cmd.Context(), dbURL)
		},
	}
}

func runServe(ctx context.Context, cfg *serveConfig, jobs bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := logrus.StandardLogger()

	hostCfg, err := core.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !oidckit.IsFederationEnabled(hostCfg.Provider) {
		return fmt.Errorf("KEYCLOAK_URL is required to verify provider tokens")
	}

	var store backend.Store = backend.NewMemoryStore()
	var pg *pgxpool.Pool
	if cfg.DBURL != "" {
		if cfg.MigrateOnStart {
			if err := runMigrations(ctx, cfg.DBURL); err != nil {
				return err
			}
		}
		pg, err = pgxpool.New(ctx, cfg.DBURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pg.Close()
		store = backend.NewPostgresStore(pg)
	} else {
		log.Warn("DB_URL not set; users and audit rows are kept in memory")
	}

	minter, err := backend.NewMinter([]byte(cfg.AppSecret), "", cfg.AppTokenTTL)
	if err != nil {
		return err
	}
	bsvc := backend.NewService(backend.NewOIDCVerifier(hostCfg.Provider, nil), store, minter).WithLogger(log)

	rdb, err := openRedis(cfg.RedisURL)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	coord, err := hostCoordinator(hostCfg, rdb, log)
	if err != nil {
		return err
	}
	if st, err := coord.Start(core.WithTrigger(ctx, "boot")); err != nil {
		log.WithError(err).Warn("silent start")
	} else {
		log.WithField("state", st).Info("host session resolved")
	}
	svc := authhttp.NewService(coord, bsvc).WithLogger(log)
	if rdb != nil {
		svc.WithRedis(rdb)
	}

	if jobs {
		if pg == nil {
			return fmt.Errorf("--jobs requires DB_URL")
		}
		client, err := startJobs(ctx, pg, store, cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = client.Stop(stopCtx)
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/api/", http.StripPrefix("/api", svc.ExchangeHandler()))
	mux.Handle("/", svc.HostHandler())

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	log.WithField("addr", cfg.ListenAddr).Info("kcbridge devserver listening")
	return server.ListenAndServe()
}

func startJobs(ctx context.Context, pg *pgxpool.Pool, store backend.Store, cfg *serveConfig, log logrus.FieldLogger) (*river.Client[pgx.Tx], error) {
	workers := river.NewWorkers()
	riverjobs.RegisterPurgeExchangeAuditWorker(workers, store, log)
	client, err := river.NewClient(riverpgxv5.New(pg), &river.Config{
		Queues:  map[string]river.QueueConfig{river.QueueDefault: {MaxWorkers: 2}},
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("river client: %w", err)
	}
	args := riverjobs.PurgeExchangeAuditArgs{RetentionDays: cfg.RetentionDays}
	if err := riverjobs.AddPurgeExchangeAuditPeriodicJob(client, cfg.PurgeCron, args, false); err != nil {
		return nil, err
	}
	// River's own tables must already exist (river migrate-up).
	if err := client.Start(ctx); err != nil {
		return nil, fmt.Errorf("start river: %w", err)
	}
	return client, nil
}

func openRedis(raw string) (*redis.Client, error) {
	if raw == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(raw)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// hostCoordinator wires the process-wide provider handle and a coordinator over persistent
// stores: Redis when configured, otherwise a private file under the user's config dir.
func hostCoordinator(cfg core.Config, rdb *redis.Client, log logrus.FieldLogger) (*core.Coordinator, error) {
	var kv oidckit.KV
	var states oidckit.StateCache
	if rdb != nil {
		kv = redisstore.NewKV(rdb, "")
		states = redisstore.NewStateCache(rdb, "", 0)
	} else {
		path := cfg.StateDir
		if path == "" {
			p, err := filestore.DefaultPath()
			if err != nil {
				return nil, err
			}
			path = p
		} else {
			path = filepath.Join(path, "session.json")
		}
		kv = filestore.NewKV(path)
		states = memorystore.NewStateCache(oidckit.StateTTL)
	}
	oidckit.Default().Configure(
		oidckit.WithSessionStore(oidckit.NewKVSessionStore(kv, "")),
		oidckit.WithStateCache(states),
		oidckit.WithLogger(log),
	)
	return core.NewCoordinator(cfg, core.DefaultHandles()).
		WithLogger(log).
		WithSessionStore(core.NewKVAppSessionStore(kv, "")).
		WithEventSink(core.LogEventSink{Log: log}), nil
}

func interactiveCmd(action string) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   action,
		Short: "Open the provider's " + action + " page and wait for the callback",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive(cmd.Context(), action, timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for the browser to come back")
	return cmd
}

// runInteractive serves the host surface on the configured origin, opens the browser and
// waits until the callback has been resolved.
func runInteractive(ctx context.Context, action string, timeout time.Duration) error {
	log := logrus.StandardLogger()
	cfg, err := core.LoadConfig()
	if err != nil {
		return err
	}
	coord, err := hostCoordinator(cfg, nil, log)
	if err != nil {
		return err
	}
	origin, err := url.Parse(cfg.Origin)
	if err != nil || origin.Host == "" {
		return fmt.Errorf("KCBRIDGE_ORIGIN %q is not an absolute URL", cfg.Origin)
	}
	ln, err := net.Listen("tcp", origin.Host)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", origin.Host, err)
	}

	done := make(chan struct{}, 1)
	host := authhttp.NewService(coord, nil).DisableRateLimiter().WithLogger(log).HostHandler()
	srv := &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host.ServeHTTP(w, r)
			if r.URL.Path == core.CallbackPath && r.URL.Query().Get("mode") == core.CallbackMode {
				select {
				case done <- struct{}{}:
				default:
				}
			}
		}),
	}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := coord.Login
	if action == "register" {
		start = coord.Register
	}
	if err := start(core.WithTrigger(ctx, "cli")); err != nil {
		return err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("no callback within %s", timeout)
	}
	return printSession(coord)
}

func probeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Restore the persisted session silently and exchange it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := core.LoadConfig()
			if err != nil {
				return err
			}
			coord, err := hostCoordinator(cfg, nil, logrus.StandardLogger())
			if err != nil {
				return err
			}
			if _, err := coord.Start(core.WithTrigger(cmd.Context(), "cli")); err != nil {
				return err
			}
			return printSession(coord)
		},
	}
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the persisted provider and application sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := core.LoadConfig()
			if err != nil {
				return err
			}
			coord, err := hostCoordinator(cfg, nil, logrus.StandardLogger())
			if err != nil {
				return err
			}
			return coord.Logout(core.WithTrigger(cmd.Context(), "cli"))
		},
	}
}

func printSession(coord *core.Coordinator) error {
	out := map[string]any{"state": coord.State()}
	if sess := coord.Session(); sess != nil {
		out["user"] = sess.User
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if coord.State() == core.StateFailed {
		return core.ErrSSOFailed
	}
	return nil
}

func runMigrations(ctx context.Context, dbURL string) error {
	sqlDB, err := sql.Open("pgx", dbURL)
	if err != nil {
		return fmt.Errorf("open sql db: %w", err)
	}
	defer sqlDB.Close()

	// gen_random_uuid
	if _, err := sqlDB.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS pgcrypto`); err != nil {
		return fmt.Errorf("enable pgcrypto: %w", err)
	}

	files, err := fs.Glob(pgmigrations.FS, "*.up.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no postgres migrations found")
	}
	sort.Strings(files)

	for _, name := range files {
		sqlBytes, err := pgmigrations.FS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if strings.TrimSpace(string(sqlBytes)) == "" {
			continue
		}
		if _, err := sqlDB.ExecContext(ctx, string(sqlBytes)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func envBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key)))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func fatal(err error) {
	if err == nil {
		os.Exit(0)
	}
	if errors.Is(err, http.ErrServerClosed) {
		os.Exit(0)
	}
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
