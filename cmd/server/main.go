package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/org/keygate/internal/api"
	"github.com/org/keygate/internal/audit"
	"github.com/org/keygate/internal/config"
	"github.com/org/keygate/internal/crypto"
	"github.com/org/keygate/internal/gate"
	"github.com/org/keygate/internal/keys"
	"github.com/org/keygate/internal/ratelimit"
	"github.com/org/keygate/internal/storage"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.LoadedFrom == "" {
		log.Warn().Msg("config file not found, using defaults")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var master []byte
	if cfg.MasterKey != "" {
		master = []byte(cfg.MasterKey)
	}

	// Postgres backs the key store and/or the audit log.
	var pg *storage.PostgresBackend
	if cfg.NeedsPostgres() {
		st, err := storage.Migrate(cfg.DBUrl, cfg.MigrationsDir)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		log.Info().Uint("from", st.From).Uint("to", st.To).Msg("schema ready")

		var kek []byte
		if master != nil {
			if kek, err = crypto.DeriveKEK(master); err != nil {
				log.Fatal().Err(err).Msg("failed to derive storage key")
			}
		}
		pg, err = storage.NewPostgresBackend(ctx, cfg.DBUrl, kek)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pg.Close()
	}

	registry, keyCount, closeRegistry := buildRegistry(ctx, cfg, master, pg)
	defer closeRegistry()

	local := ratelimit.NewSlidingWindow(cfg.WindowShards)
	limiter := ratelimit.Limiter(local)
	if cfg.RedisURL != "" {
		rdb, err := ratelimit.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		limiter = ratelimit.NewFallback(ratelimit.NewRedisSlidingWindow(rdb, ""), local, log.Logger)
		log.Info().Msg("using redis rate limiter with local fallback")
	}

	ipLimiter := api.NewIPLimiter(cfg.IPRatePerSecond, cfg.IPBurst)
	var sweepers []*ratelimit.Sweeper
	for _, target := range []ratelimit.Sweepable{local, ipLimiter} {
		sw, err := ratelimit.NewSweeper(target, cfg.SweepSchedule, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid sweep_schedule")
		}
		sw.Start()
		sweepers = append(sweepers, sw)
	}

	sink, auditLog, closeAudit := buildAudit(cfg, pg)

	g := gate.New(gate.Options{
		Registry:     registry,
		Limiter:      limiter,
		Sink:         sink,
		Logger:       log.Logger,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})

	srv := api.NewServer(api.Deps{
		Gate:      g,
		AuditLog:  auditLog,
		Keys:      keyCount,
		Windows:   local,
		IPLimiter: ipLimiter,
	}, api.Config{
		ListenAddr:      cfg.ListenAddr,
		TLSCertFile:     cfg.TLSCertFile,
		TLSKeyFile:      cfg.TLSKeyFile,
		Version:         version,
		IPRatePerSecond: cfg.IPRatePerSecond,
		IPBurst:         cfg.IPBurst,

		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Str("keys_source", cfg.KeysSource).
		Str("audit_backend", cfg.AuditBackend).Msg("server started")
	<-ctx.Done()

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	for _, sw := range sweepers {
		sw.Stop(shutdownCtx)
	}
	closeAudit(shutdownCtx)
	log.Info().Msg("server stopped")
}

// buildRegistry returns the configured key registry, an optional key
// counter for stats, and a cleanup func.
func buildRegistry(ctx context.Context, cfg config.Config, master []byte, pg *storage.PostgresBackend) (keys.Registry, api.Counter, func()) {
	switch cfg.KeysSource {
	case config.KeysPostgres:
		reg, err := keys.NewStoreRegistry(pg, keys.StoreConfig{}, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build key store registry")
		}
		return reg, nil, reg.Close

	case config.KeysSecretsManager:
		src, err := keys.NewDefaultSecretsManagerSource(ctx, cfg.SecretsManagerID, cfg.AWSRegion, master)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to configure secrets manager")
		}
		reg := loadMemory(ctx, src)
		go keys.Poll(ctx, src, reg, cfg.KeysRefresh, log.Logger)
		return reg, reg, func() {}

	default:
		if cfg.KeysFile == "" {
			log.Warn().Msg("no keys_file configured, serving built-in demo keys")
			reg, err := keys.NewMemoryRegistry(keys.DefaultRecords())
			if err != nil {
				log.Fatal().Err(err).Msg("invalid demo keys")
			}
			return reg, reg, func() {}
		}
		src := &keys.FileSource{Path: cfg.KeysFile, Master: master}
		reg := loadMemory(ctx, src)
		w, err := keys.NewFileWatcher(src, reg, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to watch key file")
		}
		go func() {
			if err := w.Run(ctx); err != nil {
				log.Error().Err(err).Msg("key file watcher stopped")
			}
		}()
		return reg, reg, func() {}
	}
}

func loadMemory(ctx context.Context, src keys.Source) *keys.MemoryRegistry {
	records, err := src.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load keys")
	}
	reg, err := keys.NewMemoryRegistry(records)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid key set")
	}
	log.Info().Int("keys", reg.Len()).Msg("keys loaded")
	return reg
}

// buildAudit returns the request-path sink, an optional queryable store, and
// a func that drains the sink and releases the store.
func buildAudit(cfg config.Config, pg *storage.PostgresBackend) (audit.Sink, api.AuditQuerier, func(context.Context)) {
	logSink := audit.NewLogSink(log.Logger)

	var (
		next     audit.Sink = logSink
		querier  api.AuditQuerier
		closeStr = func() {}
	)
	switch cfg.AuditBackend {
	case config.AuditPostgres:
		next = audit.MultiSink{logSink, audit.NewStoreSink(pg, log.Logger)}
		querier = pg
	case config.AuditSQLite:
		store, err := storage.NewSQLiteAuditStore(cfg.SQLitePath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open sqlite audit store")
		}
		next = audit.MultiSink{logSink, audit.NewStoreSink(store, log.Logger)}
		querier = store
		closeStr = func() { store.Close() } //nolint:errcheck
	}

	async := audit.NewAsyncSink(next, cfg.AuditQueueSize)
	return async, querier, func(ctx context.Context) {
		if err := async.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("audit queue not fully drained")
		}
		closeStr()
	}
}
