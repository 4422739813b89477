package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"orderdesk.org/internal/auth"
	"orderdesk.org/internal/config"
	"orderdesk.org/internal/httpapi"
	"orderdesk.org/internal/migrate"
	"orderdesk.org/internal/obs"
	"orderdesk.org/internal/store/memory"
	"orderdesk.org/internal/store/pg"
	"orderdesk.org/internal/store/redisstore"
	"orderdesk.org/internal/store/sqlite"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

const sweepInterval = 5 * time.Minute

type userStore interface {
	auth.CredentialRepository
	CreateUser(ctx context.Context, rec auth.CredentialRecord) (auth.CredentialRecord, error)
}

type linkSweeper interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type storage struct {
	users   userStore
	links   auth.AuthLinkRepository
	deny    auth.DenyList
	checks  map[string]func(context.Context) error
	closers []func() error
}

func (s *storage) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := obs.Setup(cfg.LogLevel, os.Stdout)
	obs.Init()
	obs.InitBuildInfo(version, commit)
	logger.Info("starting", "service", "orderdesk-api", "version", version, "config", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		logger.Error("open storage", "adapter", cfg.DBAdapter, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	codec, err := auth.NewTokenCodec(auth.CodecConfig{
		Issuer:        cfg.AuthIssuer,
		Secret:        []byte(cfg.AuthSecret),
		PrivateKeyPEM: cfg.AuthPrivateKey,
		PublicKeyPEM:  cfg.AuthPublicKey,
	})
	if err != nil {
		logger.Error("token codec", "error", err)
		os.Exit(1)
	}
	scheme, err := auth.ParsePasswordScheme(cfg.PasswordScheme)
	if err != nil {
		logger.Error("password scheme", "error", err)
		os.Exit(1)
	}
	engine, err := auth.NewEngine(st.users, st.links, codec,
		auth.WithSessionTTL(cfg.SessionTTL),
		auth.WithPasswordScheme(scheme),
		auth.WithAuthLinkTTL(cfg.AuthLinkTTL),
		auth.WithLogger(logger),
		auth.WithObserver(obs.NewAuthMetrics(prometheus.DefaultRegisterer)),
	)
	if err != nil {
		logger.Error("auth engine", "error", err)
		os.Exit(1)
	}
	validator := newValidator(codec, cfg, st)

	if err := bootstrapAdmin(ctx, st.users, scheme, cfg, logger); err != nil {
		logger.Error("bootstrap admin", "error", err)
		os.Exit(1)
	}
	if sweeper, ok := st.links.(linkSweeper); ok {
		go sweepExpiredLinks(ctx, sweeper, logger)
	}

	probe := httpapi.ReadyProbe{Checks: st.checks}
	api := httpapi.New(engine, validator, probe, version,
		httpapi.WithExposedLinkTokens(cfg.ExposeLinkTokens),
		httpapi.WithTrustedProxies(cfg.TrustedProxies),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		logger.Info("http listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http listen", "error", err)
			stop()
		}
	}()

	var grpcServer *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Error("grpc listen", "addr", cfg.GRPCAddr, "error", err)
			os.Exit(1)
		}
		grpcServer = grpc.NewServer(grpc.UnaryInterceptor(httpapi.UnaryLogging(logger)))
		httpapi.NewGRPCServer(probe, version, logger).Register(grpcServer)
		go func() {
			logger.Info("grpc listening", "addr", cfg.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				logger.Error("grpc serve", "error", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	logger.Info("stopped")
}

func openStorage(ctx context.Context, cfg config.Config, logger *slog.Logger) (*storage, error) {
	st := &storage{checks: make(map[string]func(context.Context) error)}

	switch cfg.DBAdapter {
	case config.AdapterPostgres:
		db, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, db.Close)
		migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		applied, err := migrate.NewManager(db.DB(), pg.Migrations, nil).Up(migrateCtx)
		cancel()
		if err != nil {
			st.Close()
			return nil, err
		}
		for _, name := range applied {
			logger.Info("migration applied", "name", name)
		}
		st.users, st.links = db, db
		st.checks["postgres"] = db.Ping
	case config.AdapterSQLite:
		db, err := sqlite.Open(cfg.SQLiteFile)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, db.Close)
		st.users, st.links = db, db
		st.checks["sqlite"] = db.Ping
	default:
		logger.Warn("using in-memory storage; data is lost on restart")
		st.users, st.links = memory.NewCredentials(), memory.NewAuthLinks()
	}

	if cfg.RedisAddr == "" {
		st.deny = memory.NewDenyList(nil)
		return st, nil
	}
	client, err := redisstore.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		st.Close()
		return nil, err
	}
	st.closers = append(st.closers, client.Close)
	st.links = redisstore.NewAuthLinks(client)
	st.deny = redisstore.NewDenyList(client, nil)
	st.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	return st, nil
}

// newValidator checks revocation always and reloads the principal per request
// unless stateless sessions are configured.
func newValidator(codec *auth.TokenCodec, cfg config.Config, st *storage) *auth.Validator {
	opts := []auth.ValidatorOption{auth.WithDenyList(st.deny)}
	if !cfg.StatelessSessions {
		opts = append(opts, auth.WithPrincipalLookup(st.users))
	}
	return auth.NewValidator(codec, opts...)
}

func bootstrapAdmin(ctx context.Context, users userStore, scheme auth.PasswordScheme, cfg config.Config, logger *slog.Logger) error {
	if cfg.BootstrapAdminEmail == "" {
		return nil
	}
	hash, err := scheme.Hash(cfg.BootstrapAdminPassword)
	if err != nil {
		return err
	}
	rec, err := users.CreateUser(ctx, auth.CredentialRecord{
		Email:        auth.NormalizeEmail(cfg.BootstrapAdminEmail),
		PasswordHash: hash,
		Role:         auth.RoleAdmin,
	})
	switch {
	case errors.Is(err, auth.ErrAlreadyExists):
		logger.Info("bootstrap admin already present")
		return nil
	case err != nil:
		return err
	}
	logger.Info("bootstrap admin created", "user_id", rec.ID)
	return nil
}

func sweepExpiredLinks(ctx context.Context, s linkSweeper, logger *slog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := s.DeleteExpired(ctx, now.UTC())
			if err != nil {
				logger.Warn("sweep expired auth links", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("swept expired auth links", "count", n)
			}
		}
	}
}
