package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"gatehouse.org/internal/admission"
	"gatehouse.org/internal/auth"
	"gatehouse.org/internal/config"
	"gatehouse.org/internal/docstore"
	"gatehouse.org/internal/facility"
	"gatehouse.org/internal/gatepass"
	"gatehouse.org/internal/httpapi"
	"gatehouse.org/internal/migrate"
	"gatehouse.org/internal/notify"
	"gatehouse.org/internal/obs"
	"gatehouse.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// The logger is not configured yet.
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Log.Level, cfg.Log.Format, cfg.Service.Name)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer obs.SetLogger(logger)()
	defer func() { _ = logger.Sync() }()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("gatehouse stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Background workers stop before the store closes.
	var wg sync.WaitGroup
	store, ready, closeStore, err := openStore(ctx, cfg, log, &wg)
	if err != nil {
		return err
	}
	defer closeStore()
	defer wg.Wait()
	defer stop()

	queue := notify.NewQueue(notificationSink(cfg, log), cfg.Notify.QueueSize)
	queue.Start()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := queue.Stop(sctx); err != nil {
			log.Warn("notification queue did not drain", zap.Error(err))
		}
	}()

	engine := admission.NewEngine(store, admission.WithNotifier(queue))
	passes := gatepass.NewService(store, engine,
		gatepass.WithNotifier(queue),
		gatepass.WithTokenDigits(cfg.GatePass.TokenDigits),
		gatepass.WithMaxValidityHours(cfg.GatePass.MaxValidityHours),
	)
	facilities := facility.NewResolver(store, facility.WithNotifier(queue))

	tokens, err := tokenService(cfg, log)
	if err != nil {
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		gatepass.NewExpirer(passes, cfg.GatePass.ExpireInterval).Run(ctx)
	}()

	api := httpapi.New(httpapi.Deps{
		Store:     store,
		Admission: engine,
		GatePass:  passes,
		Facility:  facilities,
		Tokens:    tokens,
		Ready:     ready,
		Version:   version,
	}, httpapi.Options{
		DevTokens:    cfg.Auth.DevTokens,
		CORSOrigins:  cfg.HTTP.CORSOrigins,
		RatePerSec:   cfg.HTTP.RateLimitRPS,
		RateBurst:    cfg.HTTP.RateLimitBurst,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var grpcSrv *grpc.Server
	if cfg.GRPC.Enabled {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return err
		}
		grpcSrv = grpc.NewServer()
		httpapi.NewGRPCServer(ready, version).Register(grpcSrv)
		go func() {
			log.Info("grpc listening", zap.String("addr", cfg.GRPC.Addr))
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errCh:
		log.Error("server failed", zap.Error(runErr))
		stop()
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	log.Info("stopped")
	return runErr
}

// openStore returns the document store, its readiness probe and a close func.
// The Postgres listener runs on wg until ctx ends.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger, wg *sync.WaitGroup) (docstore.Store, httpapi.Readiness, func(), error) {
	if cfg.Store.Driver != "postgres" {
		log.Warn("using in-memory store; data is lost on restart")
		mem := docstore.NewMemory()
		return mem, httpapi.ReadyProbe{Store: mem}, func() {}, nil
	}

	store, err := pg.Open(cfg.Store.DSN)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Store.MaxOpenConns > 0 {
		store.DB().SetMaxOpenConns(cfg.Store.MaxOpenConns)
	}

	if cfg.Store.AutoMigrate || cfg.Store.Seed {
		mctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		migrations, seeds := migrate.Embedded()
		mgr := migrate.NewManager(store.DB(), migrations, seeds)
		if cfg.Store.AutoMigrate {
			if err := mgr.Up(mctx); err != nil {
				_ = store.Close()
				return nil, nil, nil, err
			}
		}
		if cfg.Store.Seed {
			if err := mgr.Seed(mctx); err != nil {
				_ = store.Close()
				return nil, nil, nil, err
			}
		}
	}

	listener := pg.NewListener(cfg.Store.DSN, store.Hub())
	wg.Add(1)
	go func() {
		defer wg.Done()
		listener.Run(ctx)
	}()
	select {
	case <-listener.Ready():
	case <-time.After(10 * time.Second):
		log.Warn("change listener not ready yet; live views report stale until it connects")
	case <-ctx.Done():
	}

	return store, httpapi.ReadyProbe{Store: store, Feed: store.Hub()}, func() { _ = store.Close() }, nil
}

func notificationSink(cfg *config.Config, log *zap.Logger) notify.Sink {
	if !cfg.Redis.Enabled {
		return notify.LogSink{}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	log.Info("notifications go to redis stream",
		zap.String("addr", cfg.Redis.Addr), zap.String("stream", cfg.Redis.Stream))
	return notify.NewRedisSink(client, notify.RedisConfig{
		Stream:           cfg.Redis.Stream,
		MaxLen:           cfg.Redis.MaxLen,
		FailureThreshold: cfg.Redis.FailureThreshold,
		OpenTimeout:      cfg.Redis.OpenTimeout,
	})
}

func tokenService(cfg *config.Config, log *zap.Logger) (*auth.TokenService, error) {
	secret := cfg.Auth.Secret
	if secret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		secret = hex.EncodeToString(buf)
		log.Warn("auth secret not configured; using an ephemeral secret")
	}
	return auth.NewTokenService(secret, cfg.Auth.TokenTTL, auth.WithIssuer(cfg.Auth.Issuer))
}
