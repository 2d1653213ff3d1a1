// Package main is the entry point for the background process engine (bped).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	apihttp "github.com/muxlabs/bpe/api/http"
	apiws "github.com/muxlabs/bpe/api/ws"
	"github.com/muxlabs/bpe/internal/bpe/clockpath"
	"github.com/muxlabs/bpe/internal/bpe/controller"
	"github.com/muxlabs/bpe/internal/bpe/eventbridge"
	"github.com/muxlabs/bpe/internal/bpe/executor"
	"github.com/muxlabs/bpe/internal/bpe/history"
	"github.com/muxlabs/bpe/internal/bpe/registry"
	"github.com/muxlabs/bpe/internal/common/config"
	"github.com/muxlabs/bpe/internal/common/logger"
	"github.com/muxlabs/bpe/internal/db"
	"github.com/muxlabs/bpe/internal/db/dialect"
	"github.com/muxlabs/bpe/internal/events"
	"github.com/muxlabs/bpe/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting background process engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, driver, err := openPool(cfg)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer pool.Close()

	histStore := history.New(pool, driver)
	if err := histStore.Migrate(ctx); err != nil {
		log.Fatal("failed to migrate history store", zap.Error(err))
	}
	log.Info("history store ready", zap.String("driver", driver))

	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	if err := os.MkdirAll(cfg.Engine.ScratchBaseDir, 0o755); err != nil {
		log.Fatal("failed to prepare scratch directory", zap.Error(err))
	}

	reg := registry.New()
	exec, err := buildExecutor(cfg, log)
	if err != nil {
		log.Fatal("failed to build executor", zap.Error(err))
	}
	clock := clockpath.SystemClock{}
	scratch := clockpath.NewDirAllocator(cfg.Engine.ScratchBaseDir)

	ctrlCfg := controller.Config{
		MaxOutputBytes:             cfg.Engine.MaxOutputBytes,
		TailPollMs:                 cfg.Engine.TailPollMs,
		InitialTailBytes:           cfg.Engine.InitialTailBytes,
		MaxConsecutiveTailFailures: cfg.Engine.MaxConsecutiveTailFailures,
		GraceSecs:                  cfg.Engine.GraceSecs,
		TerminateForceTimeoutMs:    cfg.Engine.TerminateForceTimeoutMs,
		ShutdownGraceMs:            cfg.Engine.ShutdownGraceMs,
	}
	ctrl := controller.New(reg, exec, clock, scratch, ctrlCfg, log, cfg.Engine.WorkerHost)
	ctrl.AttachHistory(histStore)

	bridge := eventbridge.New(reg, provided.Bus, log)
	go bridge.Run(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	httpServer := apihttp.NewServer(ctrl, reg, histStore, log)
	httpServer.Mount(router)
	wsHandler := apiws.NewHandler(reg, log)
	wsHandler.Mount(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down background process engine")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	ctrl.Shutdown(shutdownCtx)

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown error", zap.Error(err))
	}

	log.Info("background process engine stopped")
}

// openPool opens the configured database as a dialect-portable db.Pool and
// reports which dialect it picked (dialect.SQLite3 or dialect.PGX).
func openPool(cfg *config.Config) (*db.Pool, string, error) {
	if cfg.Database.Driver == "postgres" {
		conn, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, "", err
		}
		sqlxDB := sqlx.NewDb(conn, "pgx")
		return db.NewPool(sqlxDB, sqlxDB), dialect.PGX, nil
	}

	path := cfg.Database.Path
	if path == "" {
		path = "./bped.db"
	}
	writer, err := db.OpenSQLite(path)
	if err != nil {
		return nil, "", err
	}
	reader, err := db.OpenSQLiteReader(path)
	if err != nil {
		return nil, "", err
	}
	pool := db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	return pool, dialect.SQLite3, nil
}

// buildExecutor constructs the configured executor.Executor backend.
// "docker" targets an already-running container by ID, "ssh" targets a
// remote host over public-key auth, and anything else (including the
// default) runs commands on the engine's own host.
func buildExecutor(cfg *config.Config, log *logger.Logger) (executor.Executor, error) {
	switch cfg.Engine.Executor {
	case "docker":
		return buildDockerExecutor(cfg, log)
	case "ssh":
		return buildSSHExecutor(cfg, log)
	default:
		return executor.NewLocal(cfg.Engine.ScratchBaseDir), nil
	}
}

func buildDockerExecutor(cfg *config.Config, log *logger.Logger) (executor.Executor, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Docker.Host != "" {
		opts = append(opts, client.WithHost(cfg.Docker.Host))
	}
	if cfg.Docker.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.Docker.APIVersion))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build docker client: %w", err)
	}
	log.Info("routing background processes through docker exec",
		zap.String("container_id", cfg.Engine.ContainerID))
	return executor.NewDocker(cli, cfg.Engine.ContainerID, cfg.Engine.ContainerTmpDir), nil
}

func buildSSHExecutor(cfg *config.Config, log *logger.Logger) (executor.Executor, error) {
	keyBytes, err := os.ReadFile(cfg.Engine.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key: %w", err)
	}

	log.Info("routing background processes over ssh",
		zap.String("addr", cfg.Engine.SSHAddr), zap.String("user", cfg.Engine.SSHUser))
	// Host key verification is left to the operator's network perimeter
	// (the worker host is reached over a pre-authenticated management
	// tunnel); bped itself does not ship a known_hosts store.
	return executor.DialSSH(
		cfg.Engine.SSHAddr,
		cfg.Engine.SSHUser,
		[]ssh.AuthMethod{ssh.PublicKeys(signer)},
		ssh.InsecureIgnoreHostKey(),
		cfg.Engine.SSHRemoteTmp,
		10*time.Second,
	)
}
