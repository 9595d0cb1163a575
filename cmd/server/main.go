package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpapi "github.com/beebee-coder/classroom-virtuelle-sub001/internal/api/http"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/config"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/hub"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/repository"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/repository/model"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/scoring"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/service"
	"github.com/beebee-coder/classroom-virtuelle-sub001/lib/logger"
	"github.com/beebee-coder/classroom-virtuelle-sub001/lib/logger/sl"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	_ = godotenv.Load(".env")

	cfg := config.MustLoad()
	log := logger.Setup(cfg.Env)

	sessionRepo, quizRepo, err := setupRepositories(cfg.Database, log)
	if err != nil {
		log.Error("failed to connect database", sl.Err(err))
		os.Exit(1)
	}

	realtime := hub.New(cfg.Realtime.MemberQueueSize, log)
	sessionService := service.NewSessionService(sessionRepo, realtime, log)
	realtime.SetAuthorizer(func(clientID, channel string) error {
		return sessionService.Authorize(context.Background(), clientID, channel)
	})
	scoringService := scoring.NewService(quizRepo, scoring.RulesFromConfig(cfg.Quiz), log)

	router := httpapi.SetupRouter(
		httpapi.NewSessionController(sessionService),
		httpapi.NewQuizController(scoringService),
		httpapi.NewRealtimeController(realtime, cfg.Realtime.WriteTimeout, cfg.Realtime.PingInterval, log),
	)

	srv := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting application", slog.String("addr", cfg.HTTP.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("http server stopped", sl.Err(err))
		os.Exit(1)
	}
}

// setupRepositories uses postgres when a DSN is configured and memory
// otherwise.
func setupRepositories(cfg config.DatabaseConfig, log *slog.Logger) (repository.SessionRepository, repository.QuizRepository, error) {
	if cfg.DSN == "" {
		log.Warn("database dsn is empty, keeping sessions in memory")
		return repository.NewInMemorySessionRepository(), repository.NewInMemoryQuizRepository(), nil
	}

	db, err := connectDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	return repository.NewPostgresSessionRepository(db), repository.NewPostgresQuizRepository(db), nil
}

func connectDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&model.Session{}, &model.Participant{}, &model.Quiz{}, &model.PointTotal{}); err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return db, nil
}
