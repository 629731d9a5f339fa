package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livesession-backend/internal/broadcast"
	"livesession-backend/internal/config"
	"livesession-backend/internal/database"
	"livesession-backend/internal/handlers"
	"livesession-backend/internal/middleware"
	"livesession-backend/internal/models"
	"livesession-backend/internal/repository"
	"livesession-backend/internal/repository/memory"
	"livesession-backend/internal/router"
	"livesession-backend/internal/services"
	"livesession-backend/internal/websocket"
	"livesession-backend/internal/worker"
)

type stores struct {
	states   services.SessionStateStore
	members  services.MemberStore
	progress services.ProgressStore
	events   services.EventStore
	quizzes  services.QuizStore
	jobs     worker.JobStore
}

func main() {
	log.Println("🚀 Starting Live Session Backend...")
	ctx := context.Background()

	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()
	log.Println("✓ Environment variables loaded")

	// ──── Step 2: Initialize Store ────
	var st stores
	switch cfg.StoreDriver {
	case "memory":
		db := memory.New()
		st = stores{db.Sessions(), db.Members(), db.Progress(), db.Events(), db.Quizzes(), db.Jobs()}
		log.Println("✓ In-memory store initialized (state is lost on restart)")
	case "postgres":
		pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("✗ PostgreSQL connection failed: %v", err)
		}
		defer pool.Close()
		log.Println("✓ PostgreSQL connected")

		if err := database.RunMigrations(ctx, pool, cfg.MigrationsDir); err != nil {
			log.Fatalf("✗ Database migration failed: %v", err)
		}
		log.Println("✓ Database migrations applied")

		st = stores{
			states:   repository.NewSessionRepo(pool),
			members:  repository.NewMemberRepo(pool),
			progress: repository.NewProgressRepo(pool),
			events:   repository.NewEventRepo(pool),
			quizzes:  repository.NewQuizRepo(pool),
			jobs:     repository.NewJobRepo(pool),
		}
	default:
		log.Fatalf("✗ Unknown STORE_DRIVER %q (want postgres or memory)", cfg.StoreDriver)
	}

	// ──── Step 3: Initialize Broadcast Channel and Job Queue ────
	var (
		channel broadcast.Channel
		queue   worker.Queue
	)
	if cfg.RedisURL != "" {
		redisClients, err := database.NewRedisClients(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("✗ Redis connection failed: %v", err)
		}
		defer redisClients.Close()
		channel = broadcast.NewRedis(redisClients.Broadcast)
		queue = worker.NewRedisQueue(redisClients.Jobs)
		log.Println("✓ Redis connected")
	} else {
		channel = broadcast.NewLocal()
		queue = worker.NewLocalQueue()
		log.Println("✓ Local broadcast channel initialized (single instance)")
	}

	workerPool := worker.NewPool(queue, st.jobs, cfg.WorkerCount)

	// ──── Step 4: Initialize Services ────
	jwtAuth := middleware.NewJWTAuth(cfg.JWTSecret)
	eventLog := services.NewEventLog(st.events, channel)

	sessionService := services.NewSessionService(st.states, st.members, st.progress, eventLog, channel, workerPool, services.SessionOptions{
		StrictTransitions: cfg.StrictTransitions,
		RecentEventsLimit: cfg.RecentEventsLimit,
	})
	progressService := services.NewProgressService(st.members, st.progress, eventLog, channel, services.ProgressOptions{
		ToleranceRatio: cfg.PaceToleranceRatio,
		StaleAfter:     cfg.PresenceStaleAfter,
	})
	liveQuizService := services.NewLiveQuizService(st.quizzes, st.states, st.members, eventLog, channel, workerPool, services.LiveQuizOptions{
		DefaultTimeLimit: cfg.QuizDefaultTimeLimit,
		DefaultPoints:    cfg.QuizDefaultPoints,
		LeaderboardLimit: cfg.LeaderboardLimit,
	})

	// ──── Step 5: Start Job Worker Pool ────
	workerPool.Handle(models.JobSessionFinalize, func(ctx context.Context, job *models.Job) error {
		n, err := sessionService.Finalize(ctx, job.ReferenceID)
		if err != nil {
			return err
		}
		log.Printf("session %s finalized: %d members completed", job.ReferenceID, n)
		return nil
	})
	workerPool.Handle(models.JobQuizFinalize, func(ctx context.Context, job *models.Job) error {
		n, err := liveQuizService.FinalizeQuiz(ctx, job.ReferenceID)
		if err != nil {
			return err
		}
		log.Printf("live quiz %s finalized: %d ranks written", job.ReferenceID, n)
		return nil
	})
	workerPool.Start()
	log.Printf("✓ Worker pool started (%d goroutines)", cfg.WorkerCount)

	sweeper := services.NewPresenceSweeper(channel, cfg.PresenceSweepInterval, cfg.PresenceStaleAfter)
	sweeper.Start()
	log.Println("✓ Presence sweeper started")

	// ──── Step 6: Start WebSocket Hub ────
	wsHub := websocket.NewHub(jwtAuth, sessionService, channel, cfg.HeartbeatInterval)
	log.Println("✓ WebSocket hub started")

	// ──── Step 7: Start HTTP Server ────
	r := router.New(
		jwtAuth,
		handlers.NewSessionHandler(sessionService),
		handlers.NewProgressHandler(progressService),
		handlers.NewLiveQuizHandler(liveQuizService),
		wsHub,
		router.Options{
			FrontendURL:     cfg.FrontendURL,
			AnswerRateLimit: cfg.AnswerRateLimit,
		},
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down...")
		sweeper.Stop()
		wsHub.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		server.Shutdown(ctx)
		workerPool.Stop()
	}()

	log.Printf("✓ Live Session Backend ready on http://localhost:%s", cfg.Port)
	log.Printf("  API: http://localhost:%s/api/v1", cfg.Port)
	log.Printf("  WS:  ws://localhost:%s/api/v1/ws", cfg.Port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
	<-shutdownDone
}
