package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"livesession-backend/internal/handlers"
	"livesession-backend/internal/middleware"
	"livesession-backend/internal/websocket"
)

type Options struct {
	FrontendURL string
	// AnswerRateLimit caps answer submissions per user per minute.
	AnswerRateLimit int
}

func New(
	jwtAuth *middleware.JWTAuth,
	sessionHandler *handlers.SessionHandler,
	progressHandler *handlers.ProgressHandler,
	liveQuizHandler *handlers.LiveQuizHandler,
	wsHub *websocket.Hub,
	opts Options,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(opts.FrontendURL))

	limit := opts.AnswerRateLimit
	if limit <= 0 {
		limit = 60
	}
	answerLimiter := middleware.NewRateLimiter(limit, time.Minute)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {

		// ──── Session Routes ────
		r.Route("/sessions", func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Post("/", sessionHandler.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/snapshot", sessionHandler.Snapshot)
				r.Get("/events", sessionHandler.Events)
				r.Post("/join", sessionHandler.Join)
				r.Post("/leave", sessionHandler.Leave)

				// trainer
				r.Post("/start", sessionHandler.Start)
				r.Post("/pause", sessionHandler.Pause)
				r.Post("/resume", sessionHandler.Resume)
				r.Post("/end", sessionHandler.End)
				r.Put("/mode", sessionHandler.SetMode)
				r.Put("/current-module", sessionHandler.SetCurrentModule)
				r.Put("/current-item", sessionHandler.SetCurrentItem)
				r.Post("/unlock-module", sessionHandler.UnlockModule)
				r.Post("/unlock-item", sessionHandler.UnlockItem)
				r.Put("/message", sessionHandler.SendMessage)
				r.Delete("/message", sessionHandler.ClearMessage)
				r.Post("/learners/{userID}/resolve-help", progressHandler.ResolveHelp)

				// learner
				r.Patch("/progress", progressHandler.Update)
				r.Post("/progress/viewed", progressHandler.Viewed)
				r.Post("/progress/completed", progressHandler.Completed)
				r.Post("/help", progressHandler.RequestHelp)
				r.Delete("/help", progressHandler.CancelHelp)
				r.Post("/heartbeat", progressHandler.Heartbeat)

				r.Post("/quizzes/{activityID}/start", liveQuizHandler.Start)
				r.Get("/quizzes/{activityID}/snapshot", liveQuizHandler.Snapshot)
			})
		})

		// ──── Quiz Routes ────
		r.Route("/quiz-activities", func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Post("/", liveQuizHandler.CreateActivity)
			r.Get("/{id}", liveQuizHandler.GetActivity)
		})

		r.Route("/live-quizzes/{id}", func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Post("/show-question", liveQuizHandler.ShowQuestion)
			r.Post("/open", liveQuizHandler.Open)
			r.Post("/close", liveQuizHandler.Close)
			r.Post("/results", liveQuizHandler.ShowResults)
			r.Post("/leaderboard", liveQuizHandler.Leaderboard)
			r.Post("/next", liveQuizHandler.Next)
			r.Post("/end", liveQuizHandler.End)
			r.Get("/results", liveQuizHandler.Results)

			r.Group(func(r chi.Router) {
				r.Use(answerLimiter.Middleware)
				r.Post("/answers", liveQuizHandler.SubmitAnswer)
			})
		})

		// ──── WebSocket ────
		r.Get("/ws", wsHub.HandleWebSocket)
	})

	return r
}
