package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

type RouterOptions struct {
	AllowedOrigins   []string
	AnswerRatePerMin int
	// TrustProxy honours X-Forwarded-For and X-Real-IP. Enable only when a
	// reverse proxy overwrites those headers.
	TrustProxy bool
	Logger     zerolog.Logger
}

func NewRouter(apiHandler *APIHandler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if opts.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(Logger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", VisitorHeader},
		ExposedHeaders:   []string{"Content-Disposition", "X-PDF-Exports-Remaining", "X-Request-Id"},
		AllowCredentials: true,
	}).Handler)

	answerLimiter := NewRateLimiter(opts.AnswerRatePerMin)

	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Get("/health", apiHandler.HealthHandler)
		r.Get("/catalog", apiHandler.CatalogHandler)
		r.Post("/signup", apiHandler.SignupHandler)
		r.Post("/login", apiHandler.LoginHandler)

		// Signed-in or anonymous
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.OptionalSession)

			r.Get("/me", apiHandler.MeHandler)
			r.With(answerLimiter.Middleware).Post("/answers", apiHandler.AnswerHandler)
		})

		// User-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.RequireSession)

			r.Post("/logout", apiHandler.LogoutHandler)
			r.Get("/me/stream", apiHandler.StreamHandler)

			r.Get("/history", apiHandler.ListHistoryHandler)
			r.Get("/history/{conversationID}", apiHandler.GetHistoryItemHandler)
			r.Get("/history/{conversationID}/pdf", apiHandler.ExportPDFHandler)

			r.Post("/premium/orders", apiHandler.CreatePremiumOrderHandler)
			r.Post("/premium/verify", apiHandler.VerifyPremiumPaymentHandler)
		})
	})

	return r
}
