// Package api is the REST surface: signup and profile, room listing,
// message pages, artifact lookup and direct payments.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"paychat_core/internal/auth"
)

type RouterConfig struct {
	CORSOrigins     []string
	RateLimitReqs   int
	RateLimitWindow time.Duration
}

// NewRouter mounts the REST handlers, the websocket endpoint (when ws is
// not nil), /healthz and /metrics.
func NewRouter(h *Handler, ws http.Handler, tokens auth.TokenValidator, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         86400,
	}))
	r.Use(Metrics)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())
	if ws != nil {
		r.Handle("/ws", ws)
	}

	r.Route("/api", func(r chi.Router) {
		if cfg.RateLimitReqs > 0 {
			r.Use(httprate.LimitByIP(cfg.RateLimitReqs, cfg.RateLimitWindow))
		}

		r.Post("/send-code", h.SendCode)
		r.Post("/signup", h.Signup)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(tokens))

			r.Get("/profile", h.Profile)
			r.Get("/rooms", h.ListRooms)
			r.Get("/me/rooms", h.ListMyRooms)
			r.Post("/rooms/private", h.PrivateRoom)
			r.Get("/rooms/{roomId}/messages", h.ListMessages)

			r.Get("/invoice/{id}", h.GetInvoice)
			r.Get("/receipt/{id}", h.GetReceipt)
			r.Get("/payment/{id}", h.GetPayment)
			r.Post("/payment", h.CreatePayment)
		})
	})
	return r
}
