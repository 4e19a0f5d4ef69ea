package http

import (
	"net/http"
	"time"

	httpmw "github.com/chatbit/realtime-service/internal/transport/http/middleware"
	"github.com/chatbit/realtime-service/internal/transport/ws"

	"github.com/go-chi/chi/v5"
	middlewareChi "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func NewRouter(h *Handler, wsServer *ws.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middlewareChi.RequestID)
	r.Use(middlewareChi.RealIP)
	r.Use(middlewareChi.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "X-Display-Name"},
		AllowCredentials: false,
	}))

	// WS endpoints: комната в query либо в пути
	r.Get("/ws", wsServer.HandleWS)
	r.Get("/ws/rooms/{id}", wsServer.HandleWS)

	// REST-чтение требует display name от identity-коллаборатора
	r.Group(func(pr chi.Router) {
		pr.Use(httpmw.IdentityMiddleware)
		pr.Use(middlewareChi.Timeout(30 * time.Second))

		pr.Route("/rooms/{id}", func(rr chi.Router) {
			rr.Get("/participants", h.GetParticipants)
			rr.Get("/chat", h.GetChatHistory)
		})
	})

	// health
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}
