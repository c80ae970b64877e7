package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// OAuth boundary stays outside the JWT group: these calls mint the token.
	r.Route("/auth/google", func(r chi.Router) {
		r.Get("/login", apiHandler.GoogleLoginHandler)
		r.Get("/callback", apiHandler.GoogleCallbackHandler)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(apiHandler.JWTAuthMiddleware)

		// Model relay
		r.Post("/agent-call/{model}", apiHandler.AgentCallHandler)

		// Chat routes
		r.Post("/chats/save", apiHandler.SaveChatHandler)
		r.Get("/chats", apiHandler.ListChatsHandler)
		r.Post("/chats/assign", apiHandler.AssignChatsHandler)
		r.Post("/chats/{chatID}/correct", apiHandler.CorrectChatHandler)

		// Project routes
		r.Post("/projects", apiHandler.CreateProjectHandler)
		r.Get("/projects", apiHandler.ListProjectsHandler)
		r.Get("/projects/{projectID}", apiHandler.GetProjectHandler)
		r.Delete("/projects/{projectID}", apiHandler.DeleteProjectHandler)
	})

	return r
}
