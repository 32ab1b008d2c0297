package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"github.com/jamsync/server/pkg/rest"
)

func (c controller) Mux() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
	}).Handler)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		rest.WriteJSON(w, http.StatusOK, rest.Envelope{"status": "ok"})
	})

	r.Post("/api/rooms", c.CreateRoom)
	r.Get("/api/rooms/{room-id}", c.GetRoom)
	r.Delete("/api/rooms/{room-id}", c.CloseRoom)

	r.HandleFunc("/ws/rooms/{room-id}", c.ServeRelay)

	return r
}
