// Package server wires HTTP handlers into a gorilla/mux router for the relay.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// SetupRoutes configures and returns a router with all relay routes. Callers
// may mount further routes (such as /mcp) on the returned router.
func SetupRoutes(a *Acceptor) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/healthz", HealthHandler).Methods(http.MethodGet)
	r.Handle("/ws", a)
	r.HandleFunc("/stats", a.StatsHandler).Methods(http.MethodGet)
	r.HandleFunc("/publish", a.PublishHandler).Methods(http.MethodPost)
	r.HandleFunc("/chat", TestPageHandler).Methods(http.MethodGet)
	return r
}
