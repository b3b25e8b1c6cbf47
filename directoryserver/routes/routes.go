package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"letters-overlay/directoryserver/controllers"
	"letters-overlay/pkg/middleware"
)

// upsertLimiter bounds relay heartbeat/registration volume; 20 req/s with
// burst 40 comfortably covers a large relay fleet reporting on their own
// independent timers while still rejecting a runaway reporter.
var upsertLimiter = rate.NewLimiter(20, 40)

// Register wires the directory's §6.1 wire protocol endpoints onto r.
func Register(r *mux.Router, dc *controllers.DirectoryController) {
	r.Use(middleware.Logger)
	r.HandleFunc("/api/relays", dc.ListRelays).Methods("GET")
	r.HandleFunc("/api/relays/best", dc.Best).Methods("GET")
	r.Handle("/api/relays", middleware.RateLimit(upsertLimiter, http.HandlerFunc(dc.Upsert))).Methods("POST")
}
