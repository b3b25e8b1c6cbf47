package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"letters-overlay/pkg/middleware"
	"letters-overlay/relayserver/controllers"
)

// submitLimiter bounds how fast clients can push letters into the write
// pipeline; 10 req/s with a burst of 20 keeps a single noisy client from
// starving the serialized worker behind it.
var submitLimiter = rate.NewLimiter(10, 20)

// Register wires the relay's §6.1 wire protocol endpoints onto r.
func Register(r *mux.Router, rc *controllers.RelayController) {
	r.Use(middleware.Logger)
	r.HandleFunc("/api/status", rc.Status).Methods("GET")
	r.HandleFunc("/api/blocks/full", rc.BlocksFull).Methods("GET")
	r.Handle("/api/letters", middleware.RateLimit(submitLimiter, http.HandlerFunc(rc.SubmitLetter))).Methods("POST")
	r.HandleFunc("/api/report", rc.Report).Methods("POST")
	r.HandleFunc("/api/sync", rc.Sync).Methods("POST")
}
