package main

import (
	"context"
	"net/http"
	"time"
)

func (app *application) healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{"status": "available"}, nil)
}

// readyzHandler reports ready only when the hard dependencies respond. The
// broker is deliberately not probed: publishing is fire and forget, so the
// API stays ready through a broker outage.
func (app *application) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if app.db != nil {
		if err := app.db.PingContext(ctx); err != nil {
			errorResponse(w, http.StatusServiceUnavailable, "database is unavailable")
			return
		}
	}

	if app.cache != nil {
		if err := app.cache.Ping(ctx); err != nil {
			errorResponse(w, http.StatusServiceUnavailable, "cache is unavailable")
			return
		}
	}

	writeJSON(w, http.StatusOK, envelope{"status": "ready"}, nil)
}
