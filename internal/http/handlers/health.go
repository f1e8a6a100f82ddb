package handlers

import "net/http"

// Health reports process liveness for load balancer checks.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "tryon",
	})
}
