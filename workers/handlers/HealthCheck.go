package handlers

import (
	"net/http"
)

func (a *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if a.Pinger != nil {
		if err := a.Pinger.Ping(r.Context()); err != nil {
			a.Log.Warnw("health check: store unreachable", "error", err)
			responseError(w, "store unreachable", http.StatusServiceUnavailable)
			return
		}
	}
	responseJSON(w, &APIResponse{
		Status: "ok",
	}, http.StatusOK)
}
