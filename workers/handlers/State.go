package handlers

import (
	"fmt"
	"net/http"
)

// prev. bridge implementation compatibility, the message carries the last
// Hive block handed to the pipeline
func (a *API) State(w http.ResponseWriter, r *http.Request) {
	res := &APIStateResponse{Status: "ok"}
	block, ok, err := a.Store.GetScannedBlock(r.Context())
	if err != nil {
		a.Log.Warnw("state: scan cursor not read", "error", err)
	}
	if ok {
		res.Message = fmt.Sprintf("scanned block %d", block)
	}
	responseJSON(w, res, http.StatusOK)
}
