package handlers

import (
	"net/http"

	"gohivebridge/types"

	"github.com/go-chi/chi"
)

func (a *API) GetDeposits(w http.ResponseWriter, r *http.Request) {
	status := types.DepositStatus(chi.URLParam(r, "status"))
	if !known(types.DepositStatuses, status) {
		responseError(w, "unknown deposit status", http.StatusBadRequest)
		return
	}
	records, err := a.Store.ListDeposits(r.Context(), status)
	if err != nil {
		a.Log.Errorw("error listing deposits", "status", status, "error", err)
		responseJSON(w, nil, http.StatusInternalServerError)
		return
	}
	responseJSON(w, orEmpty(records), http.StatusOK)
}

func (a *API) GetOutbound(w http.ResponseWriter, r *http.Request) {
	status := types.OutboundStatus(chi.URLParam(r, "status"))
	if !known(types.OutboundStatuses, status) {
		responseError(w, "unknown outbound status", http.StatusBadRequest)
		return
	}
	records, err := a.Store.ListOutbound(r.Context(), status)
	if err != nil {
		a.Log.Errorw("error listing outbound transactions", "status", status, "error", err)
		responseJSON(w, nil, http.StatusInternalServerError)
		return
	}
	responseJSON(w, orEmpty(records), http.StatusOK)
}

func (a *API) GetRefunds(w http.ResponseWriter, r *http.Request) {
	status := types.RefundStatus(chi.URLParam(r, "status"))
	if !known(types.RefundStatuses, status) {
		responseError(w, "unknown refund status", http.StatusBadRequest)
		return
	}
	records, err := a.Store.ListRefunds(r.Context(), status)
	if err != nil {
		a.Log.Errorw("error listing refunds", "status", status, "error", err)
		responseJSON(w, nil, http.StatusInternalServerError)
		return
	}
	responseJSON(w, orEmpty(records), http.StatusOK)
}

func known[T comparable](all []T, v T) bool {
	for _, s := range all {
		if s == v {
			return true
		}
	}
	return false
}

// empty lists are served as [] rather than null
func orEmpty[T any](records []T) []T {
	if records == nil {
		return []T{}
	}
	return records
}
