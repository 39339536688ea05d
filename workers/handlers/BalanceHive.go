package handlers

import (
	"net/http"
)

func (a *API) BalanceHive(w http.ResponseWriter, r *http.Request) {
	balance, err := a.Hive.Balance(r.Context(), a.HiveAccount, a.HiveDenomination)
	if err != nil {
		a.Log.Errorw("error getting hive balance", "account", a.HiveAccount, "error", err)
		responsePlain(w, []byte("error"), http.StatusInternalServerError)
		return
	}
	responsePlain(w, []byte(balance.String()), http.StatusOK)
}
