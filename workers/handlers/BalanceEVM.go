package handlers

import (
	"math/big"
	"net/http"

	"github.com/shopspring/decimal"
)

// native coins have 18 decimals on every EVM chain the relay runs on
const nativePrecision = 18

func (a *API) BalanceEVM(w http.ResponseWriter, r *http.Request) {
	token, err := a.EVM.TokenBalance(r.Context(), a.Signer)
	if err != nil {
		a.Log.Errorw("error getting token balance", "signer", a.Signer.Hex(), "error", err)
		responsePlain(w, []byte("error"), http.StatusInternalServerError)
		return
	}
	native, err := a.EVM.BalanceAt(r.Context(), a.Signer)
	if err != nil {
		a.Log.Errorw("error getting native balance", "signer", a.Signer.Hex(), "error", err)
		responsePlain(w, []byte("error"), http.StatusInternalServerError)
		return
	}

	responseJSON(w, &APIBalanceEVMResponse{
		Token:  units(token, a.TokenPrecision),
		Symbol: a.TokenSymbol,
		Native: units(native, nativePrecision),
	}, http.StatusOK)
}

func units(n *big.Int, precision int32) string {
	return decimal.NewFromBigInt(n, -precision).String()
}
