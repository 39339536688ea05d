package handlers

type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Field   string `json:"field"`
}

type APIStateResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type APIBalanceEVMResponse struct {
	Token  string `json:"token"`
	Symbol string `json:"symbol"`
	// native coin left for gas
	Native string `json:"native"`
}
