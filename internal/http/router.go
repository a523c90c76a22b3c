package httpserver

import "net/http"

// Routes groups handlers.
type Routes struct {
	RechargeCreate http.HandlerFunc
	Transactions   http.HandlerFunc
	TransactionsMe http.HandlerFunc
	TopUpWebhook   http.HandlerFunc
	LiveChannel    http.HandlerFunc
	Health         http.HandlerFunc

	Auth         func(http.Handler) http.Handler
	OptionalAuth func(http.Handler) http.Handler
}

// NewRouter registers endpoints. The history view requires a token; creation,
// reads and confirmations also accept guests, who act on a transaction with
// its claim key; the webhook and health endpoints authenticate on their own.
func NewRouter(routes Routes) http.Handler {
	mux := http.NewServeMux()
	if routes.RechargeCreate != nil {
		mux.Handle("/api/recharges", authed(routes.OptionalAuth, method(http.MethodPost, routes.RechargeCreate)))
	}
	if routes.TransactionsMe != nil {
		mux.Handle("/api/transactions/me", authed(routes.Auth, method(http.MethodGet, routes.TransactionsMe)))
	}
	if routes.Transactions != nil {
		mux.Handle("/api/transactions/", authed(routes.OptionalAuth, routes.Transactions))
	}
	if routes.TopUpWebhook != nil {
		mux.Handle("/internal/webhooks/topup", method(http.MethodPost, routes.TopUpWebhook))
	}
	if routes.LiveChannel != nil {
		mux.Handle("/ws", method(http.MethodGet, routes.LiveChannel))
	}
	if routes.Health != nil {
		mux.Handle("/health", method(http.MethodGet, routes.Health))
	}
	return mux
}

func method(expected string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != expected {
			w.Header().Set("Allow", expected)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		handler(w, r)
	}
}

func authed(auth func(http.Handler) http.Handler, handler http.Handler) http.Handler {
	if auth == nil {
		return handler
	}
	return auth(handler)
}
