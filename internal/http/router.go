package httpapi

import "net/http"

// NewRouter mounts the API and, when given, the websocket endpoint. mw
// authenticates everything except /healthz.
func NewRouter(svc *Service, wsHandler http.Handler, mw func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.Handler) http.Handler {
		if mw != nil {
			return mw(h)
		}
		return h
	}

	mux.Handle("/api/history", wrap(http.HandlerFunc(svc.handleHistory)))
	mux.Handle("/api/check-reply-permission", wrap(http.HandlerFunc(svc.handleCheckReply)))
	mux.Handle("/api/queue-status", wrap(http.HandlerFunc(svc.handleQueueStatus)))
	mux.Handle("/api/agents", wrap(http.HandlerFunc(svc.handleAgents)))
	mux.Handle("/api/agents/", wrap(http.HandlerFunc(svc.handleAgentByID)))
	mux.Handle("/api/visitors/", wrap(http.HandlerFunc(svc.handleVisitorByID)))
	mux.Handle("/api/sessions/waiting", wrap(http.HandlerFunc(svc.handleWaiting)))
	mux.Handle("/api/sessions/transfer", wrap(http.HandlerFunc(svc.handleTransfer)))
	mux.Handle("/api/sessions/end", wrap(http.HandlerFunc(svc.handleEnd)))
	mux.HandleFunc("/healthz", svc.handleHealth)

	if wsHandler != nil {
		mux.Handle("/ws", wrap(wsHandler))
	}
	return mux
}
