package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter wires the prediction, frontend and monitoring routes. Unmatched
// requests go through the same middleware as routed ones.
func NewRouter(h *Handler, cors bool) *mux.Router {
	r := mux.NewRouter()

	middleware := []mux.MiddlewareFunc{h.requestID, h.logRequests, h.recoverPanic}
	if cors {
		middleware = append(middleware, enableCORS)
	}
	r.Use(middleware...)

	methods := func(m ...string) []string {
		if cors {
			m = append(m, http.MethodOptions)
		}
		return m
	}

	r.HandleFunc("/predict/", h.Predict).Methods(methods(http.MethodPost)...)
	r.HandleFunc("/predict", h.Predict).Methods(methods(http.MethodPost)...)
	r.HandleFunc("/health", h.Health).Methods(methods(http.MethodGet)...)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods(methods(http.MethodGet)...)
	}

	assetMethods := methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/", h.serveAsset("index.html", "Frontend not found")).Methods(assetMethods...)
	r.HandleFunc("/style.css", h.serveAsset("style.css", "CSS not found")).Methods(assetMethods...)
	r.HandleFunc("/script.js", h.serveAsset("script.js", "JS not found")).Methods(assetMethods...)
	r.PathPrefix("/frontend/").Handler(h.frontendFiles("/frontend/")).Methods(assetMethods...)

	r.NotFoundHandler = chain(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "Not found")
	}), middleware)
	r.MethodNotAllowedHandler = chain(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	}), middleware)

	return r
}

// chain applies middleware in the order mux.Router.Use would.
func chain(h http.Handler, middleware []mux.MiddlewareFunc) http.Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}
