// Package api exposes the node's local control surface over HTTP. It is the
// entry point operators and the cloud connector use to push desired state and
// read monitoring data.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

type Route interface {
	http.Handler

	// Pattern reports the path at which this is registered.
	Pattern() string
	Method() string
}

func NewRouter(routes []Route, logger *zerolog.Logger) *mux.Router {
	router := mux.NewRouter()
	for _, route := range routes {
		logger.Info().Msgf("Registering route: %s %s", route.Method(), route.Pattern())
		router.Handle(route.Pattern(), route).Methods(route.Method())
	}

	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug().Msgf("%s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	})

	return router
}
