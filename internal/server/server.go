// Package server is a development chat backend for exercising the sync
// engine end to end.
package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/ws"
)

func NewRouter(server *Server, hub *ws.Hub, logger *zap.Logger) http.Handler {
	server.SetHub(hub)

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(zapLoggerMiddleware(logger))

	// Websocket upgrade must bypass response compression.
	r.Get("/connect", hub.HandleWS)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/healthz", server.Health)

	r.Group(func(apiRouter chi.Router) {
		apiRouter.Use(middleware.Compress(5))

		apiRouter.Get("/token", server.GetToken)
		apiRouter.Get("/channels/{cid}/messages", server.ListMessages)
		apiRouter.Post("/channels/{cid}/messages", server.PostMessage)
		apiRouter.Post("/events", server.PostEvent)
		apiRouter.Post("/admin/kick", server.Kick)
	})

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", maskQueryToken(r.URL.RawQuery)),
				zap.String("requestID", middleware.GetReqID(r.Context())),
			)
			next.ServeHTTP(w, r)
		})
	}
}

// maskQueryToken masks the "authorization" parameter in a query string
func maskQueryToken(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	if tok := values.Get("authorization"); tok != "" {
		if len(tok) > 4 {
			values.Set("authorization", tok[:4]+"****")
		} else {
			values.Set("authorization", "****")
		}
	}
	var parts []string
	for k, vs := range values {
		for _, v := range vs {
			parts = append(parts, k+"="+v)
		}
	}
	return strings.Join(parts, "&")
}
