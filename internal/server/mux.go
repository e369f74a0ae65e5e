// Package server implements the conversation server: the WebSocket sync
// endpoint, the paginated history endpoint, and the per-conversation
// actors that serialize sequence assignment and fanout.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Options wires the router's dependencies.
type Options struct {
	Logger   *slog.Logger
	Log      *Log
	Hub      *Hub
	Metrics  *Metrics
	Registry *prometheus.Registry

	// TokenHashes are the bcrypt hashes of accepted bearer tokens.
	TokenHashes []string

	// SendRate and SendBurst bound message.send frames per connection.
	SendRate  float64
	SendBurst int
}

// NewRouter builds the HTTP surface: sync WebSocket, message history,
// health, and metrics.
func NewRouter(opts Options) *mux.Router {
	hashes := make([][]byte, 0, len(opts.TokenHashes))
	for _, h := range opts.TokenHashes {
		hashes = append(hashes, []byte(h))
	}

	r := mux.NewRouter()
	r.Use(requestLogger(opts.Logger))

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})).
		Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	api.Handle("/conversations/{id}/ws", &wsHandler{
		hub:         opts.Hub,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		tokenHashes: hashes,
		sendRate:    rate.Limit(opts.SendRate),
		sendBurst:   opts.SendBurst,
	})

	api.Handle("/conversations/{id}/messages", &historyHandler{
		log:         opts.Log,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		tokenHashes: hashes,
	}).Methods(http.MethodGet)

	return r
}

// requestLogger logs each request at debug once it completes. WebSocket
// connections log when they end, which doubles as a session duration
// record.
func requestLogger(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			next.ServeHTTP(w, r)

			logger.Debug("request handled",
				"method", r.Method,
				"path", r.URL.Path,
				"duration", time.Since(start).Round(time.Millisecond).String(),
			)
		})
	}
}
