package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

type probe func(ctx context.Context) error

type statsFunc func(ctx context.Context) (map[string]any, error)

func newRouter(checks map[string]probe, stats statsFunc, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, middleware.Timeout(5*time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		status := http.StatusOK
		body := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(req.Context()); err != nil {
				logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
				status = http.StatusServiceUnavailable
				body[name] = err.Error()
				continue
			}
			body[name] = "ok"
		}
		writeJSON(w, status, body, logger)
	})

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		if stats == nil {
			writeJSON(w, http.StatusOK, map[string]any{}, logger)
			return
		}
		s, err := stats(req.Context())
		if err != nil {
			logger.Error("collecting stats", zap.Error(err))
			http.Error(w, "stats unavailable", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, s, logger)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *zap.Logger) {
	b, err := json.Marshal(v)
	if err != nil {
		logger.Error("encoding response", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
