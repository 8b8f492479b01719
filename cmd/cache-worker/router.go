package main

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	cacheworker "github.com/always-cache/cache-worker"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

const adminPrefix = "/.cache-worker"

func newRouter(container *cacheworker.Container, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request")
	}))

	r.Get(adminPrefix+"/status", statusHandler(container))
	r.Handle(adminPrefix+"/metrics", container.MetricsHandler())
	// every other request is a fetch event
	r.Handle("/*", container)
	return r
}

func statusHandler(container *cacheworker.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := hlog.FromRequest(r)
		regs := container.Registrations()
		statuses := make([]cacheworker.Status, 0, len(regs))
		for _, reg := range regs {
			status, err := reg.Status(r.Context())
			if err != nil {
				log.Error().Err(err).Str("scope", reg.Scope).Msg("Could not read registration status")
				http.Error(w, "Could not read status", http.StatusInternalServerError)
				return
			}
			statuses = append(statuses, status)
		}
		sort.Slice(statuses, func(i, j int) bool {
			return statuses[i].Scope < statuses[j].Scope
		})
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(statuses); err != nil {
			log.Error().Err(err).Msg("Could not write status")
		}
	}
}
