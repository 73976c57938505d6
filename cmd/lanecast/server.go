package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/hassett-logistics/lanecast/internal/api"
	"github.com/hassett-logistics/lanecast/internal/cycle"
	"github.com/hassett-logistics/lanecast/internal/ledger"
	"github.com/hassett-logistics/lanecast/internal/metrics"
	"github.com/hassett-logistics/lanecast/internal/routing"
)

const maxBodyBytes = 1 << 20 // 1MB

type server struct {
	runner      *cycle.Runner
	table       routing.Table
	store       ledger.Store
	metrics     *metrics.Metrics
	limiter     *rate.Limiter
	metricsAuth struct {
		user     string
		password string
	}
}

// handleIngest accepts an evaluation batch. The runner appends the raw body
// to the WAL before parsing so torn requests can be replayed.
func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	report, err := s.runner.Ingest(r.Context(), body)
	if err != nil {
		log.Printf("Ingest failed: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// handleCycle triggers a routing update cycle for the given period
// (defaults to the current ISO week).
func (s *server) handleCycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	period, err := periodFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	report, err := s.runner.RunCycle(r.Context(), period)
	if err != nil {
		log.Printf("Cycle failed: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (s *server) handleTable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap, err := s.table.Current(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if snap == nil {
		http.Error(w, "No routing table published", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

func (s *server) handleForecast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	period, err := periodFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	weeks := 6
	if v := r.URL.Query().Get("weeks"); v != "" {
		weeks, err = strconv.Atoi(v)
		if err != nil || weeks < 1 {
			http.Error(w, "Invalid weeks parameter", http.StatusBadRequest)
			return
		}
	}

	records, err := s.runner.Outlook(r.Context(), period, weeks)
	if err != nil {
		log.Printf("Outlook failed: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, records)
}

// metricsHandler wraps the Prometheus handler with optional basic auth.
func (s *server) metricsHandler() http.Handler {
	promHandler := promhttp.Handler()
	if s.metricsAuth.user == "" {
		return promHandler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		promHandler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func periodFromQuery(r *http.Request) (api.Period, error) {
	year, week := time.Now().ISOWeek()
	q := r.URL.Query()
	if v := q.Get("week"); v != "" {
		w, err := strconv.Atoi(v)
		if err != nil {
			return api.Period{}, err
		}
		week = w
	}
	if v := q.Get("year"); v != "" {
		y, err := strconv.Atoi(v)
		if err != nil {
			return api.Period{}, err
		}
		year = y
	}
	p := api.Period{Week: week, Year: year}
	return p, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}
