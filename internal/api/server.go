// Package api is the operational HTTP surface: health, metrics, scheduler
// status and recent job health. The full parcel CRUD API lives outside this
// service.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parcelwatch/parcelwatch/internal/scheduler"
	"github.com/parcelwatch/parcelwatch/internal/store"
)

type Server struct {
	store     *store.Store
	scheduler *scheduler.Scheduler
	port      string
}

func NewServer(st *store.Store, sched *scheduler.Scheduler, port string) *Server {
	return &Server{store: st, scheduler: sched, port: port}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/scheduler/status", s.handleSchedulerStatus)
	mux.HandleFunc("/api/jobs/health", s.handleJobHealth)
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    ":" + s.port,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"running": s.scheduler.IsRunning(),
		"jobs":    s.scheduler.Jobs(),
	})
}

func (s *Server) handleJobHealth(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.GetJobHealth(7)
	if err != nil {
		log.Printf("api: job health: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, summaries)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}
