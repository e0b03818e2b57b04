package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"renderly/internal/domain"
)

// JobPublisher enqueues a job id for asynchronous processing.
type JobPublisher interface {
	Publish(ctx context.Context, jobID string) error
}

type App struct {
	Jobs   domain.JobRepository
	Queue  JobPublisher
	Logger zerolog.Logger
}

func NewApp(jobs domain.JobRepository, queue JobPublisher, logger zerolog.Logger) *App {
	return &App{Jobs: jobs, Queue: queue, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, kind, message string) {
	a.json(w, code, map[string]string{"error": kind, "message": message})
}

// currentUserID reads the caller identity injected by the gateway.
func (a *App) currentUserID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}
