package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"renderly/internal/domain"
)

const maxScenes = 10

type sceneRequest struct {
	VisualDescription string `json:"visual_description"`
	CameraMovement    string `json:"camera_movement"`
	Mood              string `json:"mood"`
	Duration          int    `json:"duration"`
	TextOverlay       string `json:"text_overlay"`
}

type avatarPositionRequest struct {
	Scale float64 `json:"scale"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

type videoGenerateRequest struct {
	ProductID      string                 `json:"product_id"`
	ProductTitle   string                 `json:"product_title"`
	ImageURL       string                 `json:"image_url"`
	Scenes         []sceneRequest         `json:"scenes"`
	AvatarID       string                 `json:"avatar_id"`
	VoiceID        string                 `json:"voice_id"`
	Script         string                 `json:"script"`
	AvatarPosition *avatarPositionRequest `json:"avatar_position"`
	WebhookURL     string                 `json:"webhook_url"`
}

type jobResponse struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

func (a *App) VideosGenerate(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req videoGenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if msg := validateGenerateRequest(&req); msg != "" {
		a.error(w, http.StatusBadRequest, "bad_request", msg)
		return
	}

	placement := domain.DefaultAvatarPlacement()
	if req.AvatarPosition != nil {
		placement = domain.AvatarPlacement{
			Scale: req.AvatarPosition.Scale,
			X:     req.AvatarPosition.X,
			Y:     req.AvatarPosition.Y,
		}
	}

	job := &domain.Job{
		ID:           uuid.NewString(),
		OwnerID:      userID,
		ProductID:    req.ProductID,
		ProductTitle: req.ProductTitle,
		ImageURL:     req.ImageURL,
		AvatarID:     req.AvatarID,
		VoiceID:      req.VoiceID,
		AvatarScript: req.Script,
		Avatar:       placement,
		WebhookURL:   req.WebhookURL,
		Status:       domain.JobStatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	for _, scene := range req.Scenes {
		job.Scenes = append(job.Scenes, domain.Scene{
			VisualDescription: scene.VisualDescription,
			CameraMovement:    scene.CameraMovement,
			Mood:              scene.Mood,
			DurationSeconds:   scene.Duration,
			TextOverlay:       scene.TextOverlay,
		})
	}

	if err := a.Jobs.Create(r.Context(), job); err != nil {
		a.Logger.Error().Err(err).Msg("http: job create failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to create video job")
		return
	}
	if err := a.Queue.Publish(r.Context(), job.ID); err != nil {
		a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("http: job enqueue failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to queue video job")
		return
	}

	a.json(w, http.StatusAccepted, jobResponse{JobID: job.ID, Status: string(job.Status), Progress: job.Progress})
}

func validateGenerateRequest(req *videoGenerateRequest) string {
	switch {
	case req.ProductTitle == "":
		return "product_title required"
	case req.ImageURL == "":
		return "image_url required"
	case len(req.Scenes) == 0:
		return "at least one scene required"
	case len(req.Scenes) > maxScenes:
		return "too many scenes"
	case req.AvatarID == "":
		return "avatar_id required"
	case req.VoiceID == "":
		return "voice_id required"
	case req.Script == "":
		return "script required"
	}
	for _, scene := range req.Scenes {
		if scene.VisualDescription == "" {
			return "every scene needs a visual_description"
		}
		if scene.Duration != 0 && (scene.Duration < 4 || scene.Duration > 8) {
			return "scene duration must be between 4 and 8 seconds"
		}
	}
	return ""
}

func (a *App) VideoStatus(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}

	job, err := a.Jobs.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("http: job lookup failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}
	if job.OwnerID != userID {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}

	a.json(w, http.StatusOK, jobView(job))
}

func (a *App) VideosList(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	status := domain.JobStatus(r.URL.Query().Get("status"))

	jobs, err := a.Jobs.ListByOwner(r.Context(), userID, status)
	if err != nil {
		a.Logger.Error().Err(err).Msg("http: job list failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list jobs")
		return
	}

	items := make([]map[string]any, 0, len(jobs))
	for i := range jobs {
		items = append(items, jobView(&jobs[i]))
	}
	a.json(w, http.StatusOK, map[string]any{"jobs": items})
}

func jobView(job *domain.Job) map[string]any {
	view := map[string]any{
		"id":            job.ID,
		"product_id":    job.ProductID,
		"product_title": job.ProductTitle,
		"status":        string(job.Status),
		"progress":      job.Progress,
		"created_at":    job.CreatedAt,
		"updated_at":    job.UpdatedAt,
	}
	if job.ErrorMessage != "" {
		view["error_message"] = job.ErrorMessage
	}
	if job.FinalVideoURL != "" {
		view["video_url"] = job.FinalVideoURL
	}
	if job.CompletedAt != nil {
		view["completed_at"] = job.CompletedAt
	}
	if job.ProcessingSeconds != nil {
		view["processing_seconds"] = *job.ProcessingSeconds
	}
	if job.CreditsUsed > 0 {
		view["credits_used"] = job.CreditsUsed
	}
	return view
}
