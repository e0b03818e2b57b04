package domain

import "time"

// JobStatus enumerates video job lifecycle states.
type JobStatus string

const (
	JobStatusPending           JobStatus = "pending"
	JobStatusProcessingScene   JobStatus = "processing_scene_generation"
	JobStatusProcessingOverlay JobStatus = "processing_overlay_generation"
	JobStatusCompleted         JobStatus = "completed"
	JobStatusFailed            JobStatus = "failed"
)

// Terminal reports whether the status admits no further pipeline mutation.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Scene is one narrative segment of the requested video.
type Scene struct {
	VisualDescription string `json:"visual_description"`
	CameraMovement    string `json:"camera_movement"`
	Mood              string `json:"mood"`
	DurationSeconds   int    `json:"duration"`
	TextOverlay       string `json:"text_overlay,omitempty"`
}

// AvatarPlacement positions the talking avatar over the background clip.
type AvatarPlacement struct {
	Scale float64 `json:"scale"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

// DefaultAvatarPlacement is applied when the intake request omits avatar_position.
func DefaultAvatarPlacement() AvatarPlacement {
	return AvatarPlacement{Scale: 0.8, X: 0.7, Y: 0.8}
}

// Job encapsulates the lifecycle of one product-video generation run.
type Job struct {
	ID           string
	OwnerID      string
	ProductID    string
	ProductTitle string
	Scenes       []Scene
	ImageURL     string
	AvatarID     string
	VoiceID      string
	AvatarScript string
	Avatar       AvatarPlacement
	WebhookURL   string

	Status       JobStatus
	Progress     int
	ErrorMessage string

	SceneVideoURI  string
	SceneVideoURL  string
	OverlayAssetID string
	OverlayVideoID string
	FinalVideoURL  string

	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
	ProcessingSeconds *int
	CreditsUsed       int
}
