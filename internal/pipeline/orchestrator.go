package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"renderly/internal/domain"
	"renderly/internal/providers/overlay"
	"renderly/internal/providers/scenevideo"
)

// Progress checkpoints are coarse milestones for external observers, not a
// continuous stream.
const (
	progressStarted     = 10
	progressBaseClip    = 30
	progressFallback    = 45
	progressSceneDone   = 60
	progressAssetUpload = 70
	progressOverlaySent = 80
	progressCompleted   = 100
)

// SceneGenerator submits and resolves scene-generation operations.
type SceneGenerator interface {
	GenerateBase(ctx context.Context, prompt, imageURL, storageURI string) (scenevideo.OperationHandle, error)
	Extend(ctx context.Context, clipURI, prompt, imageURL, storageURI string) (scenevideo.OperationHandle, error)
	Poll(ctx context.Context, handle scenevideo.OperationHandle) (string, error)
}

// OverlayGenerator attaches the avatar overlay onto a background clip.
type OverlayGenerator interface {
	UploadAsset(ctx context.Context, data []byte, contentType string) (string, error)
	Generate(ctx context.Context, req overlay.GenerateRequest) (string, error)
	PollStatus(ctx context.Context, videoID string) (string, error)
}

// ClipMerger concatenates independently generated clips in input order.
type ClipMerger interface {
	Merge(ctx context.Context, clipURLs []string, targetURI string) (string, error)
}

// MusicMixer lays a music bed under the final clip. Optional.
type MusicMixer interface {
	Mix(ctx context.Context, videoURL, targetURI string) (string, error)
}

// ArtifactStore derives fetchable URLs for storage-addressed artifacts.
type ArtifactStore interface {
	Scheme() string
	PublicURL(uri string) string
	ResolveFetchableURL(ctx context.Context, uri string) (string, error)
}

// Options wires an Orchestrator.
type Options struct {
	Jobs   domain.JobRepository
	Scenes SceneGenerator
	Avatar OverlayGenerator
	Merger ClipMerger
	// Music may be nil; the mixing step is skipped entirely then.
	Music      MusicMixer
	Store      ArtifactStore
	Bucket     string
	HTTPClient *http.Client
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Orchestrator drives one job through the scene-generation and
// overlay-generation stages to a terminal state, persisting progress at fixed
// checkpoints. It owns all status transitions after intake.
type Orchestrator struct {
	jobs       domain.JobRepository
	scenes     SceneGenerator
	avatar     OverlayGenerator
	merger     ClipMerger
	music      MusicMixer
	store      ArtifactStore
	bucket     string
	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time
}

// New builds an orchestrator.
func New(opts Options) *Orchestrator {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		jobs:       opts.Jobs,
		scenes:     opts.Scenes,
		avatar:     opts.Avatar,
		merger:     opts.Merger,
		music:      opts.Music,
		store:      opts.Store,
		bucket:     opts.Bucket,
		httpClient: httpClient,
		logger:     opts.Logger,
		now:        now,
	}
}

// persistError marks a job-store write failure. These are the only errors Run
// propagates to the caller: the queue's infra-level retry re-enters the
// pipeline from the top, while every stage failure resolves the job to failed
// right here.
type persistError struct {
	err error
}

func (e *persistError) Error() string { return e.err.Error() }
func (e *persistError) Unwrap() error { return e.err }

// Run executes the full pipeline for one job id. A non-nil return means the
// job record could not be loaded or saved and the invocation should be
// retried by the queue; a nil return means the job reached a terminal state
// (or already was in one).
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	logger := o.logger.With().Str("job_id", jobID).Logger()

	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		logger.Warn().Str("status", string(job.Status)).Msg("pipeline: job already terminal, skipping")
		return nil
	}

	runErr := o.execute(ctx, job, logger)
	if runErr == nil {
		logger.Info().Int("credits_used", job.CreditsUsed).Msg("pipeline: job completed")
		return nil
	}

	var pe *persistError
	if errors.As(runErr, &pe) {
		return runErr
	}

	logger.Error().Err(runErr).Str("kind", string(domain.KindOf(runErr))).Msg("pipeline: job failed")
	job.Status = domain.JobStatusFailed
	job.ErrorMessage = runErr.Error()
	if err := o.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("persist failed state for job %s: %w", jobID, err)
	}
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, job *domain.Job, logger zerolog.Logger) error {
	if len(job.Scenes) == 0 {
		return domain.NewStageError(domain.ErrorKindValidation, "pipeline", "job has no scenes")
	}

	if err := o.checkpoint(ctx, job, domain.JobStatusProcessingScene, progressStarted); err != nil {
		return err
	}

	clipURI, err := o.buildSceneClip(ctx, job, logger)
	if err != nil {
		return err
	}
	job.SceneVideoURI = clipURI

	clipURL, err := o.store.ResolveFetchableURL(ctx, clipURI)
	if err != nil {
		return fmt.Errorf("resolve scene clip url: %w", err)
	}
	job.SceneVideoURL = clipURL

	if err := o.checkpoint(ctx, job, domain.JobStatusProcessingOverlay, progressSceneDone); err != nil {
		return err
	}

	clipBytes, err := o.fetchClip(ctx, clipURL)
	if err != nil {
		return err
	}
	assetID, err := o.avatar.UploadAsset(ctx, clipBytes, "video/mp4")
	if err != nil {
		return err
	}
	job.OverlayAssetID = assetID
	if err := o.checkpoint(ctx, job, job.Status, progressAssetUpload); err != nil {
		return err
	}

	videoID, err := o.avatar.Generate(ctx, overlay.GenerateRequest{
		AvatarID: job.AvatarID,
		VoiceID:  job.VoiceID,
		Script:   job.AvatarScript,
		AssetID:  assetID,
		Scale:    job.Avatar.Scale,
		OffsetX:  job.Avatar.X,
		OffsetY:  job.Avatar.Y,
	})
	if err != nil {
		return err
	}
	job.OverlayVideoID = videoID
	if err := o.checkpoint(ctx, job, job.Status, progressOverlaySent); err != nil {
		return err
	}

	finalURL, err := o.avatar.PollStatus(ctx, videoID)
	if err != nil {
		return err
	}

	finalURL = o.maybeMixMusic(ctx, job, finalURL, logger)

	completedAt := o.now().UTC()
	processing := int(completedAt.Sub(job.CreatedAt.UTC()).Seconds())
	job.FinalVideoURL = finalURL
	job.CompletedAt = &completedAt
	job.ProcessingSeconds = &processing
	job.CreditsUsed = 1
	return o.checkpoint(ctx, job, domain.JobStatusCompleted, progressCompleted)
}

// buildSceneClip is the explicit two-branch strategy: a chained extension of
// the base clip when every step succeeds, otherwise a clean retry of the
// whole remaining tail as independent scenes plus a merge.
func (o *Orchestrator) buildSceneClip(ctx context.Context, job *domain.Job, logger zerolog.Logger) (string, error) {
	prompts := scenePrompts(job)
	base := o.storageBase(job)

	handle, err := o.scenes.GenerateBase(ctx, prompts[0], job.ImageURL, sceneDir(base, 1))
	if err != nil {
		return "", err
	}
	firstURI, err := o.scenes.Poll(ctx, handle)
	if err != nil {
		return "", err
	}
	if err := o.checkpoint(ctx, job, job.Status, progressBaseClip); err != nil {
		return "", err
	}
	if len(prompts) == 1 {
		return firstURI, nil
	}

	chainedURI, chainErr := o.extendChain(ctx, job, base, prompts, firstURI)
	if chainErr == nil {
		return chainedURI, nil
	}
	var pe *persistError
	if errors.As(chainErr, &pe) {
		return "", chainErr
	}

	logger.Warn().Err(chainErr).Msg("pipeline: extension chain failed, falling back to independent scenes and merge")
	return o.mergeFallback(ctx, job, base, prompts, firstURI)
}

func (o *Orchestrator) extendChain(ctx context.Context, job *domain.Job, base string, prompts []string, firstURI string) (string, error) {
	current := firstURI
	n := len(prompts)
	for i := 1; i < n; i++ {
		handle, err := o.scenes.Extend(ctx, current, prompts[i], job.ImageURL, sceneDir(base, i+1))
		if err != nil {
			return "", err
		}
		uri, err := o.scenes.Poll(ctx, handle)
		if err != nil {
			return "", err
		}
		current = uri

		progress := progressBaseClip + ((progressSceneDone-progressBaseClip)*i)/(n-1)
		if err := o.checkpoint(ctx, job, job.Status, progress); err != nil {
			return "", err
		}
	}
	return current, nil
}

func (o *Orchestrator) mergeFallback(ctx context.Context, job *domain.Job, base string, prompts []string, firstURI string) (string, error) {
	if err := o.checkpoint(ctx, job, job.Status, progressFallback); err != nil {
		return "", err
	}

	uris := []string{firstURI}
	for i := 1; i < len(prompts); i++ {
		handle, err := o.scenes.GenerateBase(ctx, prompts[i], job.ImageURL, sceneDir(base, i+1))
		if err != nil {
			return "", err
		}
		uri, err := o.scenes.Poll(ctx, handle)
		if err != nil {
			return "", err
		}
		uris = append(uris, uri)
	}

	urls := make([]string, len(uris))
	for i, uri := range uris {
		urls[i] = o.store.PublicURL(uri)
	}
	target := fmt.Sprintf("%s://%s/%s/merged/final.mp4", o.store.Scheme(), o.bucket, jobPathID(job))
	return o.merger.Merge(ctx, urls, target)
}

func (o *Orchestrator) maybeMixMusic(ctx context.Context, job *domain.Job, finalURL string, logger zerolog.Logger) string {
	if o.music == nil {
		return finalURL
	}

	target := fmt.Sprintf("%s://%s/%s/final_music.mp4", o.store.Scheme(), o.bucket, jobPathID(job))
	mixedURI, err := o.music.Mix(ctx, finalURL, target)
	if err != nil {
		logger.Warn().Err(err).Msg("pipeline: music mix failed, keeping unmixed clip")
		return finalURL
	}
	mixedURL, err := o.store.ResolveFetchableURL(ctx, mixedURI)
	if err != nil {
		logger.Warn().Err(err).Msg("pipeline: mixed clip url resolution failed, keeping unmixed clip")
		return finalURL
	}
	return mixedURL
}

func (o *Orchestrator) checkpoint(ctx context.Context, job *domain.Job, status domain.JobStatus, progress int) error {
	job.Status = status
	if progress > job.Progress {
		job.Progress = progress
	}
	if err := o.jobs.Update(ctx, job); err != nil {
		return &persistError{err: fmt.Errorf("persist job %s at progress %d: %w", job.ID, progress, err)}
	}
	return nil
}

func (o *Orchestrator) fetchClip(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, domain.WrapStageError(domain.ErrorKindRemote, "clip_fetch", err)
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, domain.WrapStageError(domain.ErrorKindTransient, "clip_fetch", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewStageError(domain.ErrorKindRemote, "clip_fetch", "fetch scene clip: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.WrapStageError(domain.ErrorKindRemote, "clip_fetch", err)
	}
	return data, nil
}

// scenePrompts renders one generation prompt per scene from the product
// title and the scene's descriptive fields.
func scenePrompts(job *domain.Job) []string {
	prompts := make([]string, len(job.Scenes))
	for i, scene := range job.Scenes {
		prompts[i] = fmt.Sprintf("%s | %s | %s | %s",
			job.ProductTitle, scene.VisualDescription, scene.CameraMovement, scene.Mood)
	}
	return prompts
}

// storageBase follows the {bucket}/{product_or_job}/{creation_date}/ layout
// convention of the scene backend.
func (o *Orchestrator) storageBase(job *domain.Job) string {
	return fmt.Sprintf("%s://%s/%s/%s/",
		o.store.Scheme(), o.bucket, jobPathID(job), job.CreatedAt.UTC().Format("2006-01-02"))
}

func sceneDir(base string, n int) string {
	return fmt.Sprintf("%sscene_%d/", base, n)
}

func jobPathID(job *domain.Job) string {
	if job.ProductID != "" {
		return job.ProductID
	}
	return job.ID
}
