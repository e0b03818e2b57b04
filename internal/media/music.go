package media

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// MusicMixer lays a background-music bed under a finished clip. The whole
// step is best effort: the orchestrator discards any Mix error and keeps the
// unmixed clip.
type MusicMixer struct {
	tracks     []string
	httpClient *http.Client
	uploader   Uploader
	runner     CommandRunner
	lookPath   func(string) (string, error)
	pick       func(n int) int
	logger     zerolog.Logger
}

// NewMusicMixer builds a mixer over the configured track list. Returns nil
// when no tracks are configured, which disables the step.
func NewMusicMixer(tracks []string, uploader Uploader, httpClient *http.Client, logger zerolog.Logger) *MusicMixer {
	if len(tracks) == 0 {
		return nil
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &MusicMixer{
		tracks:     tracks,
		httpClient: httpClient,
		uploader:   uploader,
		runner:     defaultRunner,
		lookPath:   exec.LookPath,
		pick:       rand.Intn,
		logger:     logger,
	}
}

// Mix downloads the clip and a randomly chosen track, muxes the track in as
// the audio bed and uploads the result to targetURI.
func (x *MusicMixer) Mix(ctx context.Context, videoURL, targetURI string) (string, error) {
	if _, err := x.lookPath("ffmpeg"); err != nil {
		return "", fmt.Errorf("mix: ffmpeg is not installed or not in PATH: %w", err)
	}

	track := x.tracks[x.pick(len(x.tracks))]

	tmpDir, err := os.MkdirTemp("", "music-mix-*")
	if err != nil {
		return "", fmt.Errorf("mix: temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	videoPath := filepath.Join(tmpDir, "video.mp4")
	trackPath := filepath.Join(tmpDir, "track.mp3")
	if err := x.download(ctx, videoURL, videoPath); err != nil {
		return "", err
	}
	if err := x.download(ctx, track, trackPath); err != nil {
		return "", err
	}

	outPath := filepath.Join(tmpDir, "mixed.mp4")
	if err := x.runner(ctx, "ffmpeg",
		"-i", videoPath, "-i", trackPath,
		"-map", "0:v", "-map", "1:a",
		"-c:v", "copy", "-shortest", "-y", outPath,
	); err != nil {
		return "", fmt.Errorf("mix: mux: %w", err)
	}

	if err := x.uploader.UploadFile(ctx, targetURI, outPath, "video/mp4"); err != nil {
		return "", fmt.Errorf("mix: upload result: %w", err)
	}

	x.logger.Info().Str("track", track).Str("target", targetURI).Msg("media: mixed background music")
	return targetURI, nil
}

func (x *MusicMixer) download(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("mix: request %s: %w", url, err)
	}
	resp, err := x.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mix: download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mix: download %s: status %d", url, resp.StatusCode)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("mix: create %s: %w", path, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("mix: write %s: %w", path, err)
	}
	return nil
}
