package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Uploader stores a local file at a storage URI.
type Uploader interface {
	UploadFile(ctx context.Context, uri, path, contentType string) error
}

// CommandRunner executes an external tool. Injectable so tests can observe
// and stub the concat invocation.
type CommandRunner func(ctx context.Context, name string, args ...string) error

func defaultRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, string(out))
	}
	return nil
}

// Merger concatenates independently generated clips into one artifact. It is
// the fallback path when sequential extension is unavailable.
type Merger struct {
	httpClient *http.Client
	uploader   Uploader
	runner     CommandRunner
	lookPath   func(string) (string, error)
	logger     zerolog.Logger
}

// NewMerger builds a merger that shells out to ffmpeg.
func NewMerger(uploader Uploader, httpClient *http.Client, logger zerolog.Logger) *Merger {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &Merger{
		httpClient: httpClient,
		uploader:   uploader,
		runner:     defaultRunner,
		lookPath:   exec.LookPath,
		logger:     logger,
	}
}

// Merge downloads each clip, concatenates them losslessly in input order and
// uploads the result to targetURI. Temporary storage is scoped to one
// directory released on every exit path. Callers must supply clips in
// narrative order.
func (m *Merger) Merge(ctx context.Context, clipURLs []string, targetURI string) (string, error) {
	if len(clipURLs) == 0 {
		return "", fmt.Errorf("merge: no clips supplied")
	}
	if _, err := m.lookPath("ffmpeg"); err != nil {
		return "", fmt.Errorf("merge: ffmpeg is not installed or not in PATH: %w", err)
	}

	tmpDir, err := os.MkdirTemp("", "scene-merge-*")
	if err != nil {
		return "", fmt.Errorf("merge: temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	listPath := filepath.Join(tmpDir, "clips.txt")
	listFile, err := os.Create(listPath)
	if err != nil {
		return "", fmt.Errorf("merge: create list file: %w", err)
	}
	for i, clipURL := range clipURLs {
		clipPath := filepath.Join(tmpDir, fmt.Sprintf("scene_%03d.mp4", i+1))
		if err := m.download(ctx, clipURL, clipPath); err != nil {
			listFile.Close()
			return "", err
		}
		if _, err := fmt.Fprintf(listFile, "file '%s'\n", clipPath); err != nil {
			listFile.Close()
			return "", fmt.Errorf("merge: write list file: %w", err)
		}
	}
	if err := listFile.Close(); err != nil {
		return "", fmt.Errorf("merge: close list file: %w", err)
	}

	outPath := filepath.Join(tmpDir, "merged.mp4")
	// Same codec and container across clips, so a stream copy concat keeps
	// this lossless.
	if err := m.runner(ctx, "ffmpeg", "-f", "concat", "-safe", "0", "-i", listPath, "-c", "copy", "-y", outPath); err != nil {
		return "", fmt.Errorf("merge: concat: %w", err)
	}

	if err := m.uploader.UploadFile(ctx, targetURI, outPath, "video/mp4"); err != nil {
		return "", fmt.Errorf("merge: upload result: %w", err)
	}

	m.logger.Info().Int("clips", len(clipURLs)).Str("target", targetURI).Msg("media: merged scene clips")
	return targetURI, nil
}

func (m *Merger) download(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("merge: request %s: %w", url, err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("merge: download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("merge: download %s: status %d", url, resp.StatusCode)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("merge: create %s: %w", path, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("merge: write %s: %w", path, err)
	}
	return nil
}
