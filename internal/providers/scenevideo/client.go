package scenevideo

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"renderly/internal/domain"
	"renderly/internal/storage"
)

// Output format is fixed per call so that every clip in a job remains
// compatible for later extension, concatenation and overlay.
const (
	clipDurationSeconds = 8
	clipAspectRatio     = "9:16"
	clipResolution      = "720p"
	clipSampleCount     = 1
	clipResizeMode      = "crop"
)

// OperationHandle references a remote long-running generation request together
// with the storage location its output is expected to land in.
type OperationHandle struct {
	Name       string
	StorageURI string
}

// HeaderSource supplies the authorization header for the scene backend.
type HeaderSource interface {
	AuthorizationHeader(ctx context.Context) (map[string]string, error)
}

// StorageProber looks for an output clip that already landed under a storage
// prefix; used as the fallback when the operation endpoint cannot answer.
type StorageProber interface {
	FirstObjectURI(ctx context.Context, prefixURI string) (string, error)
}

// Options configures the scene video client.
type Options struct {
	ProjectID string
	Location  string
	Model     string
	// BaseURL overrides the derived model endpoint; tests point it at a fake.
	BaseURL      string
	Credentials  HeaderSource
	Prober       StorageProber
	HTTPClient   *http.Client
	PollAttempts int
	PollInterval time.Duration
	Logger       zerolog.Logger
}

// Client submits scene-generation and extension requests to the remote video
// model and resolves their long-running operations to an output location.
type Client struct {
	baseURL      string
	creds        HeaderSource
	prober       StorageProber
	httpClient   *http.Client
	pollAttempts int
	pollInterval time.Duration
	logger       zerolog.Logger
}

// NewClient constructs a scene video client with sane defaults.
func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		location := opts.Location
		if location == "" {
			location = "us-central1"
		}
		model := opts.Model
		if model == "" {
			model = "veo-3.1-generate-preview"
		}
		baseURL = fmt.Sprintf(
			"https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s",
			location, opts.ProjectID, location, model,
		)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	attempts := opts.PollAttempts
	if attempts <= 0 {
		attempts = 60
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	return &Client{
		baseURL:      baseURL,
		creds:        opts.Credentials,
		prober:       opts.Prober,
		httpClient:   httpClient,
		pollAttempts: attempts,
		pollInterval: interval,
		logger:       opts.Logger,
	}
}

type imageInput struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
}

type videoInput struct {
	GCSURI string `json:"gcsUri"`
}

type instance struct {
	Prompt          string      `json:"prompt"`
	DurationSeconds int         `json:"durationSeconds"`
	AspectRatio     string      `json:"aspectRatio"`
	Resolution      string      `json:"resolution"`
	SampleCount     int         `json:"sampleCount"`
	ResizeMode      string      `json:"resizeMode"`
	Image           *imageInput `json:"image,omitempty"`
	Video           *videoInput `json:"video,omitempty"`
}

type predictParameters struct {
	StorageURI string `json:"storageUri"`
}

type predictRequest struct {
	Instances  []instance        `json:"instances"`
	Parameters predictParameters `json:"parameters"`
}

type prediction struct {
	GCSURI     string `json:"gcsUri"`
	StorageURI string `json:"storageUri"`
}

type operationError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type operationResponse struct {
	Name     string `json:"name"`
	Done     bool   `json:"done"`
	Response *struct {
		Predictions []prediction `json:"predictions"`
	} `json:"response,omitempty"`
	Error *operationError `json:"error,omitempty"`
}

// GenerateBase submits a single scene request anchored to a starting image.
// When the backend rejects image-conditioned generation on policy grounds the
// request is retried exactly once as a text-only prompt.
func (c *Client) GenerateBase(ctx context.Context, prompt, imageURL, storageURI string) (OperationHandle, error) {
	inst := c.newInstance(prompt)
	if imageURL != "" {
		encoded, err := c.fetchImageBase64(ctx, imageURL)
		if err != nil {
			return OperationHandle{}, err
		}
		inst.Image = &imageInput{BytesBase64Encoded: encoded}
	}

	handle, err := c.submit(ctx, inst, storageURI)
	if err != nil && inst.Image != nil && isPolicyRejection(err) {
		c.logger.Warn().Err(err).Msg("scenevideo: image-conditioned request rejected, retrying text-only")
		inst.Image = nil
		handle, err = c.submit(ctx, inst, storageURI)
	}
	return handle, err
}

// Extend submits a continuation request that extends an existing clip with a
// new prompt segment.
func (c *Client) Extend(ctx context.Context, clipURI, prompt, imageURL, storageURI string) (OperationHandle, error) {
	inst := c.newInstance(prompt)
	inst.Video = &videoInput{GCSURI: clipURI}
	if imageURL != "" {
		encoded, err := c.fetchImageBase64(ctx, imageURL)
		if err != nil {
			return OperationHandle{}, err
		}
		inst.Image = &imageInput{BytesBase64Encoded: encoded}
	}
	return c.submit(ctx, inst, storageURI)
}

func (c *Client) newInstance(prompt string) instance {
	return instance{
		Prompt:          prompt,
		DurationSeconds: clipDurationSeconds,
		AspectRatio:     clipAspectRatio,
		Resolution:      clipResolution,
		SampleCount:     clipSampleCount,
		ResizeMode:      clipResizeMode,
	}
}

func (c *Client) submit(ctx context.Context, inst instance, storageURI string) (OperationHandle, error) {
	payload := predictRequest{
		Instances:  []instance{inst},
		Parameters: predictParameters{StorageURI: storageURI},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return OperationHandle{}, domain.WrapStageError(domain.ErrorKindRemote, "scene_submit", fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+":predictLongRunning", bytes.NewReader(body))
	if err != nil {
		return OperationHandle{}, domain.WrapStageError(domain.ErrorKindRemote, "scene_submit", err)
	}
	if err := c.applyHeaders(ctx, req, "scene_submit"); err != nil {
		return OperationHandle{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return OperationHandle{}, domain.WrapStageError(domain.ErrorKindTransient, "scene_submit", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return OperationHandle{}, c.statusError("scene_submit", resp)
	}

	var op operationResponse
	if err := json.NewDecoder(resp.Body).Decode(&op); err != nil {
		return OperationHandle{}, domain.WrapStageError(domain.ErrorKindRemote, "scene_submit", fmt.Errorf("decode response: %w", err))
	}
	if op.Name == "" {
		return OperationHandle{}, domain.NewStageError(domain.ErrorKindRemote, "scene_submit", "operation name missing in response")
	}

	c.logger.Debug().Str("operation", op.Name).Str("storage_uri", storageURI).Msg("scenevideo: operation submitted")
	return OperationHandle{Name: op.Name, StorageURI: storageURI}, nil
}

// Poll drives an operation to completion by blocking wait-and-retry. When the
// operation endpoint reports not-found or unavailable, the expected storage
// location is probed directly before the next scheduled poll; unreachability
// and authorization failures are fatal immediately.
func (c *Client) Poll(ctx context.Context, handle OperationHandle) (string, error) {
	pollURL := c.baseURL + ":fetchPredictOperation?name=" + url.QueryEscape(handle.Name)

	for attempt := 0; attempt < c.pollAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.pollInterval):
			case <-ctx.Done():
				return "", domain.WrapStageError(domain.ErrorKindTimeout, "scene_poll", ctx.Err())
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
		if err != nil {
			return "", domain.WrapStageError(domain.ErrorKindRemote, "scene_poll", err)
		}
		if err := c.applyHeaders(ctx, req, "scene_poll"); err != nil {
			return "", err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return "", domain.WrapStageError(domain.ErrorKindRemote, "scene_poll", fmt.Errorf("operation endpoint unreachable: %w", err))
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			resp.Body.Close()
			return "", domain.NewStageError(domain.ErrorKindAuth, "scene_poll", "operation endpoint rejected credentials (status %d)", resp.StatusCode)
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusServiceUnavailable:
			resp.Body.Close()
			if uri, ok := c.probe(ctx, handle); ok {
				return uri, nil
			}
			continue
		case resp.StatusCode != http.StatusOK:
			err := c.statusError("scene_poll", resp)
			resp.Body.Close()
			return "", err
		}

		var op operationResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&op)
		resp.Body.Close()
		if decodeErr != nil {
			return "", domain.WrapStageError(domain.ErrorKindRemote, "scene_poll", fmt.Errorf("decode operation: %w", decodeErr))
		}

		if op.Error != nil && op.Error.Message != "" {
			return "", domain.NewStageError(domain.ErrorKindRemote, "scene_poll", "operation failed: %s", op.Error.Message)
		}
		if !op.Done {
			continue
		}

		if op.Response != nil {
			for _, p := range op.Response.Predictions {
				if p.GCSURI != "" {
					return p.GCSURI, nil
				}
				if p.StorageURI != "" {
					return p.StorageURI, nil
				}
			}
		}
		if uri, ok := c.probe(ctx, handle); ok {
			return uri, nil
		}
		return "", domain.NewStageError(domain.ErrorKindRemote, "scene_poll", "operation completed without an output location")
	}

	return "", domain.NewStageError(domain.ErrorKindTimeout, "scene_poll",
		"gave up waiting for operation %s after %d attempts; it may still be running remotely", handle.Name, c.pollAttempts)
}

func (c *Client) probe(ctx context.Context, handle OperationHandle) (string, bool) {
	if c.prober == nil || handle.StorageURI == "" {
		return "", false
	}
	uri, err := c.prober.FirstObjectURI(ctx, handle.StorageURI)
	if err != nil {
		if !errors.Is(err, storage.ErrNoObject) {
			c.logger.Warn().Err(err).Str("storage_uri", handle.StorageURI).Msg("scenevideo: storage probe failed")
		}
		return "", false
	}
	c.logger.Info().Str("uri", uri).Msg("scenevideo: output located via storage probe")
	return uri, true
}

func (c *Client) applyHeaders(ctx context.Context, req *http.Request, stage string) error {
	if c.creds == nil {
		return domain.NewStageError(domain.ErrorKindAuth, stage, "no credential provider configured")
	}
	headers, err := c.creds.AuthorizationHeader(ctx)
	if err != nil {
		return err
	}
	if len(headers) == 0 {
		return domain.NewStageError(domain.ErrorKindAuth, stage, "no credential available for scene backend")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return nil
}

func (c *Client) statusError(stage string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := strings.TrimSpace(string(body))

	kind := domain.ErrorKindRemote
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = domain.ErrorKindAuth
	case http.StatusBadRequest:
		kind = domain.ErrorKindValidation
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable:
		kind = domain.ErrorKindTransient
	}

	if detail == "" {
		return domain.NewStageError(kind, stage, "backend status %d", resp.StatusCode)
	}
	return domain.NewStageError(kind, stage, "backend status %d: %s", resp.StatusCode, detail)
}

func (c *Client) fetchImageBase64(ctx context.Context, imageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return "", domain.WrapStageError(domain.ErrorKindRemote, "scene_image", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", domain.WrapStageError(domain.ErrorKindTransient, "scene_image", fmt.Errorf("fetch source image: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", domain.NewStageError(domain.ErrorKindRemote, "scene_image", "fetch source image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", domain.WrapStageError(domain.ErrorKindRemote, "scene_image", fmt.Errorf("read source image: %w", err))
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

var policyMarkers = []string{"policy", "safety", "sensitive", "prohibited", "blocked"}

func isPolicyRejection(err error) bool {
	if !domain.IsKind(err, domain.ErrorKindValidation) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range policyMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
