package overlay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"renderly/internal/domain"
)

const (
	submitAttempts    = 3
	transientAttempts = 3
)

// Statuses the backend is allowed to report while work is still in flight.
var pendingStatuses = map[string]bool{
	"submitted":  true,
	"pending":    true,
	"waiting":    true,
	"processing": true,
}

// Error-ish statuses retried a bounded number of times before giving up.
var transientStatuses = map[string]bool{
	"error": true,
}

// Options configures the avatar overlay client.
type Options struct {
	APIKey string
	BaseV1 string
	BaseV2 string
	// RetryDelay is the linear backoff unit for transient submit failures.
	RetryDelay   time.Duration
	PollAttempts int
	PollInterval time.Duration
	HTTPClient   *http.Client
	Logger       zerolog.Logger
}

// Client attaches a talking-avatar overlay onto a finished background clip
// through the remote overlay-generation API.
type Client struct {
	apiKey       string
	baseV1       string
	baseV2       string
	retryDelay   time.Duration
	pollAttempts int
	pollInterval time.Duration
	httpClient   *http.Client
	logger       zerolog.Logger
}

// GenerateRequest describes one overlay-generation submission.
type GenerateRequest struct {
	AvatarID string
	VoiceID  string
	Script   string
	AssetID  string
	Scale    float64
	OffsetX  float64
	OffsetY  float64
}

// NewClient constructs an overlay client with sane defaults.
func NewClient(opts Options) *Client {
	baseV1 := strings.TrimRight(opts.BaseV1, "/")
	if baseV1 == "" {
		baseV1 = "https://api.heygen.com/v1"
	}
	baseV2 := strings.TrimRight(opts.BaseV2, "/")
	if baseV2 == "" {
		baseV2 = "https://api.heygen.com/v2"
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	attempts := opts.PollAttempts
	if attempts <= 0 {
		attempts = 60
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}

	return &Client{
		apiKey:       opts.APIKey,
		baseV1:       baseV1,
		baseV2:       baseV2,
		retryDelay:   retryDelay,
		pollAttempts: attempts,
		pollInterval: interval,
		httpClient:   httpClient,
		logger:       opts.Logger,
	}
}

// UploadAsset uploads a binary video payload as a backend asset and returns
// its id. The body is the raw bytes, not a multipart form.
func (c *Client) UploadAsset(ctx context.Context, data []byte, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseV1+"/asset", bytes.NewReader(data))
	if err != nil {
		return "", domain.WrapStageError(domain.ErrorKindRemote, "overlay_upload", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", domain.WrapStageError(domain.ErrorKindTransient, "overlay_upload", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		payload, err := decodePayload(resp.Body)
		if err != nil {
			return "", domain.WrapStageError(domain.ErrorKindRemote, "overlay_upload", err)
		}
		assetID := extractString(payload, assetIDPaths)
		if assetID == "" {
			return "", domain.NewStageError(domain.ErrorKindRemote, "overlay_upload", "asset id missing in upload response")
		}
		return assetID, nil
	case http.StatusBadRequest:
		return "", domain.NewStageError(domain.ErrorKindValidation, "overlay_upload", "backend rejected asset: %s", readBody(resp))
	case http.StatusUnauthorized:
		return "", domain.NewStageError(domain.ErrorKindAuth, "overlay_upload", "backend rejected api key")
	default:
		return "", domain.NewStageError(domain.ErrorKindRemote, "overlay_upload", "backend status %d: %s", resp.StatusCode, readBody(resp))
	}
}

type characterPayload struct {
	Type        string  `json:"type"`
	AvatarID    string  `json:"avatar_id"`
	AvatarStyle string  `json:"avatar_style"`
	Scale       float64 `json:"scale"`
	Offset      offset  `json:"offset"`
	Matting     bool    `json:"matting"`
}

type offset struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type voicePayload struct {
	Type      string `json:"type"`
	InputText string `json:"input_text"`
	VoiceID   string `json:"voice_id"`
}

type backgroundPayload struct {
	Type         string `json:"type"`
	VideoAssetID string `json:"video_asset_id"`
	PlayStyle    string `json:"play_style"`
}

type videoInput struct {
	Character  characterPayload  `json:"character"`
	Voice      voicePayload      `json:"voice"`
	Background backgroundPayload `json:"background"`
}

type dimension struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type generatePayload struct {
	VideoInputs []videoInput `json:"video_inputs"`
	Dimension   dimension    `json:"dimension"`
	AspectRatio string       `json:"aspect_ratio"`
}

// Generate submits an overlay-generation request and returns the remote video
// id. Transient failures (502, 429, network errors) are retried up to 3 times
// with linear backoff; anything else aborts immediately.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	payload := generatePayload{
		VideoInputs: []videoInput{{
			Character: characterPayload{
				Type:        "avatar",
				AvatarID:    req.AvatarID,
				AvatarStyle: "normal",
				Scale:       req.Scale,
				Offset:      offset{X: req.OffsetX, Y: req.OffsetY},
				Matting:     true,
			},
			Voice: voicePayload{
				Type:      "text",
				InputText: req.Script,
				VoiceID:   req.VoiceID,
			},
			Background: backgroundPayload{
				Type:         "video",
				VideoAssetID: req.AssetID,
				PlayStyle:    "full_video",
			},
		}},
		Dimension:   dimension{Width: 720, Height: 1280},
		AspectRatio: "9:16",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", domain.WrapStageError(domain.ErrorKindRemote, "overlay_generate", err)
	}

	var lastErr error
	for attempt := 1; attempt <= submitAttempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt-1) * c.retryDelay
			c.logger.Warn().Err(lastErr).Int("attempt", attempt).Dur("backoff", backoff).Msg("overlay: retrying generation submit")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", domain.WrapStageError(domain.ErrorKindTransient, "overlay_generate", ctx.Err())
			}
		}

		videoID, err := c.submitGenerate(ctx, body)
		if err == nil {
			return videoID, nil
		}
		if !domain.IsKind(err, domain.ErrorKindTransient) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

func (c *Client) submitGenerate(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseV2+"/video/generate", bytes.NewReader(body))
	if err != nil {
		return "", domain.WrapStageError(domain.ErrorKindRemote, "overlay_generate", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", domain.WrapStageError(domain.ErrorKindTransient, "overlay_generate", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		payload, err := decodePayload(resp.Body)
		if err != nil {
			return "", domain.WrapStageError(domain.ErrorKindRemote, "overlay_generate", err)
		}
		videoID := extractString(payload, videoIDPaths)
		if videoID == "" {
			return "", domain.NewStageError(domain.ErrorKindRemote, "overlay_generate", "video id missing in response")
		}
		return videoID, nil
	case resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusTooManyRequests:
		return "", domain.NewStageError(domain.ErrorKindTransient, "overlay_generate", "backend status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized:
		return "", domain.NewStageError(domain.ErrorKindAuth, "overlay_generate", "backend rejected api key")
	case resp.StatusCode == http.StatusBadRequest:
		return "", domain.NewStageError(domain.ErrorKindValidation, "overlay_generate", "backend rejected request: %s", readBody(resp))
	default:
		return "", domain.NewStageError(domain.ErrorKindRemote, "overlay_generate", "backend status %d: %s", resp.StatusCode, readBody(resp))
	}
}

// PollStatus polls the status endpoint until the overlay video is completed
// and returns its final URL. Read timeouts on individual polls only cost
// elapsed time; they do not consume the transient budget.
func (c *Client) PollStatus(ctx context.Context, videoID string) (string, error) {
	statusURL := c.baseV1 + "/video_status.get?video_id=" + url.QueryEscape(videoID)
	transientLeft := transientAttempts

	for attempt := 0; attempt < c.pollAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.pollInterval):
			case <-ctx.Done():
				return "", domain.WrapStageError(domain.ErrorKindTimeout, "overlay_poll", ctx.Err())
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
		if err != nil {
			return "", domain.WrapStageError(domain.ErrorKindRemote, "overlay_poll", err)
		}
		req.Header.Set("X-Api-Key", c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if isReadTimeout(err) {
				c.logger.Warn().Err(err).Str("video_id", videoID).Msg("overlay: status poll timed out, retrying")
				continue
			}
			return "", domain.WrapStageError(domain.ErrorKindRemote, "overlay_poll", err)
		}

		if resp.StatusCode != http.StatusOK {
			err := domain.NewStageError(classifyStatus(resp.StatusCode), "overlay_poll", "status endpoint returned %d: %s", resp.StatusCode, readBody(resp))
			resp.Body.Close()
			if domain.IsKind(err, domain.ErrorKindTransient) && transientLeft > 0 {
				transientLeft--
				continue
			}
			return "", err
		}

		payload, decodeErr := decodePayload(resp.Body)
		resp.Body.Close()
		if decodeErr != nil {
			return "", domain.WrapStageError(domain.ErrorKindRemote, "overlay_poll", decodeErr)
		}

		status := extractString(payload, statusPaths)
		switch {
		case status == "completed":
			finalURL := extractString(payload, videoURLPaths)
			if finalURL == "" {
				return "", domain.NewStageError(domain.ErrorKindRemote, "overlay_poll", "completed response missing video url")
			}
			return finalURL, nil
		case status == "failed":
			detail := extractString(payload, errorDetailPaths)
			if detail == "" {
				detail = "no detail provided"
			}
			return "", domain.NewStageError(domain.ErrorKindRemote, "overlay_poll", "overlay generation failed: %s", detail)
		case pendingStatuses[status]:
			continue
		case transientStatuses[status]:
			if transientLeft > 0 {
				transientLeft--
				c.logger.Warn().Str("status", status).Str("video_id", videoID).Msg("overlay: transient status, retrying")
				continue
			}
			return "", domain.NewStageError(domain.ErrorKindRemote, "overlay_poll", "status %q persisted beyond retry budget", status)
		default:
			return "", domain.NewStageError(domain.ErrorKindRemote, "overlay_poll", "unexpected status %q", status)
		}
	}

	return "", domain.NewStageError(domain.ErrorKindTimeout, "overlay_poll",
		"gave up waiting for video %s after %d attempts; it may still be rendering remotely", videoID, c.pollAttempts)
}

func decodePayload(r io.Reader) (map[string]any, error) {
	var payload map[string]any
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return payload, nil
}

func readBody(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return strings.TrimSpace(string(body))
}

func classifyStatus(code int) domain.ErrorKind {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrorKindAuth
	case http.StatusBadRequest:
		return domain.ErrorKindValidation
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable:
		return domain.ErrorKindTransient
	default:
		return domain.ErrorKindRemote
	}
}

func isReadTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
