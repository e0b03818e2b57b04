package overlay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderly/internal/domain"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	return NewClient(Options{
		APIKey:       "key-123",
		BaseV1:       baseURL + "/v1",
		BaseV2:       baseURL + "/v2",
		RetryDelay:   time.Millisecond,
		PollAttempts: 4,
		PollInterval: time.Millisecond,
		Logger:       zerolog.Nop(),
	})
}

func TestUploadAssetSendsRawBinary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/asset", r.URL.Path)
		require.Equal(t, "video/mp4", r.Header.Get("Content-Type"))
		require.Equal(t, "key-123", r.Header.Get("X-Api-Key"))
		body, _ := io.ReadAll(r.Body)
		require.Equal(t, []byte("clip-bytes"), body)
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"asset_id": "asset-1"}})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	assetID, err := client.UploadAsset(context.Background(), []byte("clip-bytes"), "video/mp4")
	require.NoError(t, err)
	assert.Equal(t, "asset-1", assetID)
}

func TestUploadAssetResponseShapes(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
	}{
		{"nested data", map[string]any{"data": map[string]any{"asset_id": "asset-1"}}},
		{"direct key", map[string]any{"asset_id": "asset-1"}},
		{"nested asset object", map[string]any{"data": map[string]any{"asset": map[string]any{"id": "asset-1"}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(tc.body)
			}))
			defer srv.Close()

			client := newTestClient(t, srv.URL)
			assetID, err := client.UploadAsset(context.Background(), []byte("x"), "video/mp4")
			require.NoError(t, err)
			assert.Equal(t, "asset-1", assetID)
		})
	}
}

func TestUploadAssetErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   domain.ErrorKind
	}{
		{"401 is auth", http.StatusUnauthorized, domain.ErrorKindAuth},
		{"400 is validation", http.StatusBadRequest, domain.ErrorKindValidation},
		{"500 is remote", http.StatusInternalServerError, domain.ErrorKindRemote},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			client := newTestClient(t, srv.URL)
			_, err := client.UploadAsset(context.Background(), []byte("x"), "video/mp4")
			require.Error(t, err)
			assert.True(t, domain.IsKind(err, tc.kind), "got kind %s", domain.KindOf(err))
		})
	}
}

func TestUploadAssetMissingIDIsRemoteFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{}})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.UploadAsset(context.Background(), []byte("x"), "video/mp4")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrorKindRemote))
}

func TestGenerateRetriesTransientStatuses(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var payload generatePayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Len(t, payload.VideoInputs, 1)
		assert.Equal(t, "avatar-1", payload.VideoInputs[0].Character.AvatarID)
		assert.Equal(t, "full_video", payload.VideoInputs[0].Background.PlayStyle)
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"video_id": "vid-1"}})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	videoID, err := client.Generate(context.Background(), GenerateRequest{
		AvatarID: "avatar-1", VoiceID: "voice-1", Script: "hello", AssetID: "asset-1",
		Scale: 0.8, OffsetX: 0.7, OffsetY: 0.8,
	})
	require.NoError(t, err)
	assert.Equal(t, "vid-1", videoID)
	assert.Equal(t, 3, calls)
}

func TestGenerateAbortsOnNonTransientFailure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"avatar_id unknown"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	_, err := client.Generate(context.Background(), GenerateRequest{AvatarID: "nope"})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrorKindValidation))
	assert.Equal(t, 1, calls)
}

func TestGenerateExhaustedRetriesSurfaceLastError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	_, err := client.Generate(context.Background(), GenerateRequest{})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrorKindTransient))
	assert.Equal(t, 3, calls)
}

func TestPollStatusCompleted(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls++
		require.Equal(t, "vid-1", r.URL.Query().Get("video_id"))
		if polls < 2 {
			json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"status": "pending"}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{
			"status":    "completed",
			"video_url": "https://cdn.example.com/final.mp4",
		}})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	finalURL, err := client.PollStatus(context.Background(), "vid-1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/final.mp4", finalURL)
}

func TestPollStatusFailedCarriesDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{
			"status": "failed",
			"error":  map[string]any{"message": "voice_id not licensed"},
		}})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	_, err := client.PollStatus(context.Background(), "vid-1")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrorKindRemote))
	assert.Contains(t, err.Error(), "voice_id not licensed")
}

func TestPollStatusCompletedWithoutURLIsRemoteFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"status": "completed"}})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	_, err := client.PollStatus(context.Background(), "vid-1")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrorKindRemote))
}

func TestPollStatusReadTimeoutsDoNotConsumeTransientBudget(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// More slow polls than the transient budget allows; only elapsed
		// time may be charged for them.
		if atomic.AddInt32(&polls, 1) <= transientAttempts+1 {
			time.Sleep(300 * time.Millisecond)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{
			"status":    "completed",
			"video_url": "https://cdn.example.com/final.mp4",
		}})
	}))
	defer srv.Close()

	client := NewClient(Options{
		APIKey:       "key-123",
		BaseV1:       srv.URL + "/v1",
		BaseV2:       srv.URL + "/v2",
		RetryDelay:   time.Millisecond,
		PollAttempts: 8,
		PollInterval: time.Millisecond,
		HTTPClient:   &http.Client{Timeout: 25 * time.Millisecond},
		Logger:       zerolog.Nop(),
	})

	finalURL, err := client.PollStatus(context.Background(), "vid-1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/final.mp4", finalURL)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&polls), int32(transientAttempts+2))
}

func TestPollStatusErrorStatusRetriedWithinBudget(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls++
		if polls <= 2 {
			json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"status": "error"}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{
			"status":    "completed",
			"video_url": "https://cdn.example.com/final.mp4",
		}})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	finalURL, err := client.PollStatus(context.Background(), "vid-1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/final.mp4", finalURL)
	assert.Equal(t, 3, polls)
}

func TestPollStatusErrorStatusExhaustsBudget(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls++
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"status": "error"}})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	_, err := client.PollStatus(context.Background(), "vid-1")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrorKindRemote))
	assert.Contains(t, err.Error(), "beyond retry budget")
	assert.Equal(t, transientAttempts+1, polls)
}

func TestPollStatusTimeoutMentionsRunningWork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"status": "processing"}})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	_, err := client.PollStatus(context.Background(), "vid-1")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrorKindTimeout))
	assert.Contains(t, err.Error(), "may still be rendering")
}
