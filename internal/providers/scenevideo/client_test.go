package scenevideo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderly/internal/domain"
	"renderly/internal/storage"
)

type staticCreds struct{}

func (staticCreds) AuthorizationHeader(ctx context.Context) (map[string]string, error) {
	return map[string]string{"Authorization": "Bearer test-token"}, nil
}

type stubProber struct {
	uri   string
	err   error
	calls int
}

func (p *stubProber) FirstObjectURI(ctx context.Context, prefixURI string) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return p.uri, nil
}

func newTestClient(t *testing.T, baseURL string, prober StorageProber) *Client {
	t.Helper()
	return NewClient(Options{
		BaseURL:      baseURL,
		Credentials:  staticCreds{},
		Prober:       prober,
		PollAttempts: 3,
		PollInterval: time.Millisecond,
		Logger:       zerolog.Nop(),
	})
}

func TestGenerateBaseSubmitsFixedFormat(t *testing.T) {
	var captured predictRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "image.jpg") {
			w.Write([]byte("jpeg-bytes"))
			return
		}
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(map[string]string{"name": "operations/op-1"})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL+"/model", nil)

	handle, err := client.GenerateBase(context.Background(), "desk scene | slow 360 | premium", srv.URL+"/image.jpg", "gs://bucket/job/scene_1/")
	require.NoError(t, err)
	assert.Equal(t, "operations/op-1", handle.Name)
	assert.Equal(t, "gs://bucket/job/scene_1/", handle.StorageURI)

	require.Len(t, captured.Instances, 1)
	inst := captured.Instances[0]
	assert.Equal(t, 8, inst.DurationSeconds)
	assert.Equal(t, "9:16", inst.AspectRatio)
	assert.Equal(t, "720p", inst.Resolution)
	assert.Equal(t, 1, inst.SampleCount)
	assert.NotNil(t, inst.Image)
	assert.Nil(t, inst.Video)
	assert.Equal(t, "gs://bucket/job/scene_1/", captured.Parameters.StorageURI)
}

func TestGenerateBaseRetriesTextOnlyOnPolicyRejection(t *testing.T) {
	var requests []predictRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "image.jpg") {
			w.Write([]byte("jpeg-bytes"))
			return
		}
		var req predictRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		requests = append(requests, req)
		if req.Instances[0].Image != nil {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"message":"image violates content policy"}}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"name": "operations/op-2"})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL+"/model", nil)

	handle, err := client.GenerateBase(context.Background(), "prompt", srv.URL+"/image.jpg", "gs://bucket/job/scene_1/")
	require.NoError(t, err)
	assert.Equal(t, "operations/op-2", handle.Name)

	require.Len(t, requests, 2)
	assert.NotNil(t, requests[0].Instances[0].Image)
	assert.Nil(t, requests[1].Instances[0].Image)
}

func TestGenerateBaseDoesNotRetryPlainValidationError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "image.jpg") {
			w.Write([]byte("jpeg-bytes"))
			return
		}
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"durationSeconds out of range"}}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL+"/model", nil)

	_, err := client.GenerateBase(context.Background(), "prompt", srv.URL+"/image.jpg", "gs://bucket/job/scene_1/")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrorKindValidation))
	assert.Equal(t, 1, calls)
}

func TestExtendCarriesExistingClip(t *testing.T) {
	var captured predictRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(map[string]string{"name": "operations/op-3"})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL+"/model", nil)

	_, err := client.Extend(context.Background(), "gs://bucket/job/scene_1/sample_0.mp4", "next prompt", "", "gs://bucket/job/scene_2/")
	require.NoError(t, err)

	require.NotNil(t, captured.Instances[0].Video)
	assert.Equal(t, "gs://bucket/job/scene_1/sample_0.mp4", captured.Instances[0].Video.GCSURI)
}

func TestPollReturnsOutputURI(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls++
		if polls < 2 {
			json.NewEncoder(w).Encode(map[string]any{"done": false})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"done": true,
			"response": map[string]any{
				"predictions": []map[string]string{{"gcsUri": "gs://bucket/job/scene_1/sample_0.mp4"}},
			},
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL+"/model", nil)

	uri, err := client.Poll(context.Background(), OperationHandle{Name: "operations/op-1", StorageURI: "gs://bucket/job/scene_1/"})
	require.NoError(t, err)
	assert.Equal(t, "gs://bucket/job/scene_1/sample_0.mp4", uri)
	assert.Equal(t, 2, polls)
}

func TestPollFallsBackToStorageProbeOnNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	prober := &stubProber{uri: "gs://bucket/job/scene_1/sample_0.mp4"}
	client := newTestClient(t, srv.URL+"/model", prober)

	uri, err := client.Poll(context.Background(), OperationHandle{Name: "operations/op-1", StorageURI: "gs://bucket/job/scene_1/"})
	require.NoError(t, err)
	assert.Equal(t, "gs://bucket/job/scene_1/sample_0.mp4", uri)
	assert.Equal(t, 1, prober.calls)
}

func TestPollProbesWhenCompletionOmitsOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"done": true, "response": map[string]any{"predictions": []map[string]string{}}})
	}))
	defer srv.Close()

	prober := &stubProber{uri: "gs://bucket/job/scene_1/video_0.mp4"}
	client := newTestClient(t, srv.URL+"/model", prober)

	uri, err := client.Poll(context.Background(), OperationHandle{Name: "operations/op-1", StorageURI: "gs://bucket/job/scene_1/"})
	require.NoError(t, err)
	assert.Equal(t, "gs://bucket/job/scene_1/video_0.mp4", uri)
}

func TestPollAuthFailureIsFatal(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL+"/model", nil)

	_, err := client.Poll(context.Background(), OperationHandle{Name: "operations/op-1"})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrorKindAuth))
	assert.Equal(t, 1, polls)
}

func TestPollTimesOutWithRunningHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"done": false})
	}))
	defer srv.Close()

	prober := &stubProber{err: storage.ErrNoObject}
	client := newTestClient(t, srv.URL+"/model", prober)

	_, err := client.Poll(context.Background(), OperationHandle{Name: "operations/op-1", StorageURI: "gs://bucket/job/scene_1/"})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrorKindTimeout))
	assert.Contains(t, err.Error(), "may still be running")
}

func TestPollRemoteErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"done":  true,
			"error": map[string]any{"code": 13, "message": "internal rendering failure"},
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL+"/model", nil)

	_, err := client.Poll(context.Background(), OperationHandle{Name: "operations/op-1"})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrorKindRemote))
	assert.Contains(t, err.Error(), "internal rendering failure")
}
