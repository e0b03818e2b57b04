package media

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMusicMixerDisabledWithoutTracks(t *testing.T) {
	assert.Nil(t, NewMusicMixer(nil, &captureUploader{}, nil, zerolog.Nop()))
}

func TestMixUploadsMuxedResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.TrimPrefix(r.URL.Path, "/")))
	}))
	defer srv.Close()

	uploader := &captureUploader{}
	mixer := NewMusicMixer([]string{srv.URL + "/track-a.mp3", srv.URL + "/track-b.mp3"}, uploader, srv.Client(), zerolog.Nop())
	mixer.lookPath = func(string) (string, error) { return "/usr/bin/ffmpeg", nil }
	mixer.pick = func(n int) int { return 1 }

	var muxArgs []string
	mixer.runner = func(ctx context.Context, name string, args ...string) error {
		muxArgs = args
		return os.WriteFile(args[len(args)-1], []byte("mixed"), 0o644)
	}

	got, err := mixer.Mix(context.Background(), srv.URL+"/final.mp4", "gs://bucket/job/final_music.mp4")
	require.NoError(t, err)
	assert.Equal(t, "gs://bucket/job/final_music.mp4", got)
	assert.Equal(t, []byte("mixed"), uploader.data)
	assert.Contains(t, muxArgs, "-shortest")
}

func TestMixSurfacesToolErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	mixer := NewMusicMixer([]string{srv.URL + "/track.mp3"}, &captureUploader{}, srv.Client(), zerolog.Nop())
	mixer.lookPath = func(string) (string, error) { return "/usr/bin/ffmpeg", nil }
	mixer.runner = func(ctx context.Context, name string, args ...string) error {
		return errors.New("codec mismatch")
	}

	_, err := mixer.Mix(context.Background(), srv.URL+"/final.mp4", "gs://bucket/out.mp4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "codec mismatch")
}
