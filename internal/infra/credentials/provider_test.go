package credentials

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderly/internal/domain"
)

type stubSource struct {
	token     string
	expiry    time.Time
	err       error
	refreshes int
}

func (s *stubSource) Token(ctx context.Context) (string, time.Time, error) {
	s.refreshes++
	return s.token, s.expiry, s.err
}

func TestAuthorizationHeaderRefreshesWhenEmpty(t *testing.T) {
	src := &stubSource{token: "tok-1", expiry: time.Now().Add(time.Hour)}
	p := NewProvider(src)

	h, err := p.AuthorizationHeader(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-1", h["Authorization"])
	assert.Equal(t, 1, src.refreshes)
}

func TestAuthorizationHeaderReusesFreshToken(t *testing.T) {
	src := &stubSource{token: "tok-1", expiry: time.Now().Add(time.Hour)}
	p := NewProvider(src)

	_, err := p.AuthorizationHeader(context.Background())
	require.NoError(t, err)
	_, err = p.AuthorizationHeader(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, src.refreshes, "token with more than 2m of life must not refresh again")
}

func TestAuthorizationHeaderRefreshesNearExpiry(t *testing.T) {
	src := &stubSource{token: "tok-1", expiry: time.Now().Add(time.Hour)}
	p := NewProvider(src)

	_, err := p.AuthorizationHeader(context.Background())
	require.NoError(t, err)

	// Move the clock to within the 2 minute skew window.
	firstExpiry := src.expiry
	p.now = func() time.Time { return firstExpiry.Add(-time.Minute) }
	src.token = "tok-2"
	src.expiry = firstExpiry.Add(time.Hour)

	h, err := p.AuthorizationHeader(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-2", h["Authorization"])
	assert.Equal(t, 2, src.refreshes)
}

func TestAuthorizationHeaderSurfacesAuthError(t *testing.T) {
	src := &stubSource{err: errors.New("metadata server unreachable")}
	p := NewProvider(src)

	_, err := p.AuthorizationHeader(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrorKindAuth))
}

func TestAuthorizationHeaderEmptyWhenNoToken(t *testing.T) {
	src := &stubSource{token: "", expiry: time.Now().Add(time.Hour)}
	p := NewProvider(src)

	h, err := p.AuthorizationHeader(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h)
}
