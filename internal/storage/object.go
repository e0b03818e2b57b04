package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore adapts an S3/GCS-compatible object storage service. Artifacts
// are addressed as scheme://bucket/key URIs; fetchable URLs are derived on
// demand, either from the public base URL or as a presigned GET.
type ObjectStore struct {
	client     *minio.Client
	scheme     string
	publicBase string
	signTTL    time.Duration
	httpClient *http.Client
}

// Options configures an ObjectStore.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	// PublicBaseURL is the host serving publicly readable objects, e.g.
	// https://storage.googleapis.com.
	PublicBaseURL string
	SignedURLTTL  time.Duration
	HTTPClient    *http.Client
}

// NewObjectStore connects a storage adapter. The URI scheme defaults to gs.
func NewObjectStore(opts Options) (*ObjectStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: true,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: connect %s: %w", opts.Endpoint, err)
	}

	ttl := opts.SignedURLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &ObjectStore{
		client:     client,
		scheme:     "gs",
		publicBase: strings.TrimRight(opts.PublicBaseURL, "/"),
		signTTL:    ttl,
		httpClient: httpClient,
	}, nil
}

// Scheme returns the URI scheme used for artifact addresses.
func (s *ObjectStore) Scheme() string {
	return s.scheme
}

// URI builds a storage address for the given bucket and key.
func (s *ObjectStore) URI(bucket, key string) string {
	return fmt.Sprintf("%s://%s/%s", s.scheme, bucket, strings.TrimLeft(key, "/"))
}

// ParseURI splits a scheme://bucket/key address.
func (s *ObjectStore) ParseURI(uri string) (bucket, key string, err error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("storage: parse uri %q: %w", uri, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", "", fmt.Errorf("storage: uri %q is not bucket addressed", uri)
	}
	return parsed.Host, strings.TrimLeft(parsed.Path, "/"), nil
}

// PublicURL derives the public form of a storage URI without checking that
// the object is actually readable.
func (s *ObjectStore) PublicURL(uri string) string {
	bucket, key, err := s.ParseURI(uri)
	if err != nil {
		return uri
	}
	if key == "" {
		return fmt.Sprintf("%s/%s", s.publicBase, bucket)
	}
	return fmt.Sprintf("%s/%s/%s", s.publicBase, bucket, key)
}

// SignedURL derives a presigned GET URL with a bounded expiration.
func (s *ObjectStore) SignedURL(ctx context.Context, uri string) (string, error) {
	bucket, key, err := s.ParseURI(uri)
	if err != nil {
		return "", err
	}
	signed, err := s.client.PresignedGetObject(ctx, bucket, key, s.signTTL, url.Values{})
	if err != nil {
		return "", fmt.Errorf("storage: presign %s: %w", uri, err)
	}
	return signed.String(), nil
}

// ResolveFetchableURL prefers the public URL and falls back to a signed URL
// when the public form is not readable.
func (s *ObjectStore) ResolveFetchableURL(ctx context.Context, uri string) (string, error) {
	public := s.PublicURL(uri)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, public, nil)
	if err == nil {
		resp, headErr := s.httpClient.Do(req)
		if headErr == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return public, nil
			}
		}
	}
	return s.SignedURL(ctx, uri)
}

// UploadFile stores a local file at the given storage URI.
func (s *ObjectStore) UploadFile(ctx context.Context, uri, path, contentType string) error {
	bucket, key, err := s.ParseURI(uri)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("storage: stat %s: %w", path, err)
	}
	_, err = s.client.FPutObject(ctx, bucket, key, path, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("storage: upload %s: %w", uri, err)
	}
	return nil
}

// wellKnownSamples are the object names the scene backend writes when the
// operation response omits the output location.
var wellKnownSamples = []string{"sample_0.mp4", "video_0.mp4", "output.mp4"}

// FirstObjectURI probes a storage prefix for a landed output clip: first by
// listing, then by well-known path guesses. Returns ErrNoObject when nothing
// is there yet.
func (s *ObjectStore) FirstObjectURI(ctx context.Context, prefixURI string) (string, error) {
	bucket, prefix, err := s.ParseURI(prefixURI)
	if err != nil {
		return "", err
	}

	listed := s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	for obj := range listed {
		if obj.Err != nil {
			break
		}
		if strings.HasSuffix(obj.Key, ".mp4") {
			return s.URI(bucket, obj.Key), nil
		}
	}

	for _, name := range wellKnownSamples {
		key := strings.TrimRight(prefix, "/") + "/" + name
		if _, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{}); err == nil {
			return s.URI(bucket, key), nil
		}
	}

	return "", ErrNoObject
}

// ErrNoObject reports that a storage probe found no output object.
var ErrNoObject = errors.New("storage: no object found under prefix")
