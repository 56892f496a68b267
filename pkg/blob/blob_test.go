package blob

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/consortium/pkg/errs"
)

func TestCleanKey(t *testing.T) {
	tests := []struct {
		key     string
		want    string
		wantErr bool
	}{
		{"uploads/rv/receipt.pdf", "uploads/rv/receipt.pdf", false},
		{"/uploads//rv/./receipt.pdf", "uploads/rv/receipt.pdf", false},
		{"uploads\\rv\\receipt.pdf", "uploads/rv/receipt.pdf", false},
		{"../etc/passwd", "", true},
		{"uploads/../../x", "", true},
		{"", "", true},
		{"/", "", true},
	}
	for _, tt := range tests {
		got, err := CleanKey(tt.key)
		if tt.wantErr {
			assert.Error(t, err, tt.key)
			continue
		}
		require.NoError(t, err, tt.key)
		assert.Equal(t, tt.want, got)
	}
}

func TestFilesystemTransport(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	tr, err := NewFilesystemTransport(root, "https://files.example.org/")
	require.NoError(t, err)

	url, err := tr.Put(ctx, "uploads/rv/receipt.pdf", "application/pdf", strings.NewReader("%PDF-1.4"))
	require.NoError(t, err)
	assert.Equal(t, "https://files.example.org/uploads/rv/receipt.pdf", url)

	data, err := os.ReadFile(filepath.Join(root, "uploads", "rv", "receipt.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(data))

	rc, err := tr.Open("uploads/rv/receipt.pdf")
	require.NoError(t, err)
	got, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "%PDF-1.4", string(got))

	require.NoError(t, tr.Delete(ctx, "uploads/rv/receipt.pdf"))
	require.NoError(t, tr.Delete(ctx, "uploads/rv/receipt.pdf"))

	_, err = tr.Open("uploads/rv/receipt.pdf")
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	_, err = tr.Put(ctx, "../escape.txt", "text/plain", strings.NewReader("x"))
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestFilesystemTransport_FileURL(t *testing.T) {
	root := t.TempDir()
	tr, err := NewFilesystemTransport(root, "")
	require.NoError(t, err)

	url, err := tr.Put(context.Background(), "a.txt", "text/plain", strings.NewReader("a"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "file://"))
	assert.True(t, strings.HasSuffix(url, "/a.txt"))
}

type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string]string
	types    map[string]string
	failPuts bool
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		if f.failPuts {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>denied</Message></Error>`)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = string(body)
		f.types[r.URL.Path] = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(f.objects, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newS3Fixture(t *testing.T) (*fakeS3, *S3Transport) {
	t.Helper()
	fake := &fakeS3{objects: map[string]string{}, types: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	tr, err := NewS3Transport(context.Background(), S3Config{
		Bucket:       "portal-uploads",
		Region:       "us-east-1",
		Endpoint:     srv.URL,
		AccessKey:    "minio",
		SecretKey:    "minio-secret",
		UsePathStyle: true,
	})
	require.NoError(t, err)
	return fake, tr
}

func TestS3Transport_PutDelete(t *testing.T) {
	fake, tr := newS3Fixture(t)
	ctx := context.Background()

	url, err := tr.Put(ctx, "uploads/rv/status.pdf", "application/pdf", strings.NewReader("bytes"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(url, "/portal-uploads/uploads/rv/status.pdf"), url)

	fake.mu.Lock()
	assert.Equal(t, "bytes", fake.objects["/portal-uploads/uploads/rv/status.pdf"])
	assert.Equal(t, "application/pdf", fake.types["/portal-uploads/uploads/rv/status.pdf"])
	fake.mu.Unlock()

	require.NoError(t, tr.Delete(ctx, "uploads/rv/status.pdf"))
	fake.mu.Lock()
	assert.Empty(t, fake.objects)
	fake.mu.Unlock()

	require.NoError(t, tr.HealthCheck(ctx))
}

func TestS3Transport_PutFailure(t *testing.T) {
	fake, tr := newS3Fixture(t)
	fake.failPuts = true

	_, err := tr.Put(context.Background(), "uploads/x.pdf", "application/pdf", strings.NewReader("x"))
	assert.True(t, errors.Is(err, errs.ErrTransport))
}

func TestDefaultBaseURL(t *testing.T) {
	u, err := defaultBaseURL(S3Config{Bucket: "b", Region: "ap-south-1"})
	require.NoError(t, err)
	assert.Equal(t, "https://b.s3.ap-south-1.amazonaws.com", u)

	u, err = defaultBaseURL(S3Config{Bucket: "b", Endpoint: "http://minio:9000", UsePathStyle: true})
	require.NoError(t, err)
	assert.Equal(t, "http://minio:9000/b", u)

	u, err = defaultBaseURL(S3Config{Bucket: "b", Endpoint: "https://storage.example.org"})
	require.NoError(t, err)
	assert.Equal(t, "https://b.storage.example.org", u)

	_, err = NewS3Transport(context.Background(), S3Config{})
	assert.Error(t, err)
}
