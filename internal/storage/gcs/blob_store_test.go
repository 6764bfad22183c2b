package gcs

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/docs-aggregator/internal/crawler"
)

// newTestStore points a client at handler with authentication disabled.
func newTestStore(t *testing.T, handler http.Handler, prefix string) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	store, err := New(client, Config{Bucket: "docs-bucket", Prefix: prefix})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
}

func TestPutObjectUploadsUnderPrefix(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/docs-bucket/o")
		assert.Equal(t, "aggregated/VBA.md", r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "# VBA")
		_, _ = io.WriteString(w, `{"name":"aggregated/VBA.md","bucket":"docs-bucket"}`)
	})
	store := newTestStore(t, handler, "/aggregated/")

	uri, err := store.PutObject(context.Background(), "VBA.md", "text/markdown", strings.NewReader("# VBA\n"))
	require.NoError(t, err)
	assert.Equal(t, "gs://docs-bucket/aggregated/VBA.md", uri)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	store := newTestStore(t, handler, "")

	_, err := store.PutObject(context.Background(), "VBA.md", "text/markdown", strings.NewReader("x"))
	assert.Error(t, err)
	_, err = store.PutObject(context.Background(), " ", "text/markdown", strings.NewReader("x"))
	assert.Error(t, err)
}

func TestGetObjectMissingMapsToNotFound(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	store := newTestStore(t, handler, "")

	_, err := store.GetObject(context.Background(), "VBA.md")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}
