package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/JakeFAU/docs-aggregator/internal/crawler"
	"github.com/stretchr/testify/require"
)

func TestBlobStoreRoundTripCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "VBA.md", "text/markdown", bytes.NewReader([]byte("content")))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://VBA.md" {
		t.Fatalf("unexpected uri %s", uri)
	}

	got, err := store.GetObject(context.Background(), "VBA.md")
	require.NoError(t, err)
	got[0] = 'C'
	again, err := store.GetObject(context.Background(), "VBA.md")
	require.NoError(t, err)
	if string(again) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", again)
	}
	require.Equal(t, []string{"VBA.md"}, store.Paths())
}

func TestBlobStoreMissing(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().GetObject(context.Background(), "nope.md")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}
