package memory

import (
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "path/page.json", "application/json", payload)
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://path/page.json" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'
	stored, ok := store.Get("path/page.json")
	if !ok || string(stored) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", stored)
	}
}

func TestBlobStoreOverwrites(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	if _, err := store.PutObject(ctx, "p", "", []byte("one")); err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if _, err := store.PutObject(ctx, "p", "", []byte("two")); err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if got, _ := store.Get("p"); string(got) != "two" || store.Len() != 1 {
		t.Fatalf("expected last write to win, got %q (len %d)", got, store.Len())
	}
	if _, err := store.PutObject(ctx, "", "", nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}
