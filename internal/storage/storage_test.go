package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
)

func TestMemoryStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.PutObject(ctx, "documents/u1/d1", strings.NewReader("hello"), 5, "text/plain"); err != nil {
		t.Fatalf("put: %v", err)
	}

	rc, err := store.GetObject(ctx, "documents/u1/d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "hello" {
		t.Fatalf("unexpected content %q", data)
	}

	if err := store.DeleteObject(ctx, "documents/u1/d1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteObject(ctx, "documents/u1/d1"); err != nil {
		t.Fatalf("second delete should be idempotent: %v", err)
	}

	_, err = store.GetObject(ctx, "documents/u1/d1")
	if !errors.Is(err, ErrObjectNotFound) || !IsNoSuchKey(err) {
		t.Fatalf("expected not found got %v", err)
	}
}

func TestMemoryStore_SignedURL(t *testing.T) {
	store := NewMemoryStore()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	u, err := store.PresignedPutURL(context.Background(), "documents/u1/d1", time.Hour)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.HasPrefix(u, "memory://storage/documents/u1/d1?") {
		t.Fatalf("unexpected url %s", u)
	}
	if !strings.Contains(u, "expires=2026-01-02T04%3A04%3A05Z") || !strings.Contains(u, "method=put") {
		t.Fatalf("missing expiry or method in %s", u)
	}
}

func TestDocumentKey(t *testing.T) {
	if got := DocumentKey("u1", "d1"); got != "documents/u1/d1" {
		t.Fatalf("unexpected key %s", got)
	}
}

func TestIsNoSuchKey(t *testing.T) {
	if !IsNoSuchKey(minio.ErrorResponse{Code: "NoSuchKey"}) {
		t.Fatalf("minio NoSuchKey should match")
	}
	if IsNoSuchKey(minio.ErrorResponse{Code: "AccessDenied", Message: "denied"}) {
		t.Fatalf("access denied must not match")
	}
	if !IsNoSuchBucket(minio.ErrorResponse{Code: "NoSuchBucket"}) {
		t.Fatalf("NoSuchBucket should match")
	}
}
