package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestArtifactStore(t *testing.T) *ArtifactStore {
	t.Helper()
	signer := &fakeSigner{email: "test@example.iam.gserviceaccount.com"}
	now := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	urls, err := NewClient(signer, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}
	store, err := NewArtifactStore(ArtifactStoreConfig{
		URLs:             urls,
		Copier:           &Copier{},
		ProductionBucket: "craftlane-production",
	})
	if err != nil {
		t.Fatalf("unexpected error creating artifact store: %v", err)
	}
	return store
}

func TestArtifactStoreSignedURL(t *testing.T) {
	store := newTestArtifactStore(t)

	url, err := store.SignedURL(context.Background(), "craftlane-staging/customizations/creq_01ABC/final/v1/final.png")
	if err != nil {
		t.Fatalf("SignedURL returned error: %v", err)
	}
	if !strings.Contains(url, "craftlane-staging") {
		t.Fatalf("expected bucket in URL, got %s", url)
	}
	if !strings.Contains(url, "X-Goog-Signature=") {
		t.Fatalf("expected signature in URL, got %s", url)
	}
}

func TestArtifactStoreSignedURLRejectsMalformedRef(t *testing.T) {
	store := newTestArtifactStore(t)

	for _, ref := range []string{"", "bucket-only", "bucket/", "/object"} {
		if _, err := store.SignedURL(context.Background(), ref); !errors.Is(err, errInvalidArtifactRef) {
			t.Fatalf("ref %q: expected errInvalidArtifactRef, got %v", ref, err)
		}
	}
}

func TestArtifactStorePromoteAlreadyInProduction(t *testing.T) {
	store := newTestArtifactStore(t)

	ref := "craftlane-production/customizations/creq_01ABC/final/v1/final.png"
	promoted, err := store.PromoteToProduction(context.Background(), "creq_01ABC", ref)
	if err != nil {
		t.Fatalf("PromoteToProduction returned error: %v", err)
	}
	if promoted != ref {
		t.Fatalf("expected unchanged reference, got %s", promoted)
	}
}

type fakeCopier struct {
	srcBucket, srcObject string
	dstBucket, dstObject string
	err                  error
}

func (c *fakeCopier) CopyObject(ctx context.Context, sourceBucket, sourceObject, destBucket, destObject string) error {
	c.srcBucket, c.srcObject = sourceBucket, sourceObject
	c.dstBucket, c.dstObject = destBucket, destObject
	return c.err
}

func TestArtifactStorePromoteCopiesIntoApprovedSlot(t *testing.T) {
	signer := &fakeSigner{email: "test@example.iam.gserviceaccount.com"}
	urls, err := NewClient(signer)
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}
	copier := &fakeCopier{}
	store, err := NewArtifactStore(ArtifactStoreConfig{
		URLs:             urls,
		Copier:           copier,
		ProductionBucket: "craftlane-production",
	})
	if err != nil {
		t.Fatalf("unexpected error creating artifact store: %v", err)
	}

	promoted, err := store.PromoteToProduction(context.Background(), "creq_01ABC", "craftlane-staging/customizations/creq_01ABC/final/v3/final.png")
	if err != nil {
		t.Fatalf("PromoteToProduction returned error: %v", err)
	}

	want := "craftlane-production/customizations/creq_01ABC/final/approved/final.png"
	if promoted != want {
		t.Fatalf("expected %s, got %s", want, promoted)
	}
	if copier.srcBucket != "craftlane-staging" || copier.srcObject != "customizations/creq_01ABC/final/v3/final.png" {
		t.Fatalf("unexpected copy source: %s/%s", copier.srcBucket, copier.srcObject)
	}
	if copier.dstBucket != "craftlane-production" || copier.dstObject != "customizations/creq_01ABC/final/approved/final.png" {
		t.Fatalf("unexpected copy destination: %s/%s", copier.dstBucket, copier.dstObject)
	}

	// A request id that would escape the layout is refused before any copy.
	copier.srcBucket = ""
	if _, err := store.PromoteToProduction(context.Background(), "../evil", "craftlane-staging/customizations/x/final/v1/final.png"); err == nil {
		t.Fatalf("expected error for traversal request id")
	}
	if copier.srcBucket != "" {
		t.Fatalf("copy must not run for invalid request id")
	}
}

func TestNewArtifactStoreValidatesConfig(t *testing.T) {
	signer := &fakeSigner{email: "test@example.iam.gserviceaccount.com"}
	urls, err := NewClient(signer)
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}

	if _, err := NewArtifactStore(ArtifactStoreConfig{Copier: &Copier{}, ProductionBucket: "b"}); !errors.Is(err, errNoURLClient) {
		t.Fatalf("expected errNoURLClient, got %v", err)
	}
	if _, err := NewArtifactStore(ArtifactStoreConfig{URLs: urls, ProductionBucket: "b"}); !errors.Is(err, errNoCopier) {
		t.Fatalf("expected errNoCopier, got %v", err)
	}
	if _, err := NewArtifactStore(ArtifactStoreConfig{URLs: urls, Copier: &Copier{}}); !errors.Is(err, errNoProductionBucket) {
		t.Fatalf("expected errNoProductionBucket, got %v", err)
	}
}
