package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

const (
	defaultArtifactURLExpiry = 10 * time.Minute

	// approvedVersionID labels the production copy of the accepted design.
	approvedVersionID = "approved"
)

var (
	errNoURLClient        = errors.New("storage artifacts: signed URL client is required")
	errNoCopier           = errors.New("storage artifacts: copier is required")
	errNoProductionBucket = errors.New("storage artifacts: production bucket is required")
	errInvalidArtifactRef = errors.New("storage artifacts: reference must be <bucket>/<object>")
)

// ObjectCopier is the copy operation the artifact store relies on. Satisfied
// by *Copier.
type ObjectCopier interface {
	CopyObject(ctx context.Context, sourceBucket, sourceObject, destBucket, destObject string) error
}

// ArtifactStore resolves design artifact references to signed download URLs
// and promotes approved artifacts into the production bucket. References are
// stored as "<bucket>/<object>" pairs.
type ArtifactStore struct {
	urls       *Client
	copier     ObjectCopier
	production string
	expiry     time.Duration
}

// ArtifactStoreConfig wires the collaborators for an ArtifactStore.
type ArtifactStoreConfig struct {
	URLs             *Client
	Copier           ObjectCopier
	ProductionBucket string
	DownloadExpiry   time.Duration
}

// NewArtifactStore constructs an ArtifactStore from the provided config.
func NewArtifactStore(cfg ArtifactStoreConfig) (*ArtifactStore, error) {
	if cfg.URLs == nil {
		return nil, errNoURLClient
	}
	if cfg.Copier == nil {
		return nil, errNoCopier
	}
	production := strings.TrimSpace(cfg.ProductionBucket)
	if production == "" {
		return nil, errNoProductionBucket
	}
	expiry := cfg.DownloadExpiry
	if expiry <= 0 {
		expiry = defaultArtifactURLExpiry
	}
	return &ArtifactStore{
		urls:       cfg.URLs,
		copier:     cfg.Copier,
		production: production,
		expiry:     expiry,
	}, nil
}

// SignedURL produces a short-lived download URL for the referenced artifact.
func (s *ArtifactStore) SignedURL(ctx context.Context, ref string) (string, error) {
	bucket, object, err := splitArtifactRef(ref)
	if err != nil {
		return "", err
	}
	result, err := s.urls.SignedURL(ctx, bucket, object, SignedURLOptions{
		Download: &DownloadOptions{
			ExpiresIn:      s.expiry,
			AllowAnonymous: true,
		},
	})
	if err != nil {
		return "", fmt.Errorf("storage artifacts: sign %s: %w", ref, err)
	}
	return result.URL, nil
}

// PromoteToProduction copies the referenced artifact into the approved
// final-design slot of the production bucket and returns the new reference.
// Promoting a reference that already points at the production bucket is a
// no-op.
func (s *ArtifactStore) PromoteToProduction(ctx context.Context, requestID, ref string) (string, error) {
	bucket, object, err := splitArtifactRef(ref)
	if err != nil {
		return "", err
	}
	if bucket == s.production {
		return ref, nil
	}
	destination, err := BuildObjectPath(PurposeFinalDesign, PathParams{
		RequestID: requestID,
		VersionID: approvedVersionID,
		FileName:  path.Base(object),
	})
	if err != nil {
		return "", fmt.Errorf("storage artifacts: promote %s: %w", ref, err)
	}
	if err := s.copier.CopyObject(ctx, bucket, object, s.production, destination); err != nil {
		return "", fmt.Errorf("storage artifacts: promote %s: %w", ref, err)
	}
	return s.production + "/" + destination, nil
}

func splitArtifactRef(ref string) (string, string, error) {
	ref = strings.TrimSpace(ref)
	bucket, object, ok := strings.Cut(ref, "/")
	if !ok || strings.TrimSpace(bucket) == "" || strings.TrimSpace(object) == "" {
		return "", "", errInvalidArtifactRef
	}
	return bucket, object, nil
}
