// Package contentstore keeps pipeline objects in a simple-content service.
//
// Objects are addressed by content ID. Pipeline configs can be uploaded once
// and referenced by ID from analyze requests, and transformed frames are
// stored as derived content of the analysed input.
package contentstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/tendant/simple-content/pkg/simplecontent"

	"github.com/tendant/simple-frame-pipeline/internal/storage"
)

// DefaultDerivationType labels derived frames when the sink names none
const DefaultDerivationType = "frame"

// Store provides read access to content and write access for derived content
type Store struct {
	service simplecontent.Service
}

// New creates a store on top of a simple-content service
func New(service simplecontent.Service) *Store {
	return &Store{service: service}
}

// GetReader returns a reader for the content with ID key
func (s *Store) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	id, err := uuid.Parse(key)
	if err != nil {
		return nil, fmt.Errorf("invalid content ID: %w", err)
	}

	reader, err := s.service.DownloadContent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to download content %s: %w", id, err)
	}
	return reader, nil
}

// Exists checks if content with ID key exists
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	id, err := uuid.Parse(key)
	if err != nil {
		return false, fmt.Errorf("invalid content ID: %w", err)
	}

	// simple-content does not expose a typed not-found error
	if _, err := s.service.GetContent(ctx, id); err != nil {
		return false, nil
	}
	return true, nil
}

// GetMetadata returns size and type of the content with ID key
func (s *Store) GetMetadata(ctx context.Context, key string) (*storage.Metadata, error) {
	id, err := uuid.Parse(key)
	if err != nil {
		return nil, fmt.Errorf("invalid content ID: %w", err)
	}

	details, err := s.service.GetContentDetails(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get content details: %w", err)
	}
	return &storage.Metadata{
		Size:        details.FileSize,
		ContentType: details.MimeType,
	}, nil
}

// Derived returns a writer that stores objects as derived content of parentID
func (s *Store) Derived(parentID, derivationType string) (storage.Writer, error) {
	id, err := uuid.Parse(parentID)
	if err != nil {
		return nil, fmt.Errorf("invalid content ID: %w", err)
	}
	if derivationType == "" {
		derivationType = DefaultDerivationType
	}
	return &DerivedWriter{service: s.service, parentID: id, derivationType: derivationType}, nil
}

// DerivedWriter uploads objects as derived content of one parent
type DerivedWriter struct {
	service        simplecontent.Service
	parentID       uuid.UUID
	derivationType string
}

// Variant maps an object key such as "thumbs/00000042.png" to the derived
// content variant "thumbs_00000042"
func Variant(key string) string {
	key = strings.TrimSuffix(key, path.Ext(key))
	return strings.ReplaceAll(strings.Trim(key, "/"), "/", "_")
}

// Put uploads r as derived content and returns the derived content ID
func (w *DerivedWriter) Put(ctx context.Context, key string, r io.Reader, meta map[string]string) (string, error) {
	variant := Variant(key)
	tags := []string{w.derivationType, variant}
	if trigger := meta["trigger"]; trigger != "" {
		tags = append(tags, trigger)
	}

	derived, err := w.service.UploadDerivedContent(ctx, simplecontent.UploadDerivedContentRequest{
		ParentID:       w.parentID,
		DerivationType: w.derivationType,
		Variant:        variant,
		Reader:         r,
		FileName:       path.Base(key),
		Tags:           tags,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload derived content: %w", err)
	}
	return derived.ID.String(), nil
}

// Exists checks if a derived object for key was uploaded already
func (w *DerivedWriter) Exists(ctx context.Context, key string) (bool, error) {
	derived, err := w.service.ListDerivedContent(ctx,
		simplecontent.WithParentID(w.parentID),
		simplecontent.WithDerivationType(w.derivationType),
	)
	if err != nil {
		return false, fmt.Errorf("failed to list derived content: %w", err)
	}

	variant := Variant(key)
	for _, d := range derived {
		if d.Variant == variant {
			return true, nil
		}
	}
	return false, nil
}
