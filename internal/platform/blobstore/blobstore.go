// Package blobstore stores opaque binary payloads with their content type
// and SHA-256 digest. Documents point at blobs; the engine never reads the
// bytes themselves.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"mime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/platform/apperr"
)

// MaxBlobSize is the maximum allowed blob size in bytes (100 MB).
const MaxBlobSize = 100 * 1024 * 1024

// AllowedContentTypes lists the media types accepted for Binary uploads.
var AllowedContentTypes = map[string]bool{
	"image/png":                true,
	"image/jpeg":               true,
	"image/dicom":              true,
	"application/pdf":          true,
	"application/dicom":        true,
	"application/json":         true,
	"application/octet-stream": true,
	"text/plain":               true,
	"text/html":                true,
	"application/hl7-v2":       true,
	"application/fhir+json":    true,
	"application/fhir+xml":     true,
}

// Blob maps to the som_binary table.
type Blob struct {
	ID           uuid.UUID `db:"id" json:"id"`
	ContentType  string    `db:"content_type" json:"contentType"`
	Size         int       `db:"size_bytes" json:"size"`
	SHA256Hex    string    `db:"sha256_hex" json:"sha256"`
	CreatedTime  time.Time `db:"created_time" json:"createdTime"`
	Version      int       `db:"version" json:"version"`
	ProvenanceID uuid.UUID `db:"created_provenance_id" json:"provenanceId"`
	Data         []byte    `db:"data" json:"-"`
}

// Store defines the contract for blob storage backends.
type Store interface {
	Put(ctx context.Context, b *Blob) error
	Get(ctx context.Context, id uuid.UUID) (*Blob, error)
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}

// Digest returns the lowercase hex SHA-256 of data.
func Digest(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// NewBlob validates the content type and size and fills the digest.
func NewBlob(contentType string, data []byte, provenanceID uuid.UUID) (*Blob, error) {
	mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(contentType))
	if err != nil || mediaType == "" {
		return nil, apperr.Validation("Binary.contentType is required")
	}
	if !AllowedContentTypes[mediaType] {
		return nil, apperr.Validation("content type %q is not allowed", mediaType)
	}
	if len(data) > MaxBlobSize {
		return nil, apperr.Validation("binary exceeds maximum allowed size of %d bytes", MaxBlobSize)
	}
	return &Blob{
		ID:           uuid.New(),
		ContentType:  contentType,
		Size:         len(data),
		SHA256Hex:    Digest(data),
		Version:      1,
		ProvenanceID: provenanceID,
		Data:         data,
	}, nil
}

// MemoryStore is a thread-safe in-memory Store for tests and local runs.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[uuid.UUID]*Blob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[uuid.UUID]*Blob)}
}

func (s *MemoryStore) Put(_ context.Context, b *Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[b.ID]; ok {
		return apperr.ErrDuplicate
	}
	b.CreatedTime = time.Now().UTC()
	cp := *b
	cp.Data = append([]byte(nil), b.Data...)
	s.blobs[b.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[id]
	if !ok {
		return nil, apperr.NotFound("Binary", id.String())
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[id]
	return ok, nil
}
