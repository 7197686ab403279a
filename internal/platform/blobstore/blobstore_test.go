package blobstore

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/ehr/preauth/internal/platform/apperr"
)

func TestDigest(t *testing.T) {
	// sha256("hello")
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got := Digest([]byte("hello")); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestNewBlob_Validation(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		data        []byte
		wantErr     bool
	}{
		{"pdf", "application/pdf", []byte("%PDF"), false},
		{"with params", "text/plain; charset=utf-8", []byte("hi"), false},
		{"empty type", "", []byte("x"), true},
		{"disallowed", "application/x-msdownload", []byte("MZ"), true},
		{"garbage", ";;;", []byte("x"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBlob(tt.contentType, tt.data, uuid.New())
			if tt.wantErr {
				if !apperr.IsValidation(err) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if b.Size != len(tt.data) || b.SHA256Hex != Digest(tt.data) {
				t.Errorf("unexpected blob: %+v", b)
			}
		})
	}
}

func TestNewBlob_TooLarge(t *testing.T) {
	data := []byte(strings.Repeat("a", MaxBlobSize+1))
	if _, err := NewBlob("text/plain", data, uuid.New()); !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMemoryStore_PutGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	b, _ := NewBlob("text/plain", []byte("knee x-ray report"), uuid.New())
	if err := s.Put(ctx, b); err != nil {
		t.Fatalf("put: %v", err)
	}
	if b.CreatedTime.IsZero() {
		t.Error("expected created time to be set")
	}

	got, err := s.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Data) != "knee x-ray report" || got.SHA256Hex != b.SHA256Hex {
		t.Errorf("unexpected blob: %+v", got)
	}

	ok, _ := s.Exists(ctx, b.ID)
	if !ok {
		t.Error("expected blob to exist")
	}
	if err := s.Put(ctx, b); !errors.Is(err, apperr.ErrDuplicate) {
		t.Errorf("expected duplicate error, got %v", err)
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), uuid.New()); !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	ok, err := s.Exists(context.Background(), uuid.New())
	if err != nil || ok {
		t.Errorf("expected false, got %v %v", ok, err)
	}
}

func TestMemoryStore_CopiesData(t *testing.T) {
	s := NewMemoryStore()
	data := []byte("abc")
	b, _ := NewBlob("text/plain", data, uuid.New())
	_ = s.Put(context.Background(), b)
	data[0] = 'z'
	got, _ := s.Get(context.Background(), b.ID)
	if string(got.Data) != "abc" {
		t.Errorf("expected stored data to be isolated from caller, got %q", got.Data)
	}
}
