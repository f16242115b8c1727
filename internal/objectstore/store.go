// Package objectstore abstracts the blob storage the attachment pipeline
// writes originals and thumbnails to.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// ErrObjectExists is returned by Put when the key is already occupied and
// overwriting was not requested.
var ErrObjectExists = errors.New("object already exists")

// PutOptions controls a single Put.
type PutOptions struct {
	ContentType string
	// Overwrite permits replacing an existing object. Attachment keys
	// embed a millisecond timestamp, so a collision means a duplicate
	// write and is rejected by default.
	Overwrite bool
}

// Store is the blob storage surface the upload pipeline depends on.
type Store interface {
	// Put writes data under key. Without Overwrite, an occupied key fails
	// with ErrObjectExists.
	Put(ctx context.Context, key string, data []byte, opts PutOptions) error
	// PublicURL returns the browsable URL for a stored key.
	PublicURL(key string) string
}

// SanitizeName normalizes a client-supplied file name for use inside an
// object key: Unicode is NFC-normalized and path separators and control
// characters collapse to underscores.
func SanitizeName(name string) string {
	name = norm.NFC.String(strings.TrimSpace(name))
	if name == "" {
		return "file"
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r < 0x20 || r == 0x7f:
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// MemoryStore is an in-process Store for tests and single-node setups.
type MemoryStore struct {
	baseURL string

	mu      sync.Mutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
}

// NewMemoryStore constructs an empty store. baseURL prefixes PublicURL
// results and defaults to "memory://".
func NewMemoryStore(baseURL string) *MemoryStore {
	if baseURL == "" {
		baseURL = "memory:/"
	}
	return &MemoryStore{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		objects: make(map[string]memoryObject),
	}
}

func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return errors.New("object key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objects[key]; exists && !opts.Overwrite {
		return fmt.Errorf("put %s: %w", key, ErrObjectExists)
	}
	s.objects[key] = memoryObject{
		data:        append([]byte(nil), data...),
		contentType: opts.ContentType,
	}
	return nil
}

func (s *MemoryStore) PublicURL(key string) string {
	escaped := (&url.URL{Path: "/" + key}).EscapedPath()
	return s.baseURL + escaped
}

// Get returns a stored object's bytes. Test helper.
func (s *MemoryStore) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Len reports the number of stored objects. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
