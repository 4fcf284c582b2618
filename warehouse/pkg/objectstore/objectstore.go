// Package objectstore reads and writes the files tables are extracted to and
// loaded from.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("object not found")

// Store reads and writes whole objects addressed by URI.
type Store interface {
	Get(ctx context.Context, uri string) ([]byte, error)
	Put(ctx context.Context, uri string, data []byte) error
}

// ParseURI splits "<scheme>://<bucket>/<key>" into its parts.
func ParseURI(uri string) (scheme, bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", "", fmt.Errorf("invalid object uri %q: %w", uri, err)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Scheme == "" || u.Host == "" || key == "" {
		return "", "", "", fmt.Errorf("invalid object uri %q: expected <scheme>://<bucket>/<key>", uri)
	}
	return u.Scheme, u.Host, key, nil
}

// Memory is an in-process Store.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, uri string) ([]byte, error) {
	if _, _, _, err := ParseURI(uri); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[uri]
	if !ok {
		return nil, fmt.Errorf("%s: %w", uri, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Put(_ context.Context, uri string, data []byte) error {
	if _, _, _, err := ParseURI(uri); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[uri] = append([]byte(nil), data...)
	return nil
}
