// Package artifacts stores manually uploaded build files.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
)

// Object describes a stored artifact.
type Object struct {
	Key      string `json:"key"`
	Location string `json:"location"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256"`
}

type Store interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) (Object, error)
}

// Key lays uploads out as <prefix>/<releaseKey>/<stage>/<platform>/<uploadID>-<file>.
func Key(prefix, releaseKey string, stage models.BuildStage, platform models.Platform, fileName string) string {
	name := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "artifact"
	}
	return path.Join(prefix, releaseKey, strings.ToLower(string(stage)), strings.ToLower(string(platform)),
		fmt.Sprintf("%s-%s", uuid.NewString()[:8], name))
}

// hashingReader counts and hashes what the uploader consumes.
type hashingReader struct {
	r    io.Reader
	sum  hash.Hash
	size int64
}

func newHashingReader(r io.Reader) *hashingReader {
	return &hashingReader{r: r, sum: sha256.New()}
}

func (h *hashingReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if n > 0 {
		h.size += int64(n)
		_, _ = h.sum.Write(p[:n])
	}
	return n, err
}

func (h *hashingReader) digest() string { return hex.EncodeToString(h.sum.Sum(nil)) }

// MemoryStore keeps artifacts in process for tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string][]byte{}}
}

func (m *MemoryStore) Put(ctx context.Context, key string, body io.Reader, contentType string) (Object, error) {
	if key == "" {
		return Object{}, fmt.Errorf("artifact key required")
	}
	hr := newHashingReader(body)
	data, err := io.ReadAll(hr)
	if err != nil {
		return Object{}, fmt.Errorf("read artifact: %w", err)
	}
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
	return Object{Key: key, Location: "memory://" + key, Size: hr.size, SHA256: hr.digest()}, nil
}

// Get returns a stored artifact body.
func (m *MemoryStore) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[key]
	return b, ok
}
