package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

// BlobStore is an in-process domain.BlobWriter and domain.BlobReader.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]blobObject
}

type blobObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]blobObject)}
}

func (b *BlobStore) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = blobObject{data: raw, contentType: contentType, modified: time.Now().UTC()}
	return nil
}

func (b *BlobStore) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (b *BlobStore) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []domain.BlobInfo
	for path, obj := range b.objects {
		if strings.HasPrefix(path, prefix) {
			out = append(out, domain.BlobInfo{
				Path:         path,
				Size:         int64(len(obj.data)),
				ContentType:  obj.contentType,
				LastModified: obj.modified,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (b *BlobStore) Exists(_ context.Context, path string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.objects[path]
	return ok, nil
}

var (
	_ domain.BlobWriter = (*BlobStore)(nil)
	_ domain.BlobReader = (*BlobStore)(nil)
)
