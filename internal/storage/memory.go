package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryClient is an in-process object store used by tests and by the API
// when no MinIO endpoint is configured.
type MemoryClient struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{objects: make(map[string]memoryObject)}
}

func (c *MemoryClient) PresignedPutURL(_ context.Context, objectKey string, expiry time.Duration) (string, error) {
	return fmt.Sprintf("memory://%s?expires=%d", objectKey, int(expiry.Seconds())), nil
}

func (c *MemoryClient) ObjectExists(_ context.Context, objectKey string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.objects[objectKey]
	return ok, nil
}

func (c *MemoryClient) ReadObject(_ context.Context, objectKey string, maxBytes int64) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	obj, ok := c.objects[objectKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, objectKey)
	}
	if maxBytes > 0 && int64(len(obj.data)) > maxBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrObjectTooLarge, objectKey, maxBytes)
	}
	return append([]byte(nil), obj.data...), nil
}

func (c *MemoryClient) WriteObject(_ context.Context, objectKey string, data []byte, contentType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[objectKey] = memoryObject{data: append([]byte(nil), data...), contentType: contentType}
	return nil
}

func (c *MemoryClient) DeleteObject(_ context.Context, objectKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, objectKey)
	return nil
}

func (c *MemoryClient) ContentType(objectKey string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.objects[objectKey].contentType
}

func (c *MemoryClient) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.objects)
}
