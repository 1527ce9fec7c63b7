package store

import (
	"context"
	"sync"
	"time"

	"github.com/dunamismax/avatarflow/internal/domain"
)

type MemoryStore struct {
	mu       sync.RWMutex
	avatars  map[string]domain.Avatar
	versions map[string]int64
	uploads  map[string]domain.Upload
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		avatars:  make(map[string]domain.Avatar),
		versions: make(map[string]int64),
		uploads:  make(map[string]domain.Upload),
		now:      time.Now,
	}
}

func (s *MemoryStore) GetAvatar(_ context.Context, userID string) (domain.Avatar, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	avatar, ok := s.avatars[userID]
	return avatar, ok, nil
}

func (s *MemoryStore) PutAvatar(_ context.Context, avatar domain.Avatar) (domain.Avatar, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := s.avatars[avatar.UserID].ObjectKey

	// Versions survive deletes so a re-upload never reuses a cached URL.
	s.versions[avatar.UserID]++
	avatar.Version = s.versions[avatar.UserID]
	avatar.UpdatedAt = s.now().UTC()
	s.avatars[avatar.UserID] = avatar
	return avatar, replaced, nil
}

func (s *MemoryStore) DeleteAvatar(_ context.Context, userID string) (domain.Avatar, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	avatar, ok := s.avatars[userID]
	if ok {
		delete(s.avatars, userID)
	}
	return avatar, ok, nil
}

func (s *MemoryStore) CreateUpload(_ context.Context, upload domain.Upload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[upload.ID] = upload
	return nil
}

func (s *MemoryStore) GetUpload(_ context.Context, id string) (domain.Upload, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	upload, ok := s.uploads[id]
	return upload, ok, nil
}

func (s *MemoryStore) UpdateUploadStatus(_ context.Context, id, status, errMsg string) (domain.Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	upload, ok := s.uploads[id]
	if !ok {
		return domain.Upload{}, ErrUploadNotFound
	}

	upload.Status = status
	upload.Error = errMsg
	upload.UpdatedAt = s.now().UTC()
	s.uploads[id] = upload
	return upload, nil
}
