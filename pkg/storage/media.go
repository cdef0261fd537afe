package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"

	"studiochat/internal/util"
	"studiochat/pkg/domain"
)

// MediaPathPrefix is the route under which the chat service redirects to
// stored objects.
const MediaPathPrefix = "/media/"

var ErrInvalidMediaKey = errors.New("invalid media key")

// MediaStore re-hosts generated media so a session does not depend on the
// provider's short-lived file URIs.
type MediaStore struct {
	objects ObjectStore
	expiry  time.Duration
}

// NewMediaStore wraps an object store; expiry bounds each presigned link.
func NewMediaStore(objects ObjectStore, expiry time.Duration) *MediaStore {
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &MediaStore{objects: objects, expiry: expiry}
}

// StoreVideo uploads video bytes and returns a reference served by the chat
// service. The key is random so the reference works as a capability URL.
func (m *MediaStore) StoreVideo(ctx context.Context, userID string, data []byte, mimeType string) (domain.Video, error) {
	if strings.TrimSpace(mimeType) == "" {
		mimeType = "video/mp4"
	}
	ext := ".mp4"
	if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
		ext = exts[0]
	}
	key := path.Join("videos", userID, util.NewID()+ext)
	if err := m.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), mimeType); err != nil {
		return domain.Video{}, fmt.Errorf("store video: %w", err)
	}
	return domain.Video{URI: MediaPathPrefix + key, MIMEType: mimeType}, nil
}

// Remove deletes the object behind a reference produced by StoreVideo.
// References to provider URIs are ignored.
func (m *MediaStore) Remove(ctx context.Context, video domain.Video) error {
	key, ok := strings.CutPrefix(video.URI, MediaPathPrefix)
	if !ok {
		return nil
	}
	if !validKey(key) {
		return ErrInvalidMediaKey
	}
	return m.objects.Delete(ctx, key)
}

// Link presigns a short-lived GET URL for a key taken from a media reference.
func (m *MediaStore) Link(ctx context.Context, key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if !validKey(key) {
		return "", ErrInvalidMediaKey
	}
	return m.objects.PresignGet(ctx, key, m.expiry)
}

func validKey(key string) bool {
	return key != "" && !strings.Contains(key, "..") && strings.HasPrefix(key, "videos/")
}
