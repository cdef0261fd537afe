package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"studiochat/pkg/domain"
)

type fakeObjects struct {
	puts map[string][]byte
}

func (f *fakeObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if f.puts == nil {
		f.puts = make(map[string][]byte)
	}
	f.puts[key] = data
	return nil
}

func (f *fakeObjects) PresignGet(_ context.Context, key string, expiry time.Duration) (string, error) {
	return "https://objects.local/" + key + "?ttl=" + expiry.String(), nil
}

func (f *fakeObjects) Delete(_ context.Context, key string) error {
	delete(f.puts, key)
	return nil
}

func TestMediaStoreStoresAndLinksVideo(t *testing.T) {
	objects := &fakeObjects{}
	media := NewMediaStore(objects, time.Minute)

	video, err := media.StoreVideo(context.Background(), "u1", []byte("mp4"), "")
	if err != nil {
		t.Fatalf("store video: %v", err)
	}
	if !strings.HasPrefix(video.URI, MediaPathPrefix+"videos/u1/") || video.MIMEType != "video/mp4" {
		t.Fatalf("unexpected reference %+v", video)
	}
	key := strings.TrimPrefix(video.URI, MediaPathPrefix)
	if string(objects.puts[key]) != "mp4" {
		t.Fatalf("expected bytes under %q", key)
	}

	link, err := media.Link(context.Background(), key)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if !strings.Contains(link, key) {
		t.Fatalf("unexpected link %q", link)
	}
}

func TestMediaStoreRejectsForeignKeys(t *testing.T) {
	media := NewMediaStore(&fakeObjects{}, time.Minute)
	for _, key := range []string{"", "../secrets", "books/u1/x.pdf", "videos/../x"} {
		if _, err := media.Link(context.Background(), key); !errors.Is(err, ErrInvalidMediaKey) {
			t.Fatalf("key %q: expected ErrInvalidMediaKey, got %v", key, err)
		}
	}
}

func TestMediaStoreRemove(t *testing.T) {
	objects := &fakeObjects{}
	media := NewMediaStore(objects, time.Minute)
	video, _ := media.StoreVideo(context.Background(), "u1", []byte("mp4"), "video/mp4")

	if err := media.Remove(context.Background(), video); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(objects.puts) != 0 {
		t.Fatalf("expected object to be deleted")
	}
	if err := media.Remove(context.Background(), domain.Video{URI: "https://generativelanguage.example/v1/files/abc"}); err != nil {
		t.Fatalf("provider references should be ignored: %v", err)
	}
}
