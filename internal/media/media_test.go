package media

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/foxzi/pushline/internal/campaign"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func touch(t *testing.T, path string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestStore_ForMode(t *testing.T) {
	dir := t.TempDir()
	img1 := touch(t, filepath.Join(dir, "a.jpg"))
	img2 := touch(t, filepath.Join(dir, "b.jpg"))
	video := touch(t, filepath.Join(dir, "v.mp4"))
	missing := filepath.Join(dir, "gone.jpg")

	cfgPath := filepath.Join(dir, "media_config.json")
	writeConfig(t, cfgPath, `{"imagePath":"`+img2+`","videoPath":"`+video+`","imagePaths":["`+img1+`","`+missing+`","`+img2+`"]}`)

	s := NewStore(cfgPath, testLogger())

	images := []campaign.Attachment{
		{Type: campaign.MediaImage, Path: img1},
		{Type: campaign.MediaImage, Path: img2},
	}
	videos := []campaign.Attachment{{Type: campaign.MediaVideo, Path: video}}

	tests := []struct {
		mode campaign.Mode
		want []campaign.Attachment
	}{
		{campaign.ModeImage, images},
		{campaign.ModeVideo, videos},
		{campaign.ModeBoth, append(append([]campaign.Attachment{}, images...), videos...)},
		{campaign.ModeText, nil},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			if got := s.ForMode(tt.mode); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ForMode(%s) = %+v, want %+v", tt.mode, got, tt.want)
			}
		})
	}
}

func TestStore_ImagePathFallback(t *testing.T) {
	dir := t.TempDir()
	img := touch(t, filepath.Join(dir, "a.jpg"))
	cfgPath := filepath.Join(dir, "media_config.json")
	writeConfig(t, cfgPath, `{"imagePath":"`+img+`"}`)

	s := NewStore(cfgPath, testLogger())

	got := s.ForMode(campaign.ModeImage)
	if len(got) != 1 || got[0].Path != img {
		t.Errorf("ForMode(image) = %+v, want single %s", got, img)
	}
	if s.ForMode(campaign.ModeVideo) != nil {
		t.Error("ForMode(video) should be empty without a video")
	}
}

func TestStore_MissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()

	s := NewStore(filepath.Join(dir, "absent.json"), testLogger())
	if got := s.ForMode(campaign.ModeBoth); got != nil {
		t.Errorf("ForMode() with missing file = %+v, want nil", got)
	}

	cfgPath := filepath.Join(dir, "broken.json")
	writeConfig(t, cfgPath, `{broken`)
	s = NewStore(cfgPath, testLogger())
	if cfg := s.Config(); cfg.ImagePath != "" || cfg.VideoPath != "" || len(cfg.ImagePaths) != 0 {
		t.Errorf("Config() with corrupt file = %+v, want empty", cfg)
	}
}

func TestStore_Clear(t *testing.T) {
	dir := t.TempDir()
	img := touch(t, filepath.Join(dir, "a.jpg"))
	cfgPath := filepath.Join(dir, "media_config.json")
	writeConfig(t, cfgPath, `{"imagePaths":["`+img+`"]}`)

	s := NewStore(cfgPath, testLogger())
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if got := s.ForMode(campaign.ModeImage); got != nil {
		t.Errorf("ForMode() after Clear() = %+v, want nil", got)
	}

	// Cleared state survives a reload and the media file is kept
	s.Reload()
	if got := s.ForMode(campaign.ModeImage); got != nil {
		t.Errorf("ForMode() after reload = %+v, want nil", got)
	}
	if !fileExists(img) {
		t.Error("Clear() removed the media file")
	}
}

func TestStore_Watch(t *testing.T) {
	dir := t.TempDir()
	video := touch(t, filepath.Join(dir, "v.mp4"))
	cfgPath := filepath.Join(dir, "media_config.json")
	writeConfig(t, cfgPath, `{}`)

	s := NewStore(cfgPath, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Watch() error = %v", err)
		}
	}()

	// Give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, cfgPath, `{"videoPath":"`+video+`"}`)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(s.ForMode(campaign.ModeVideo)) == 1 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("media config was not reloaded after file change")
}
