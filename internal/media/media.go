package media

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/foxzi/pushline/internal/campaign"
)

// reloadDelay debounces bursts of file events from a single save
const reloadDelay = 250 * time.Millisecond

// Config is the media configuration file shared with the delivery bot
type Config struct {
	ImagePath  string   `json:"imagePath"`
	VideoPath  string   `json:"videoPath"`
	ImagePaths []string `json:"imagePaths"`
}

// Store keeps the media configuration in memory and attaches the
// configured files to legacy template messages
type Store struct {
	path   string
	logger *slog.Logger

	mu  sync.RWMutex
	cfg Config
}

// NewStore loads the configuration at path. A missing or corrupt file
// yields an empty configuration.
func NewStore(path string, logger *slog.Logger) *Store {
	s := &Store{
		path:   path,
		logger: logger,
	}
	s.Reload()
	return s
}

// Reload re-reads the configuration file
func (s *Store) Reload() {
	cfg, err := readConfig(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read media config, using empty", "path", s.path, "error", err)
		}
		cfg = Config{}
	}

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Config returns the current configuration with image paths narrowed to
// files that exist
func (s *Store) Config() Config {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	images := existing(cfg.ImagePaths)
	imagePath := cfg.ImagePath
	if imagePath == "" && len(images) > 0 {
		imagePath = images[len(images)-1]
	}

	return Config{
		ImagePath:  imagePath,
		VideoPath:  cfg.VideoPath,
		ImagePaths: images,
	}
}

// ForMode returns the attachments for mode: all existing images for
// image, the video for video, images then video for both, nothing for text
func (s *Store) ForMode(mode campaign.Mode) []campaign.Attachment {
	if mode == campaign.ModeText {
		return nil
	}

	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	var out []campaign.Attachment

	if mode == campaign.ModeImage || mode == campaign.ModeBoth {
		for _, p := range existing(cfg.ImagePaths) {
			out = append(out, campaign.Attachment{Type: campaign.MediaImage, Path: p})
		}
	}

	if mode == campaign.ModeVideo || mode == campaign.ModeBoth {
		if cfg.VideoPath != "" && fileExists(cfg.VideoPath) {
			out = append(out, campaign.Attachment{Type: campaign.MediaVideo, Path: cfg.VideoPath})
		}
	}

	return out
}

// Clear resets the configuration file to an empty one.
// Media files themselves are left in place.
func (s *Store) Clear() error {
	empty := Config{ImagePaths: []string{}}

	data, err := json.MarshalIndent(empty, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create media config directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write media config: %w", err)
	}

	s.mu.Lock()
	s.cfg = empty
	s.mu.Unlock()

	s.logger.Info("media config cleared")
	return nil
}

// Watch reloads the configuration whenever the file changes, until ctx
// is cancelled
func (s *Store) Watch(ctx context.Context) error {
	dir := filepath.Dir(s.path)
	target := filepath.Clean(s.path)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create media config directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory so editors that replace the file are seen
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	s.logger.Info("watching media config", "path", s.path)

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				timer.Reset(reloadDelay)
			}
		case <-timer.C:
			s.Reload()
			s.logger.Debug("media config reloaded", "path", s.path)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("media config watcher error", "error", err)
		}
	}
}

func readConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse media config: %w", err)
	}

	if len(cfg.ImagePaths) == 0 && cfg.ImagePath != "" {
		cfg.ImagePaths = []string{cfg.ImagePath}
	}
	return cfg, nil
}

func existing(paths []string) []string {
	var out []string
	for _, p := range paths {
		if p != "" && fileExists(p) {
			out = append(out, p)
		}
	}
	return out
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
