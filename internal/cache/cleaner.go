package cache

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// browser profile subdirectories that are safe to drop between runs; the
// profile itself (cookies, local storage) stays so the site keeps trusting
// the browser
var browserCacheDirs = []string{
	"Default/Cache",
	"Default/Code Cache",
	"Default/GPUCache",
	"Default/Service Worker",
	"GrShaderCache",
	"ShaderCache",
}

// Cleaner removes aged on-disk artifacts: run logs, failure dumps and the
// browser's cache directories.
type Cleaner struct {
	logger *slog.Logger
}

// NewCleaner creates a Cleaner.
func NewCleaner(logger *slog.Logger) *Cleaner {
	return &Cleaner{logger: logger}
}

// CleanLogs deletes log files and failure dumps older than maxAge and
// returns how many files were removed.
func (c *Cleaner) CleanLogs(dir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !cleanableFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			c.logger.Warn("failed to remove old file", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		c.logger.Info("removed aged log files", "dir", dir, "count", removed)
	}
	return removed, nil
}

// CleanBrowserData drops the browser's cache directories inside the profile
// dir. Missing directories are not an error.
func (c *Cleaner) CleanBrowserData(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	for _, sub := range browserCacheDirs {
		path := filepath.Join(dir, filepath.FromSlash(sub))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			c.logger.Warn("failed to remove browser cache dir", "path", path, "error", err)
			continue
		}
		c.logger.Info("removed browser cache dir", "path", path)
	}
	return nil
}

func cleanableFile(name string) bool {
	return strings.HasSuffix(name, ".log") ||
		strings.HasSuffix(name, ".png") ||
		strings.HasSuffix(name, ".html")
}
