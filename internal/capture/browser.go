package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"shotmatch/internal/paths"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// PageSource yields a loaded page for a target. release closes it.
type PageSource interface {
	Page(ctx context.Context, target paths.Target) (page *rod.Page, release func(), err error)
}

// Browser captures PNG screenshots of rod pages into a temporary directory.
type Browser struct {
	pages    PageSource
	tempDir  string
	fullPage bool
	logger   *zap.Logger
}

// NewBrowser creates a browser capturer writing into tempDir. An empty
// tempDir uses the OS temporary directory.
func NewBrowser(pages PageSource, tempDir string, fullPage bool, logger *zap.Logger) *Browser {
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "shotmatch")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Browser{pages: pages, tempDir: tempDir, fullPage: fullPage, logger: logger}
}

// Capture screenshots the page for target at device scale 1.
func (b *Browser) Capture(ctx context.Context, target paths.Target, id string) (string, error) {
	page, release, err := b.pages.Page(ctx, target)
	if err != nil {
		return "", Wrap(target, err)
	}
	defer release()

	b.logger.Debug("Taking screenshot", zap.Stringer("target", target), zap.String("id", id))
	data, err := page.Context(ctx).Screenshot(b.fullPage, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return "", Wrap(target, fmt.Errorf("screenshot: %w", err))
	}

	path, err := writeImage(b.tempDir, id, data)
	if err != nil {
		return "", Wrap(target, err)
	}
	return path, nil
}

// writeImage stores data as <dir>/<id>.png and returns the path.
func writeImage(dir, id string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("screenshot is empty")
	}
	if id == "" || filepath.Base(id) != id {
		return "", fmt.Errorf("invalid capture id %q", id)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	path := filepath.Join(dir, id+".png")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	return path, nil
}
