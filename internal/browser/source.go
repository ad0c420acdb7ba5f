package browser

import (
	"context"
	"fmt"
	"sync"

	"shotmatch/internal/paths"

	"github.com/go-rod/rod"
)

// URLSource opens the page for a target by looking up its URL and the
// dimensions of its viewport name.
type URLSource struct {
	manager   *Manager
	viewports map[string]Viewport

	mu   sync.RWMutex
	urls map[paths.Target]string
}

// NewURLSource creates a source backed by manager.
func NewURLSource(manager *Manager, viewports map[string]Viewport) *URLSource {
	return &URLSource{
		manager:   manager,
		viewports: viewports,
		urls:      make(map[paths.Target]string),
	}
}

// Set registers the URL rendered for target.
func (s *URLSource) Set(target paths.Target, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls[target] = url
}

// Viewport looks up a viewport by name.
func (s *URLSource) Viewport(name string) (Viewport, error) {
	vp, ok := s.viewports[name]
	if !ok {
		return Viewport{}, fmt.Errorf("unknown viewport %q", name)
	}
	if vp.Width <= 0 || vp.Height <= 0 {
		return Viewport{}, fmt.Errorf("viewport %q has invalid size %dx%d", name, vp.Width, vp.Height)
	}
	return vp, nil
}

// Page opens the page for target. The returned func closes it.
func (s *URLSource) Page(ctx context.Context, target paths.Target) (*rod.Page, func(), error) {
	s.mu.RLock()
	url, ok := s.urls[target]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("no url registered for %s", target)
	}

	vp, err := s.Viewport(target.Viewport)
	if err != nil {
		return nil, nil, err
	}

	return s.manager.Open(ctx, url, vp)
}
