// Package browser owns the Chrome instance used to render pages for
// screenshot capture.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// ErrNotConnected is returned when a page is requested before Start.
var ErrNotConnected = errors.New("browser not connected")

// Viewport is the emulated device a page is rendered on.
type Viewport struct {
	Width  int  `yaml:"width" json:"width"`
	Height int  `yaml:"height" json:"height"`
	Mobile bool `yaml:"mobile" json:"mobile"`
}

// Config holds browser configuration.
type Config struct {
	DebuggerURL       string
	Launch            []string
	Headless          bool
	NavigationTimeout time.Duration
	// Settle is how long the DOM must stay unchanged before capture. Zero
	// skips the stability wait.
	Settle time.Duration
}

// DefaultConfig returns the browser defaults. The config package derives its
// browser section from it.
func DefaultConfig() Config {
	return Config{
		Headless:          true,
		NavigationTimeout: 30 * time.Second,
		Settle:            300 * time.Millisecond,
	}
}

func (c Config) navigationTimeout() time.Duration {
	if c.NavigationTimeout <= 0 {
		return DefaultConfig().NavigationTimeout
	}
	return c.NavigationTimeout
}

// Manager owns the Chrome connection. It is safe for concurrent use; each
// Open call gets its own incognito page.
type Manager struct {
	cfg        Config
	logger     *zap.Logger
	mu         sync.RWMutex
	browser    *rod.Browser
	controlURL string
}

// NewManager creates a manager. Call Start before opening pages.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cfg: cfg, logger: logger}
}

// Start connects to an existing Chrome or launches a new one.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		m.logger.Warn("Stale browser connection detected, reconnecting")
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
	}

	controlURL, err := m.resolveControlURL()
	if err != nil {
		return err
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = b
	m.controlURL = controlURL
	m.logger.Debug("Browser connected", zap.String("control_url", controlURL))
	return nil
}

func (m *Manager) resolveControlURL() (string, error) {
	if m.cfg.DebuggerURL != "" {
		return m.cfg.DebuggerURL, nil
	}

	l := launcher.New().Headless(m.cfg.Headless)
	if len(m.cfg.Launch) > 0 {
		l = l.Bin(m.cfg.Launch[0])
		for _, raw := range m.cfg.Launch[1:] {
			name, val, hasVal := strings.Cut(strings.TrimLeft(raw, "-"), "=")
			if hasVal {
				l = l.Set(flags.Flag(name), val)
			} else {
				l = l.Set(flags.Flag(name))
			}
		}
	}
	// Keep rendering deterministic across hosts.
	l = l.Set("force-device-scale-factor", "1").Set("hide-scrollbars")

	url, err := l.Launch()
	if err != nil {
		return "", fmt.Errorf("launch chrome: %w", err)
	}
	return url, nil
}

// ControlURL returns the WebSocket debugger URL.
func (m *Manager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected returns whether the browser is connected.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Open creates a page in a fresh incognito context emulating vp, navigates
// to url and waits for it to load and settle. release closes the page and
// disposes its context.
func (m *Manager) Open(ctx context.Context, url string, vp Viewport) (page *rod.Page, release func(), err error) {
	m.mu.RLock()
	b := m.browser
	m.mu.RUnlock()
	if b == nil {
		return nil, nil, ErrNotConnected
	}

	incognito, err := b.Incognito()
	if err != nil {
		return nil, nil, fmt.Errorf("incognito context: %w", err)
	}
	release = func() { _ = incognito.Close() }
	page, err = incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("create page: %w", err)
	}
	release = func() {
		_ = page.Close()
		_ = incognito.Close()
	}

	ok := false
	defer func() {
		if !ok {
			release()
		}
	}()

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             vp.Width,
		Height:            vp.Height,
		DeviceScaleFactor: 1,
		Mobile:            vp.Mobile,
	}).Call(page); err != nil {
		return nil, nil, fmt.Errorf("set viewport %dx%d: %w", vp.Width, vp.Height, err)
	}

	p := page.Context(ctx).Timeout(m.cfg.navigationTimeout())
	if err := p.Navigate(url); err != nil {
		return nil, nil, fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return nil, nil, fmt.Errorf("wait load %s: %w", url, err)
	}
	if m.cfg.Settle > 0 {
		if err := p.WaitStable(m.cfg.Settle); err != nil {
			return nil, nil, fmt.Errorf("wait stable %s: %w", url, err)
		}
	}

	ok = true
	return page, release, nil
}

// Shutdown closes the browser.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	m.controlURL = ""
	return err
}
