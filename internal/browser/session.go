// Package browser adapts chromedp to the narrow driver surface the sync
// pipeline consumes: page navigation, frame-scoped element operations, and
// click-triggered downloads. Nothing outside this package touches CDP.
package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Config controls the browsing session.
type Config struct {
	UserAgent   string
	WaitTimeout time.Duration // per element/marker wait
	TempDir     string        // staging area for in-flight downloads
}

// Session owns the exec allocator and the browser context. The portal does
// not tolerate concurrent navigations, so a Session hands out pages for
// strictly sequential use.
type Session struct {
	cfg           Config
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	logger        *zap.Logger
}

// NewSession starts headless Chrome and warms up the browser context.
func NewSession(cfg Config, logger *zap.Logger) (*Session, error) {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 20 * time.Second
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &Session{
		cfg:           cfg,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		logger:        logger,
	}, nil
}

// Close tears down the browser and allocator contexts.
func (s *Session) Close() {
	s.browserCancel()
	s.allocCancel()
}

// NewPage opens a fresh tab and applies the user-agent override.
func (s *Session) NewPage() (*Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(s.browserCtx)

	if s.cfg.UserAgent != "" {
		err := chromedp.Run(tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			return emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx)
		}))
		if err != nil {
			tabCancel()
			return nil, fmt.Errorf("set user-agent: %w", err)
		}
	}

	return &Page{
		session: s,
		ctx:     tabCtx,
		cancel:  tabCancel,
		logger:  s.logger,
	}, nil
}
